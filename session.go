package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// SessionClaims are the JWT claims carried by a session token. The auth
// key fingerprint binds the token to the key the account held at mint
// time; rotating the key (on block or explicit invalidation) makes every
// outstanding token fail validation.
type SessionClaims struct {
	jwt.RegisteredClaims
	AuthKeyHash string `json:"auk"`
}

// TokenSink receives freshly minted session tokens so the host can set a
// cookie, a header, or whatever its transport uses.
type TokenSink func(ctx context.Context, user *User, token string, expiresAt time.Time) error

// SessionTokens mints and validates stateless session tokens. It
// implements SessionGateway: Login mints a token into the configured
// sink, and InvalidateAll rotates the user's auth key.
type SessionTokens struct {
	signingKey []byte
	repo       RepositoryManager
	config     Config
	logger     Logger
	now        func() time.Time
	issuer     string
	sink       TokenSink
}

var _ SessionGateway = (*SessionTokens)(nil)

// SessionOption customizes service construction.
type SessionOption func(*SessionTokens)

// WithSessionIssuer sets the JWT issuer claim.
func WithSessionIssuer(issuer string) SessionOption {
	return func(s *SessionTokens) {
		s.issuer = issuer
	}
}

// WithSessionTokenSink sets the destination for minted tokens.
func WithSessionTokenSink(sink TokenSink) SessionOption {
	return func(s *SessionTokens) {
		s.sink = sink
	}
}

// WithSessionLogger overrides the logger.
func WithSessionLogger(l Logger) SessionOption {
	return func(s *SessionTokens) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionClock injects a custom clock (useful for tests).
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *SessionTokens) {
		if clock != nil {
			s.now = clock
		}
	}
}

func NewSessionTokens(signingKey []byte, repo RepositoryManager, cfg Config, opts ...SessionOption) *SessionTokens {
	s := &SessionTokens{
		signingKey: signingKey,
		repo:       repo,
		config:     cfg,
		logger:     defLogger{},
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Mint creates a signed session token for the user, valid for ttl.
func (s *SessionTokens) Mint(user *User, ttl time.Duration) (string, time.Time, error) {
	if user == nil {
		return "", time.Time{}, ErrInvalidUser.WithMetadata(map[string]any{
			"reason": "user is nil",
		})
	}

	if user.IsBlocked() {
		return "", time.Time{}, ErrSessionRevoked.WithMetadata(map[string]any{
			"user_id": user.ID.String(),
		})
	}

	if ttl <= 0 {
		ttl = s.config.GetRememberFor()
	}

	now := s.now()
	expiresAt := now.Add(ttl)

	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		AuthKeyHash: authKeyFingerprint(user.AuthKey),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign session token")
	}

	return signed, expiresAt, nil
}

// Validate parses the token and resolves its user. Tokens minted before
// the user's auth key rotated fail with ErrSessionRevoked, as do tokens
// for blocked accounts.
func (s *SessionTokens) Validate(ctx context.Context, tokenString string) (*User, error) {
	parserOptions := make([]jwt.ParserOption, 0, 1)
	if s.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryAuth, "invalid session token")
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, goerrors.New("could not decode session claims", goerrors.CategoryAuth)
	}

	user, err := s.repo.Users().GetByIdentifier(ctx, claims.Subject)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryAuth, "could not resolve session user")
	}

	if user.IsBlocked() || claims.AuthKeyHash != authKeyFingerprint(user.AuthKey) {
		return nil, ErrSessionRevoked.WithMetadata(map[string]any{
			"user_id": user.ID.String(),
		})
	}

	return user, nil
}

// Login implements SessionGateway by minting a token into the sink. With
// no sink configured the token is minted and dropped, which still lets
// callers treat auto login as best effort.
func (s *SessionTokens) Login(ctx context.Context, user *User, remember time.Duration) error {
	signed, expiresAt, err := s.Mint(user, remember)
	if err != nil {
		return err
	}

	if s.sink == nil {
		s.logger.Debug("no token sink configured, dropping session token for %s", user.ID)
		return nil
	}

	return s.sink(ctx, user, signed, expiresAt)
}

// InvalidateAll rotates the user's auth key, revoking every token minted
// against the previous key.
func (s *SessionTokens) InvalidateAll(ctx context.Context, user *User) error {
	if user == nil {
		return ErrInvalidUser.WithMetadata(map[string]any{
			"reason": "user is nil",
		})
	}

	key, err := GenerateAuthKey()
	if err != nil {
		return err
	}

	if err := s.repo.Users().RotateAuthKey(ctx, user.ID, key); err != nil {
		return wrapPersistence(err, "could not rotate auth key")
	}
	user.AuthKey = key

	return nil
}

// authKeyFingerprint derives the claim value bound into session tokens.
// The raw key never leaves the database row.
func authKeyFingerprint(authKey string) string {
	sum := sha256.Sum256([]byte(authKey))
	return hex.EncodeToString(sum[:8])
}
