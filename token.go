package accounts

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TokenType is the purpose a token authorizes.
type TokenType = string

const (
	// TokenConfirmation gates initial account confirmation.
	TokenConfirmation TokenType = "confirmation"
	// TokenConfirmNewEmail gates confirmation from the pending address.
	TokenConfirmNewEmail TokenType = "confirm_new_email"
	// TokenConfirmOldEmail gates confirmation from the current address.
	TokenConfirmOldEmail TokenType = "confirm_old_email"
	// TokenRecovery gates password recovery.
	TokenRecovery TokenType = "recovery"
)

// tokenCodeBytes yields 32 URL-safe characters per code.
const tokenCodeBytes = 24

// Token is a time-limited, single-use credential tied to one user and one
// purpose. Consuming a token deletes it; a deleted or expired token can
// never be consumed again.
type Token struct {
	bun.BaseModel `bun:"table:tokens,alias:tok"`

	ID        uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID    uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	User      *User      `bun:"rel:belongs-to,join:user_id=id" json:"user,omitempty"`
	Code      string     `bun:"code,notnull,unique" json:"-"`
	Type      TokenType  `bun:"type,notnull" json:"type,omitempty"`
	CreatedAt *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// IsExpired reports whether the token's age exceeds ttl at the given time.
// Tokens without a creation timestamp are treated as expired.
func (t *Token) IsExpired(ttl time.Duration, now time.Time) bool {
	if t.CreatedAt == nil {
		return true
	}
	return now.Sub(*t.CreatedAt) > ttl
}

// Route returns the URL path a user follows to consume the token.
func (t *Token) Route() string {
	switch t.Type {
	case TokenRecovery:
		return fmt.Sprintf("/recovery/%s/%s", t.UserID, t.Code)
	case TokenConfirmNewEmail, TokenConfirmOldEmail:
		return fmt.Sprintf("/settings/confirm/%s/%s", t.UserID, t.Code)
	default:
		return fmt.Sprintf("/confirm/%s/%s", t.UserID, t.Code)
	}
}

// URL joins the route onto the module's base URL.
func (t *Token) URL(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + t.Route()
}

// GenerateCode returns a cryptographically random, URL-safe token code.
func GenerateCode() (string, error) {
	buf := make([]byte, tokenCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate token code")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateAuthKey returns a fresh session-invalidation key. Rotating it
// revokes every session minted against the previous key.
func GenerateAuthKey() (string, error) {
	return GenerateCode()
}
