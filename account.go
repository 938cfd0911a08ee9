package accounts

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

const (
	MsgEmailChangeRequested = "A confirmation message has been sent to your new email address"
	MsgEmailChangeBothSides = "We have sent confirmation links to both old and new email addresses. You must open both links to complete your request"
	MsgEmailChangeInvalid   = "Your confirmation token is invalid or expired"
	MsgEmailChanged         = "Your email address has been changed"
	MsgAwaitingOldEmail     = "We are waiting for confirmation from your old email address"
	MsgAwaitingNewEmail     = "We are waiting for confirmation from your new email address"
)

// SocialConnection describes an external identity presented for linking.
type SocialConnection struct {
	Provider       string         `json:"provider"`
	ProviderUserID string         `json:"provider_user_id"`
	Email          string         `json:"email"`
	Username       string         `json:"username"`
	ProfileData    map[string]any `json:"profile_data,omitempty"`
}

func (c SocialConnection) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.Required, validation.Length(1, 64)),
		validation.Field(&c.ProviderUserID, validation.Required, validation.Length(1, 255)),
		validation.Field(&c.Email, is.Email),
	)
}

// AccountService covers administrative operations and account settings:
// admin-created users, approval, blocking, email change, and social
// account connection.
type AccountService struct {
	repo         RepositoryManager
	config       Config
	confirmation *ConfirmationService
	mailer       Mailer
	sessions     SessionGateway
	messenger    Messenger
	logger       Logger
	passwords    PasswordGenerator
	now          func() time.Time
}

// AccountOption customizes service construction.
type AccountOption func(*AccountService)

// WithAccountMailer overrides the mail collaborator.
func WithAccountMailer(m Mailer) AccountOption {
	return func(s *AccountService) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithAccountSessionGateway sets the gateway used to revoke sessions.
func WithAccountSessionGateway(g SessionGateway) AccountOption {
	return func(s *AccountService) {
		s.sessions = normalizeSessionGateway(g)
	}
}

// WithAccountMessenger sets the flash message sink.
func WithAccountMessenger(m Messenger) AccountOption {
	return func(s *AccountService) {
		s.messenger = normalizeMessenger(m)
	}
}

// WithAccountLogger overrides the logger.
func WithAccountLogger(l Logger) AccountOption {
	return func(s *AccountService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAccountPasswordGenerator overrides the generator for admin-created
// and social-provisioned accounts.
func WithAccountPasswordGenerator(g PasswordGenerator) AccountOption {
	return func(s *AccountService) {
		if g != nil {
			s.passwords = g
		}
	}
}

// WithAccountClock injects a custom clock (useful for tests).
func WithAccountClock(clock func() time.Time) AccountOption {
	return func(s *AccountService) {
		if clock != nil {
			s.now = clock
		}
	}
}

func NewAccountService(repo RepositoryManager, cfg Config, confirmation *ConfirmationService, opts ...AccountOption) *AccountService {
	s := &AccountService{
		repo:         repo,
		config:       cfg,
		confirmation: confirmation,
		sessions:     noopSessionGateway{},
		messenger:    noopMessenger{},
		logger:       defLogger{},
		passwords:    NewPasswordGenerator(0),
		now:          time.Now,
	}
	s.mailer = NewLogMailer(cfg, s.logger)

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Create provisions an account on a user's behalf, typically from an
// admin panel. The account starts out confirmed; when the form carries
// no password one is generated and included in the welcome email.
func (s *AccountService) Create(ctx context.Context, form *RegistrationForm) (*User, error) {
	if form == nil {
		return nil, badRequest("account form must not be nil")
	}

	if err := form.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid account form")
	}

	email := strings.TrimSpace(strings.ToLower(form.Email))
	if email == "" {
		return nil, badRequest("email must not be empty")
	}

	password := form.Password
	if password == "" {
		generated, err := s.passwords.Generate()
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not generate password")
		}
		password = generated
	}

	at := s.now().UTC()
	user := &User{
		Username:    strings.TrimSpace(form.Username),
		Email:       email,
		Phone:       normalizePhone(form.Phone),
		ConfirmedAt: &at,
	}
	user.SetPassword(password)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		created, err := s.repo.Users().RegisterTx(ctx, tx, user)
		if err != nil {
			return wrapPersistence(err, "could not create user")
		}
		user = created

		profile := &Profile{UserID: user.ID}
		if _, err := s.repo.Profiles().CreateTx(ctx, tx, profile); err != nil {
			return wrapPersistence(err, "could not create profile")
		}
		user.Profile = profile

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.mailer.SendWelcomeMessage(ctx, user, password); err != nil {
		s.logger.Error("welcome email failed for %s: %v", user.Email, err)
	}

	return user, nil
}

// Approve delegates to the confirmation side, which owns the approval
// transition and its notification.
func (s *AccountService) Approve(ctx context.Context, user *User) (bool, error) {
	return s.confirmation.Approve(ctx, user)
}

// Block marks the account blocked and rotates its auth key in the same
// update, then asks the session gateway to revoke outstanding sessions.
func (s *AccountService) Block(ctx context.Context, user *User) (bool, error) {
	if user == nil || user.IsBlocked() {
		return false, ErrInvalidUser.WithMetadata(map[string]any{
			"reason": "user is nil or already blocked",
		})
	}

	key, err := GenerateAuthKey()
	if err != nil {
		return false, err
	}

	at := s.now().UTC()
	if err := s.repo.Users().Block(ctx, user.ID, at, key); err != nil {
		return false, wrapPersistence(err, "could not block user")
	}
	user.BlockedAt = &at
	user.AuthKey = key

	if err := s.sessions.InvalidateAll(ctx, user); err != nil {
		s.logger.Warn("session invalidation failed for %s: %v", user.ID, err)
	}

	return true, nil
}

// Unblock lifts a block. Sessions stay revoked; the user signs in again.
func (s *AccountService) Unblock(ctx context.Context, user *User) (bool, error) {
	if user == nil || !user.IsBlocked() {
		return false, ErrInvalidUser.WithMetadata(map[string]any{
			"reason": "user is nil or not blocked",
		})
	}

	if err := s.repo.Users().Unblock(ctx, user.ID); err != nil {
		return false, wrapPersistence(err, "could not unblock user")
	}
	user.BlockedAt = nil

	return true, nil
}

// RequestEmailChange stores newEmail as the pending address and mails the
// confirmation link it requires: the new address always gets one, and
// under the secure strategy the current address gets one too. Requesting
// again replaces the pending address and resets any partial progress.
func (s *AccountService) RequestEmailChange(ctx context.Context, user *User, newEmail string) (bool, error) {
	if user == nil {
		return false, ErrInvalidUser.WithMetadata(map[string]any{
			"reason": "user is nil",
		})
	}

	newEmail = strings.TrimSpace(strings.ToLower(newEmail))
	if err := validation.Validate(newEmail, validation.Required, is.Email); err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid email address").
			WithCode(goerrors.CodeBadRequest)
	}

	if newEmail == user.Email {
		return false, badRequest("new email must differ from the current address")
	}

	owner, err := s.repo.Users().FindByEmail(ctx, newEmail)
	if err != nil {
		return false, wrapPersistence(err, "could not check email availability")
	}
	if owner != nil {
		return false, ErrEmailTaken.WithMetadata(map[string]any{
			"email": newEmail,
		})
	}

	secure := s.config.GetEmailChangeStrategy() == EmailChangeSecure

	var tokenNew, tokenOld *Token
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.Users().SetPendingEmailTx(ctx, tx, user.ID, newEmail); err != nil {
			return wrapPersistence(err, "could not store pending email")
		}

		if tokenNew, err = s.repo.Tokens().IssueTx(ctx, tx, user.ID, TokenConfirmNewEmail); err != nil {
			return err
		}

		if secure {
			if tokenOld, err = s.repo.Tokens().IssueTx(ctx, tx, user.ID, TokenConfirmOldEmail); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	user.UnconfirmedEmail = newEmail
	user.EmailChangeFlags = 0

	if err := s.mailer.SendReconfirmationMessage(ctx, user, tokenNew); err != nil {
		s.logger.Warn("reconfirmation email to new address failed for %s: %v", user.ID, err)
	}

	if secure {
		if err := s.mailer.SendReconfirmationMessage(ctx, user, tokenOld); err != nil {
			s.logger.Warn("reconfirmation email to old address failed for %s: %v", user.ID, err)
		}
		s.messenger.Flash(ctx, FlashInfo, MsgEmailChangeBothSides)
	} else {
		s.messenger.Flash(ctx, FlashInfo, MsgEmailChangeRequested)
	}

	return true, nil
}

// AttemptEmailChange consumes the email-change token matching code and
// advances the change. Under the default strategy any valid token commits
// the change; under the secure strategy the change commits only once both
// addresses confirmed, and a single confirmation just records progress.
// It returns true when the token was accepted, whether or not the change
// committed on this call.
func (s *AccountService) AttemptEmailChange(ctx context.Context, user *User, code string) (bool, error) {
	if user == nil {
		return false, ErrInvalidUser.WithMetadata(map[string]any{
			"reason": "user is nil",
		})
	}

	var (
		committed bool
		taken     bool
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := s.findEmailChangeToken(ctx, tx, user, code)
		if err != nil {
			return err
		}

		if token == nil || !user.HasPendingEmail() ||
			token.IsExpired(s.config.GetTokenTTL(token.Type), s.now()) {
			s.messenger.Flash(ctx, FlashDanger, MsgEmailChangeInvalid)
			return ErrInvalidToken.WithMetadata(map[string]any{
				"user_id": user.ID.String(),
			})
		}

		if err := s.repo.Tokens().ConsumeTx(ctx, tx, token); err != nil {
			s.messenger.Flash(ctx, FlashDanger, MsgEmailChangeInvalid)
			return err
		}

		// the pending address may have been registered since the request;
		// abandon the change but keep the token consumed
		owner, err := s.repo.Users().FindByEmailTx(ctx, tx, user.UnconfirmedEmail)
		if err != nil {
			return wrapPersistence(err, "could not check email availability")
		}
		if owner != nil {
			taken = true
			return s.repo.Users().CommitEmailChangeTx(ctx, tx, user.ID, user.Email)
		}

		if s.config.GetEmailChangeStrategy() != EmailChangeSecure {
			committed = true
			return s.repo.Users().CommitEmailChangeTx(ctx, tx, user.ID, user.UnconfirmedEmail)
		}

		flags := user.EmailChangeFlags
		switch token.Type {
		case TokenConfirmNewEmail:
			flags |= NewEmailConfirmed
		case TokenConfirmOldEmail:
			flags |= OldEmailConfirmed
		}
		user.EmailChangeFlags = flags

		if flags.Has(OldEmailConfirmed | NewEmailConfirmed) {
			committed = true
			return s.repo.Users().CommitEmailChangeTx(ctx, tx, user.ID, user.UnconfirmedEmail)
		}

		return s.repo.Users().SetEmailChangeFlagsTx(ctx, tx, user.ID, flags)
	})
	if err != nil {
		return false, err
	}

	if taken {
		user.UnconfirmedEmail = ""
		user.EmailChangeFlags = 0
		s.messenger.Flash(ctx, FlashDanger, ErrEmailTaken.Error())
		return false, ErrEmailTaken.WithMetadata(map[string]any{
			"user_id": user.ID.String(),
		})
	}

	if committed {
		user.Email = user.UnconfirmedEmail
		user.UnconfirmedEmail = ""
		user.EmailChangeFlags = 0
		s.messenger.Flash(ctx, FlashSuccess, MsgEmailChanged)
		return true, nil
	}

	if user.EmailChangeFlags.Has(NewEmailConfirmed) {
		s.messenger.Flash(ctx, FlashInfo, MsgAwaitingOldEmail)
	} else {
		s.messenger.Flash(ctx, FlashInfo, MsgAwaitingNewEmail)
	}

	return true, nil
}

// Connect links an external identity to an account. An already linked
// identity resolves to its user; otherwise the identity attaches to the
// account owning its email, or a fresh confirmed account is provisioned.
func (s *AccountService) Connect(ctx context.Context, conn *SocialConnection) (*User, error) {
	if conn == nil {
		return nil, badRequest("social connection must not be nil")
	}

	if err := conn.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid social connection")
	}

	existing, err := s.repo.SocialAccounts().FindByProviderID(ctx, conn.Provider, conn.ProviderUserID)
	if err != nil {
		return nil, wrapPersistence(err, "could not look up social account")
	}

	if existing != nil {
		user, err := s.repo.Users().GetByIdentifier(ctx, existing.UserID.String())
		if err != nil {
			return nil, wrapPersistence(err, "could not load linked user")
		}
		if err := s.upsertSocialAccount(ctx, nil, user, conn); err != nil {
			return nil, err
		}
		return user, nil
	}

	var user *User
	if conn.Email != "" {
		if user, err = s.repo.Users().FindByEmail(ctx, strings.ToLower(conn.Email)); err != nil {
			return nil, wrapPersistence(err, "could not look up account by email")
		}
	}

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if user == nil {
			provisioned, err := s.provisionSocialUser(ctx, tx, conn)
			if err != nil {
				return err
			}
			user = provisioned
		}

		return s.upsertSocialAccount(ctx, tx, user, conn)
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// provisionSocialUser creates a confirmed account for an identity with no
// matching user. The provider vouched for the address, so no
// confirmation round trip is required.
func (s *AccountService) provisionSocialUser(ctx context.Context, tx bun.IDB, conn *SocialConnection) (*User, error) {
	username := strings.TrimSpace(strings.ToLower(conn.Username))
	if len(username) < 3 || !usernameRegexp.MatchString(username) {
		username = ""
	}

	if username != "" {
		taken, err := s.repo.Users().UsernameTaken(ctx, username)
		if err != nil {
			return nil, wrapPersistence(err, "could not check username availability")
		}
		if taken {
			username = ""
		}
	}

	if username == "" {
		derived, err := generateUsername(ctx, s.repo.Users(), conn.Email)
		if err != nil {
			return nil, err
		}
		username = derived
	}

	password, err := s.passwords.Generate()
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not generate password")
	}

	at := s.now().UTC()
	user := &User{
		Username:    username,
		Email:       strings.ToLower(conn.Email),
		ConfirmedAt: &at,
	}
	user.SetPassword(password)

	created, err := s.repo.Users().RegisterTx(ctx, tx, user)
	if err != nil {
		return nil, wrapPersistence(err, "could not create user")
	}

	profile := &Profile{UserID: created.ID}
	if _, err := s.repo.Profiles().CreateTx(ctx, tx, profile); err != nil {
		return nil, wrapPersistence(err, "could not create profile")
	}
	created.Profile = profile

	return created, nil
}

func (s *AccountService) upsertSocialAccount(ctx context.Context, tx bun.IDB, user *User, conn *SocialConnection) error {
	account := &SocialAccount{
		UserID:         user.ID,
		Provider:       conn.Provider,
		ProviderUserID: conn.ProviderUserID,
		Email:          strings.ToLower(conn.Email),
		Username:       conn.Username,
		ProfileData:    conn.ProfileData,
	}

	var err error
	if tx == nil {
		err = s.repo.SocialAccounts().Upsert(ctx, account)
	} else {
		err = s.repo.SocialAccounts().UpsertTx(ctx, tx, account)
	}
	if err != nil {
		return wrapPersistence(err, "could not persist social account")
	}

	return nil
}

// findEmailChangeToken resolves code against both email-change token
// types; the new-address type is tried first.
func (s *AccountService) findEmailChangeToken(ctx context.Context, tx bun.IDB, user *User, code string) (*Token, error) {
	token, err := s.repo.Tokens().FindByUserCodeTypeTx(ctx, tx, user.ID, code, TokenConfirmNewEmail)
	if err != nil {
		return nil, wrapPersistence(err, "could not look up email change token")
	}
	if token != nil {
		return token, nil
	}

	token, err = s.repo.Tokens().FindByUserCodeTypeTx(ctx, tx, user.ID, code, TokenConfirmOldEmail)
	if err != nil {
		return nil, wrapPersistence(err, "could not look up email change token")
	}

	return token, nil
}
