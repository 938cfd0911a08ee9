package accounts

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	MsgRecoveryRequested = "You will receive an email with instructions on how to reset your password in a few minutes"
	MsgRecoveryInvalid   = "Recovery link is invalid or expired. Please try requesting a new one."
	MsgPasswordChanged   = "Your password has been changed successfully."
)

// RecoveryService implements password recovery: a RECOVERY token is
// mailed to the address on record, and presenting it authorizes a one
// time password reset.
type RecoveryService struct {
	repo      RepositoryManager
	config    Config
	mailer    Mailer
	messenger Messenger
	logger    Logger
	now       func() time.Time
}

// RecoveryOption customizes service construction.
type RecoveryOption func(*RecoveryService)

// WithRecoveryMailer overrides the mail collaborator.
func WithRecoveryMailer(m Mailer) RecoveryOption {
	return func(s *RecoveryService) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithRecoveryMessenger sets the flash message sink.
func WithRecoveryMessenger(m Messenger) RecoveryOption {
	return func(s *RecoveryService) {
		s.messenger = normalizeMessenger(m)
	}
}

// WithRecoveryLogger overrides the logger.
func WithRecoveryLogger(l Logger) RecoveryOption {
	return func(s *RecoveryService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecoveryClock injects a custom clock (useful for tests).
func WithRecoveryClock(clock func() time.Time) RecoveryOption {
	return func(s *RecoveryService) {
		if clock != nil {
			s.now = clock
		}
	}
}

func NewRecoveryService(repo RepositoryManager, cfg Config, opts ...RecoveryOption) *RecoveryService {
	s := &RecoveryService{
		repo:      repo,
		config:    cfg,
		messenger: noopMessenger{},
		logger:    defLogger{},
		now:       time.Now,
	}
	s.mailer = NewLogMailer(cfg, s.logger)

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Request starts recovery for the given address. The response is the
// same whether or not an account owns the address, so the endpoint
// cannot be used to probe for registered emails. Blocked accounts are
// skipped silently for the same reason.
func (s *RecoveryService) Request(ctx context.Context, email string) (bool, error) {
	if !s.config.IsPasswordRecoveryEnabled() {
		return false, nil
	}

	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid recovery email").
			WithCode(goerrors.CodeBadRequest)
	}

	user, err := s.repo.Users().FindByEmail(ctx, email)
	if err != nil {
		return false, wrapPersistence(err, "could not look up account for recovery")
	}

	if user != nil && !user.IsBlocked() {
		token, err := s.repo.Tokens().Issue(ctx, user.ID, TokenRecovery)
		if err != nil {
			return false, err
		}

		if err := s.mailer.SendRecoveryMessage(ctx, user, token); err != nil {
			return false, goerrors.Wrap(err, goerrors.CategoryInternal, "could not send recovery message")
		}
	}

	s.messenger.Flash(ctx, FlashInfo, MsgRecoveryRequested)

	return true, nil
}

// Reset consumes the RECOVERY token matching (userID, code) and replaces
// the account password. Consumption and the password update commit
// together, so the same link can never reset the password twice.
func (s *RecoveryService) Reset(ctx context.Context, userID uuid.UUID, code, password string) (bool, error) {
	if !s.config.IsPasswordRecoveryEnabled() {
		return false, nil
	}

	if err := validation.Validate(password, validation.Required, validation.Length(6, 72)); err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password").
			WithCode(goerrors.CodeBadRequest)
	}

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := s.repo.Tokens().FindByUserCodeTypeTx(ctx, tx, userID, code, TokenRecovery)
		if err != nil {
			return wrapPersistence(err, "could not look up recovery token")
		}

		if token == nil || token.IsExpired(s.config.GetTokenTTL(TokenRecovery), s.now()) {
			s.messenger.Flash(ctx, FlashDanger, MsgRecoveryInvalid)
			return ErrInvalidToken.WithMetadata(map[string]any{
				"user_id": userID.String(),
				"type":    TokenRecovery,
			})
		}

		if err := s.repo.Tokens().ConsumeTx(ctx, tx, token); err != nil {
			s.messenger.Flash(ctx, FlashDanger, MsgRecoveryInvalid)
			return err
		}

		hash, err := HashPassword(password)
		if err != nil {
			return err
		}

		if err := s.repo.Users().ResetPasswordTx(ctx, tx, userID, hash); err != nil {
			return wrapPersistence(err, "could not reset password")
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	s.messenger.Flash(ctx, FlashSuccess, MsgPasswordChanged)

	return true, nil
}
