package accounts

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// User-facing notices, worded as the original module shipped them.
const (
	MsgConfirmationComplete = "Thank you, registration is now complete."
	MsgConfirmationInvalid  = "The confirmation link is invalid or expired. Please try requesting a new one."
	MsgConfirmationResent   = "Confirmation message has been resent to your email address"
)

// UserHook is executed around a confirmation or approval transition.
type UserHook func(ctx context.Context, user *User) error

// ConfirmationService drives the account lifecycle state machine:
//
//	Unconfirmed -> Confirmed -> Approved
//
// It validates tokens, persists transitions, and sequences notifications
// around them. When confirmation is globally disabled every operation is
// a silent no-op returning false, the hidden-feature contract.
type ConfirmationService struct {
	repo      RepositoryManager
	config    Config
	mailer    Mailer
	sessions  SessionGateway
	messenger Messenger
	logger    Logger
	now       func() time.Time

	beforeConfirm []UserHook
	afterConfirm  []UserHook
	beforeApprove []UserHook
	afterApprove  []UserHook
}

// ConfirmationOption customizes service construction.
type ConfirmationOption func(*ConfirmationService)

// WithConfirmationMailer overrides the mail collaborator.
func WithConfirmationMailer(m Mailer) ConfirmationOption {
	return func(s *ConfirmationService) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithConfirmationSessionGateway sets the gateway used for auto login.
func WithConfirmationSessionGateway(g SessionGateway) ConfirmationOption {
	return func(s *ConfirmationService) {
		s.sessions = normalizeSessionGateway(g)
	}
}

// WithConfirmationMessenger sets the flash message sink.
func WithConfirmationMessenger(m Messenger) ConfirmationOption {
	return func(s *ConfirmationService) {
		s.messenger = normalizeMessenger(m)
	}
}

// WithConfirmationLogger overrides the logger.
func WithConfirmationLogger(l Logger) ConfirmationOption {
	return func(s *ConfirmationService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfirmationClock injects a custom clock (useful for tests).
func WithConfirmationClock(clock func() time.Time) ConfirmationOption {
	return func(s *ConfirmationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

func NewConfirmationService(repo RepositoryManager, cfg Config, opts ...ConfirmationOption) *ConfirmationService {
	s := &ConfirmationService{
		repo:      repo,
		config:    cfg,
		sessions:  noopSessionGateway{},
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

// OnBeforeConfirm registers a hook fired before confirmedAt is persisted.
func (s *ConfirmationService) OnBeforeConfirm(h UserHook) {
	if h != nil {
		s.beforeConfirm = append(s.beforeConfirm, h)
	}
}

// OnAfterConfirm registers a hook fired after a successful confirmation.
func (s *ConfirmationService) OnAfterConfirm(h UserHook) {
	if h != nil {
		s.afterConfirm = append(s.afterConfirm, h)
	}
}

// OnBeforeApprove registers a hook fired before approvedAt is persisted.
func (s *ConfirmationService) OnBeforeApprove(h UserHook) {
	if h != nil {
		s.beforeApprove = append(s.beforeApprove, h)
	}
}

// OnAfterApprove registers a hook fired after a successful approval.
func (s *ConfirmationService) OnAfterApprove(h UserHook) {
	if h != nil {
		s.afterApprove = append(s.afterApprove, h)
	}
}

// Confirm marks the user as confirmed. It returns (false, nil) when the
// service is disabled and ErrInvalidUser when the user is nil or already
// confirmed; callers must treat the latter as fatal to the request.
func (s *ConfirmationService) Confirm(ctx context.Context, user *User) (bool, error) {
	if !s.config.IsConfirmationEnabled() {
		return false, nil
	}

	if err := s.checkUser(user); err != nil {
		return false, err
	}

	err := s.applyConfirm(ctx, user, func(at time.Time) error {
		return s.repo.Users().Confirm(ctx, user.ID, at)
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

// Approve marks the user as administratively approved and sends the
// approval email. Approval is independent of confirmation; the module
// does not enforce an ordering between the two.
func (s *ConfirmationService) Approve(ctx context.Context, user *User) (bool, error) {
	if !s.config.IsAdminApprovalEnabled() {
		return false, nil
	}

	if user == nil || user.IsApproved() {
		return false, ErrInvalidUser.WithMetadata(map[string]any{
			"reason": "user is nil or already approved",
		})
	}

	if err := s.runHooks(ctx, s.beforeApprove, user); err != nil {
		return false, err
	}

	at := s.now().UTC()
	if err := s.repo.Users().Approve(ctx, user.ID, at); err != nil {
		return false, wrapPersistence(err, "could not persist approval")
	}
	user.ApprovedAt = &at

	if err := s.mailer.SendApprovalMessage(ctx, user); err != nil {
		s.logger.Warn("approval email failed for %s: %v", user.ID, err)
	}

	if err := s.runHooks(ctx, s.afterApprove, user); err != nil {
		return false, err
	}

	return true, nil
}

// AttemptConfirmation consumes the CONFIRMATION token matching (user,
// code) and confirms the user. Token consumption and the transition are
// one transaction: a duplicate submission of the same code observes the
// token already deleted and fails with ErrInvalidToken. On success the
// caller is signaled to establish a session when auto login is enabled.
func (s *ConfirmationService) AttemptConfirmation(ctx context.Context, user *User, code string) (bool, error) {
	if !s.config.IsConfirmationEnabled() {
		return false, nil
	}

	if err := s.checkUser(user); err != nil {
		return false, err
	}

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := s.repo.Tokens().FindByUserCodeTypeTx(ctx, tx, user.ID, code, TokenConfirmation)
		if err != nil {
			return wrapPersistence(err, "could not look up confirmation token")
		}

		if !s.isTokenValid(token) {
			s.messenger.Flash(ctx, FlashDanger, MsgConfirmationInvalid)
			return ErrInvalidToken.WithMetadata(map[string]any{
				"user_id": user.ID.String(),
			})
		}

		if err := s.repo.Tokens().ConsumeTx(ctx, tx, token); err != nil {
			s.messenger.Flash(ctx, FlashDanger, MsgConfirmationInvalid)
			return err
		}

		return s.applyConfirm(ctx, user, func(at time.Time) error {
			return s.repo.Users().ConfirmTx(ctx, tx, user.ID, at)
		})
	})
	if err != nil {
		return false, err
	}

	if s.config.IsAutoLoginEnabled() {
		if err := s.sessions.Login(ctx, user, s.config.GetRememberFor()); err != nil {
			s.logger.Warn("auto login after confirmation failed for %s: %v", user.ID, err)
		}
	}

	s.messenger.Flash(ctx, FlashSuccess, MsgConfirmationComplete)

	return true, nil
}

// ResendConfirmationMessage issues a fresh CONFIRMATION token and mails
// its link. Previously issued tokens stay valid until they expire. The
// informational notice is emitted only after the send succeeds.
func (s *ConfirmationService) ResendConfirmationMessage(ctx context.Context, user *User) (bool, error) {
	if !s.config.IsConfirmationEnabled() {
		return false, nil
	}

	if err := s.checkUser(user); err != nil {
		return false, err
	}

	token, err := s.repo.Tokens().Issue(ctx, user.ID, TokenConfirmation)
	if err != nil {
		return false, err
	}

	email := NewRegistrationEmail(user, s.config.GetAppName())
	email.SetConfirmationLink(token.URL(s.config.GetBaseURL()))

	if err := s.mailer.SendRegistrationMessage(ctx, email); err != nil {
		return false, wrapPersistence(err, "could not send confirmation message")
	}

	s.messenger.Flash(ctx, FlashInfo, MsgConfirmationResent)

	return true, nil
}

// InitializeConfirmationStatus is the pre-persist registration hook. When
// confirmation as a whole or email confirmation specifically is disabled,
// the new user starts out already confirmed.
func (s *ConfirmationService) InitializeConfirmationStatus(ctx context.Context, evt *RegistrationEvent) error {
	if evt == nil || evt.User == nil {
		return nil
	}

	if !s.config.IsConfirmationEnabled() || !s.config.IsEmailConfirmationEnabled() {
		at := s.now().UTC()
		evt.User.ConfirmedAt = &at
	}

	return nil
}

// SendConfirmationMessage is the post-persist registration hook. It
// issues a CONFIRMATION token and attaches its link to the registration
// email payload; the email itself is dispatched by RegistrationService.
func (s *ConfirmationService) SendConfirmationMessage(ctx context.Context, evt *RegistrationEvent) error {
	if evt == nil || evt.User == nil || evt.Email == nil {
		return nil
	}

	if !s.config.IsConfirmationEnabled() || !s.config.IsEmailConfirmationEnabled() {
		return nil
	}

	token, err := s.repo.Tokens().Issue(ctx, evt.User.ID, TokenConfirmation)
	if err != nil {
		return err
	}

	evt.Email.SetConfirmationLink(token.URL(s.config.GetBaseURL()))

	return nil
}

func (s *ConfirmationService) applyConfirm(ctx context.Context, user *User, persist func(at time.Time) error) error {
	if err := s.runHooks(ctx, s.beforeConfirm, user); err != nil {
		return err
	}

	at := s.now().UTC()
	if err := persist(at); err != nil {
		return wrapPersistence(err, "could not persist confirmation")
	}
	user.ConfirmedAt = &at

	return s.runHooks(ctx, s.afterConfirm, user)
}

func (s *ConfirmationService) runHooks(ctx context.Context, hooks []UserHook, user *User) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, user); err != nil {
			return err
		}
	}
	return nil
}

func (s *ConfirmationService) isTokenValid(token *Token) bool {
	if token == nil {
		return false
	}
	return !token.IsExpired(s.config.GetTokenTTL(token.Type), s.now())
}

// checkUser enforces the shared precondition of confirmation-side
// operations: a non-nil, not yet confirmed user.
func (s *ConfirmationService) checkUser(user *User) error {
	if user != nil && !user.IsConfirmed() {
		return nil
	}

	return ErrInvalidUser.WithMetadata(map[string]any{
		"reason": "user is nil or already confirmed",
	})
}
