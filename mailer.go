package accounts

import (
	"context"
	"fmt"
)

// RegistrationEmail is the payload for the post-registration message. The
// confirmation link is attached by ConfirmationService before dispatch;
// an empty link means no confirmation is required.
type RegistrationEmail struct {
	User             *User
	Subject          string
	Template         string
	ConfirmationLink string
	// Password carries the generated cleartext when the module created
	// the password on the user's behalf; empty otherwise.
	Password string
}

// NewRegistrationEmail builds the default registration payload.
func NewRegistrationEmail(user *User, appName string) *RegistrationEmail {
	return &RegistrationEmail{
		User:     user,
		Subject:  fmt.Sprintf("Welcome to %s", appName),
		Template: "registration",
	}
}

// SetConfirmationLink attaches the confirmation URL the recipient must
// visit.
func (e *RegistrationEmail) SetConfirmationLink(link string) {
	e.ConfirmationLink = link
}

// Subject helpers shared by Mailer implementations.
func ConfirmationSubject(appName string) string {
	return fmt.Sprintf("Confirm account on %s", appName)
}

func ReconfirmationSubject(appName string) string {
	return fmt.Sprintf("Confirm email change on %s", appName)
}

func RecoverySubject(appName string) string {
	return fmt.Sprintf("Complete password reset on %s", appName)
}

func ApprovalSubject(appName string) string {
	return fmt.Sprintf("Your account on %s has been approved", appName)
}

// LogMailer writes email payloads to the logger instead of a transport.
// Useful in development and as the fallback collaborator.
type LogMailer struct {
	Logger Logger
	Config Config
}

var _ Mailer = (*LogMailer)(nil)

func NewLogMailer(cfg Config, logger Logger) *LogMailer {
	if logger == nil {
		logger = defLogger{}
	}
	return &LogMailer{Logger: logger, Config: cfg}
}

func (m *LogMailer) SendRegistrationMessage(ctx context.Context, email *RegistrationEmail) error {
	if email == nil || email.User == nil {
		return nil
	}
	m.Logger.Info("mail to=%s subject=%q link=%s", email.User.Email, email.Subject, email.ConfirmationLink)
	return nil
}

func (m *LogMailer) SendReconfirmationMessage(ctx context.Context, user *User, token *Token) error {
	// the new address receives its token; every other type goes to the
	// address on record
	to := user.Email
	if token.Type == TokenConfirmNewEmail {
		to = user.UnconfirmedEmail
	}
	m.Logger.Info("mail to=%s subject=%q link=%s", to, ReconfirmationSubject(m.Config.GetAppName()), token.URL(m.Config.GetBaseURL()))
	return nil
}

func (m *LogMailer) SendRecoveryMessage(ctx context.Context, user *User, token *Token) error {
	m.Logger.Info("mail to=%s subject=%q link=%s", user.Email, RecoverySubject(m.Config.GetAppName()), token.URL(m.Config.GetBaseURL()))
	return nil
}

func (m *LogMailer) SendApprovalMessage(ctx context.Context, user *User) error {
	m.Logger.Info("mail to=%s subject=%q", user.Email, ApprovalSubject(m.Config.GetAppName()))
	return nil
}

func (m *LogMailer) SendWelcomeMessage(ctx context.Context, user *User, password string) error {
	m.Logger.Info("mail to=%s subject=%q", user.Email, fmt.Sprintf("Welcome to %s", m.Config.GetAppName()))
	return nil
}
