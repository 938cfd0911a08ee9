package accounts

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// SessionGateway lets the host establish or tear down authenticated
// sessions. The core signals intent; it never manages sessions itself.
type SessionGateway interface {
	// Login establishes an authenticated session for the user, valid for
	// the given duration.
	Login(ctx context.Context, user *User, remember time.Duration) error
	// InvalidateAll revokes every outstanding session for the user.
	InvalidateAll(ctx context.Context, user *User) error
}

// Mailer delivers lifecycle email. Transport and templating are host
// concerns; payloads carry recipient, subject, template key, and links.
type Mailer interface {
	SendRegistrationMessage(ctx context.Context, email *RegistrationEmail) error
	SendReconfirmationMessage(ctx context.Context, user *User, token *Token) error
	SendRecoveryMessage(ctx context.Context, user *User, token *Token) error
	SendApprovalMessage(ctx context.Context, user *User) error
	SendWelcomeMessage(ctx context.Context, user *User, password string) error
}

// FlashLevel classifies user-visible notices.
type FlashLevel = string

const (
	FlashSuccess FlashLevel = "success"
	FlashInfo    FlashLevel = "info"
	FlashDanger  FlashLevel = "danger"
)

// Messenger surfaces one-shot notices to the current requester, e.g. as
// flash messages in a web session.
type Messenger interface {
	Flash(ctx context.Context, level FlashLevel, message string)
}

// Config holds module options. Feature flags behave as hidden features:
// a disabled flag makes the operation a silent no-op, not an error.
type Config interface {
	IsRegistrationEnabled() bool
	IsConfirmationEnabled() bool
	IsEmailConfirmationEnabled() bool
	IsAdminApprovalEnabled() bool
	IsAutoLoginEnabled() bool
	IsLoginWhileUnconfirmedEnabled() bool
	IsPasswordGeneratorEnabled() bool
	IsPasswordRecoveryEnabled() bool
	GetEmailChangeStrategy() EmailChangeStrategy
	GetTokenTTL(t TokenType) time.Duration
	GetRememberFor() time.Duration
	GetBaseURL() string
	GetAppName() string
	GetSender() string
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] ACCOUNTS "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] ACCOUNTS "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] ACCOUNTS "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] ACCOUNTS "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

type noopSessionGateway struct{}

func (noopSessionGateway) Login(context.Context, *User, time.Duration) error { return nil }
func (noopSessionGateway) InvalidateAll(context.Context, *User) error        { return nil }

type noopMessenger struct{}

func (noopMessenger) Flash(context.Context, FlashLevel, string) {}

func normalizeMessenger(m Messenger) Messenger {
	if m == nil {
		return noopMessenger{}
	}
	return m
}

func normalizeSessionGateway(g SessionGateway) SessionGateway {
	if g == nil {
		return noopSessionGateway{}
	}
	return g
}
