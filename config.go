package accounts

import "time"

// EmailChangeStrategy selects how many parties must confirm before an
// email change commits.
type EmailChangeStrategy = string

const (
	// EmailChangeDefault commits the change as soon as any side confirms.
	EmailChangeDefault EmailChangeStrategy = "default"
	// EmailChangeSecure requires confirmation from both the old and the
	// new address before the change commits.
	EmailChangeSecure EmailChangeStrategy = "secure"
)

// ModuleConfig is the default Config implementation.
type ModuleConfig struct {
	RegistrationEnabled          bool
	ConfirmationEnabled          bool
	EmailConfirmationEnabled     bool
	AdminApprovalEnabled         bool
	AutoLoginEnabled             bool
	LoginWhileUnconfirmedEnabled bool
	PasswordGeneratorEnabled     bool
	PasswordRecoveryEnabled      bool
	EmailChangeStrategy          EmailChangeStrategy

	// ConfirmWithin bounds CONFIRMATION and email-change tokens,
	// RecoverWithin bounds RECOVERY tokens.
	ConfirmWithin time.Duration
	RecoverWithin time.Duration

	RememberFor time.Duration
	BaseURL     string
	AppName     string
	Sender      string
}

var _ Config = (*ModuleConfig)(nil)

// DefaultConfig mirrors the defaults of the original module: confirmation
// on, approval off, auto login on, 24h confirmation window, 6h recovery
// window, two week remember-me.
func DefaultConfig() *ModuleConfig {
	return &ModuleConfig{
		RegistrationEnabled:      true,
		ConfirmationEnabled:      true,
		EmailConfirmationEnabled: true,
		AutoLoginEnabled:         true,
		PasswordRecoveryEnabled:  true,
		EmailChangeStrategy:      EmailChangeDefault,
		ConfirmWithin:            24 * time.Hour,
		RecoverWithin:            6 * time.Hour,
		RememberFor:              14 * 24 * time.Hour,
		BaseURL:                  "http://localhost:3000",
		AppName:                  "Accounts",
		Sender:                   "no-reply@example.com",
	}
}

func (c *ModuleConfig) IsRegistrationEnabled() bool          { return c.RegistrationEnabled }
func (c *ModuleConfig) IsConfirmationEnabled() bool          { return c.ConfirmationEnabled }
func (c *ModuleConfig) IsEmailConfirmationEnabled() bool     { return c.EmailConfirmationEnabled }
func (c *ModuleConfig) IsAdminApprovalEnabled() bool         { return c.AdminApprovalEnabled }
func (c *ModuleConfig) IsAutoLoginEnabled() bool             { return c.AutoLoginEnabled }
func (c *ModuleConfig) IsLoginWhileUnconfirmedEnabled() bool { return c.LoginWhileUnconfirmedEnabled }
func (c *ModuleConfig) IsPasswordGeneratorEnabled() bool     { return c.PasswordGeneratorEnabled }
func (c *ModuleConfig) IsPasswordRecoveryEnabled() bool      { return c.PasswordRecoveryEnabled }

func (c *ModuleConfig) GetEmailChangeStrategy() EmailChangeStrategy {
	if c.EmailChangeStrategy == "" {
		return EmailChangeDefault
	}
	return c.EmailChangeStrategy
}

func (c *ModuleConfig) GetTokenTTL(t TokenType) time.Duration {
	switch t {
	case TokenRecovery:
		if c.RecoverWithin > 0 {
			return c.RecoverWithin
		}
		return 6 * time.Hour
	default:
		if c.ConfirmWithin > 0 {
			return c.ConfirmWithin
		}
		return 24 * time.Hour
	}
}

func (c *ModuleConfig) GetRememberFor() time.Duration {
	if c.RememberFor > 0 {
		return c.RememberFor
	}
	return 14 * 24 * time.Hour
}

func (c *ModuleConfig) GetBaseURL() string { return c.BaseURL }
func (c *ModuleConfig) GetAppName() string { return c.AppName }
func (c *ModuleConfig) GetSender() string  { return c.Sender }
