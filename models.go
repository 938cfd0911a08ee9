package accounts

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// EmailChangeFlag is a bitset tracking which side of a secure email
// change has been confirmed.
type EmailChangeFlag int

const (
	// OldEmailConfirmed is set once the current address confirmed.
	OldEmailConfirmed EmailChangeFlag = 0b1
	// NewEmailConfirmed is set once the pending address confirmed.
	NewEmailConfirmed EmailChangeFlag = 0b10
)

// Has reports whether all bits of flag are set.
func (f EmailChangeFlag) Has(flag EmailChangeFlag) bool {
	return f&flag == flag
}

// User is the account model. Lifecycle timestamps are nullable; absent
// means "never happened".
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`

	ID               uuid.UUID       `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Username         string          `bun:"username,notnull,unique" json:"username,omitempty"`
	Email            string          `bun:"email,notnull,unique" json:"email,omitempty"`
	UnconfirmedEmail string          `bun:"unconfirmed_email,nullzero" json:"unconfirmed_email,omitempty"`
	PasswordHash     string          `bun:"password_hash" json:"-"`
	AuthKey          string          `bun:"auth_key" json:"-"`
	RegistrationIP   string          `bun:"registration_ip,nullzero" json:"registration_ip,omitempty"`
	Phone            string          `bun:"phone_number,nullzero" json:"phone_number,omitempty"`
	EmailChangeFlags EmailChangeFlag `bun:"flags" json:"-"`
	ConfirmedAt      *time.Time      `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	ApprovedAt       *time.Time      `bun:"approved_at,nullzero" json:"approved_at,omitempty"`
	BlockedAt        *time.Time      `bun:"blocked_at,nullzero" json:"blocked_at,omitempty"`
	Metadata         map[string]any  `bun:"metadata" json:"metadata,omitempty"`
	CreatedAt        *time.Time      `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt        *time.Time      `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt        *time.Time      `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`

	Profile *Profile `bun:"rel:has-one,join:id=user_id" json:"profile,omitempty"`

	// transient cleartext, only alive between assignment and hashing
	password string
}

// IsConfirmed reports whether the user verified their email address.
func (u *User) IsConfirmed() bool { return u.ConfirmedAt != nil }

// IsApproved reports whether an administrator approved the account.
func (u *User) IsApproved() bool { return u.ApprovedAt != nil }

// IsBlocked reports whether the account is currently blocked.
func (u *User) IsBlocked() bool { return u.BlockedAt != nil }

// HasPendingEmail reports whether an email change is in flight.
func (u *User) HasPendingEmail() bool { return u.UnconfirmedEmail != "" }

// SetPassword stores the cleartext until the next persist hashes it.
func (u *User) SetPassword(password string) { u.password = password }

// Password returns the transient cleartext, empty once discarded.
func (u *User) Password() string { return u.password }

func (u *User) discardPassword() { u.password = "" }

// AddMetadata appends information to the metadata attribute.
func (u *User) AddMetadata(key string, val any) *User {
	if u.Metadata == nil {
		u.Metadata = make(map[string]any)
	}
	u.Metadata[key] = val
	return u
}

// SetAttribute assigns a named column value, falling back to metadata for
// unknown keys. Used by registration form mappings.
func (u *User) SetAttribute(key string, value any) {
	str := func() string {
		s, _ := value.(string)
		return s
	}

	switch key {
	case "username":
		u.Username = str()
	case "email":
		u.Email = str()
	case "unconfirmed_email":
		u.UnconfirmedEmail = str()
	case "phone_number":
		u.Phone = str()
	case "registration_ip":
		u.RegistrationIP = str()
	default:
		u.AddMetadata(key, value)
	}
}

// Profile holds the public-facing attributes linked to a user. A profile
// row is created alongside every new account.
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:pfl"`

	ID          uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID      uuid.UUID  `bun:"user_id,notnull,unique,type:uuid" json:"user_id,omitempty"`
	Name        string     `bun:"name,nullzero" json:"name,omitempty"`
	PublicEmail string     `bun:"public_email,nullzero" json:"public_email,omitempty"`
	Location    string     `bun:"location,nullzero" json:"location,omitempty"`
	Website     string     `bun:"website,nullzero" json:"website,omitempty"`
	Bio         string     `bun:"bio,nullzero" json:"bio,omitempty"`
	CreatedAt   *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt   *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// SetAttribute assigns a named profile column. Unknown keys are ignored,
// matching the loose mapping contract of registration forms.
func (p *Profile) SetAttribute(key string, value any) {
	s, _ := value.(string)
	switch strings.ToLower(key) {
	case "name":
		p.Name = s
	case "public_email":
		p.PublicEmail = s
	case "location":
		p.Location = s
	case "website":
		p.Website = s
	case "bio":
		p.Bio = s
	}
}

// SocialAccount links a user to an external identity provider account.
type SocialAccount struct {
	bun.BaseModel `bun:"table:social_accounts,alias:sac"`

	ID             uuid.UUID      `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID         uuid.UUID      `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	Provider       string         `bun:"provider,notnull" json:"provider,omitempty"`
	ProviderUserID string         `bun:"provider_user_id,notnull" json:"provider_user_id,omitempty"`
	Email          string         `bun:"email,nullzero" json:"email,omitempty"`
	Username       string         `bun:"username,nullzero" json:"username,omitempty"`
	ProfileData    map[string]any `bun:"profile_data" json:"profile_data,omitempty"`
	CreatedAt      *time.Time     `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt      *time.Time     `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}
