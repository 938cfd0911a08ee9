package accounts

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

const MsgAccountCreated = "Your account has been created and a message with further instructions has been sent to your email"

var usernameRegexp = regexp.MustCompile(`^[-a-zA-Z0-9_\.@]+$`)

// RegistrationForm carries self-service sign up input. Attributes and
// Mappings support host-defined extra fields: Mappings translates a form
// key into a user column, a metadata key, or a dotted "profile.<field>"
// path.
type RegistrationForm struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`

	Attributes map[string]any    `json:"attributes,omitempty"`
	Mappings   map[string]string `json:"-"`
}

// Validate enforces the field rules. Password is optional at this level:
// RegistrationService requires it unless the password generator is on.
func (f RegistrationForm) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Email, validation.Required, validation.Length(1, 255), is.Email),
		validation.Field(&f.Username, validation.Required, validation.Length(3, 255), validation.Match(usernameRegexp)),
		validation.Field(&f.Password, validation.Length(6, 72)),
	)
}

// RegistrationEvent is the payload threaded through registration hooks.
// Hooks may mutate the user before it is persisted and decorate the
// outgoing email afterwards.
type RegistrationEvent struct {
	User  *User
	Form  *RegistrationForm
	Email *RegistrationEmail
}

// RegistrationHook runs at a fixed point of the registration flow.
type RegistrationHook func(ctx context.Context, evt *RegistrationEvent) error

// RegistrationService creates accounts from self-service sign ups. The
// confirmation side is attached through hooks rather than called
// directly, so hosts can layer their own steps at the same seams.
type RegistrationService struct {
	repo      RepositoryManager
	config    Config
	mailer    Mailer
	messenger Messenger
	logger    Logger
	passwords PasswordGenerator
	now       func() time.Time
	useHashid bool

	beforeRegister []RegistrationHook
	afterRegister  []RegistrationHook
}

// RegistrationOption customizes service construction.
type RegistrationOption func(*RegistrationService)

// WithRegistrationMailer overrides the mail collaborator.
func WithRegistrationMailer(m Mailer) RegistrationOption {
	return func(s *RegistrationService) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithRegistrationMessenger sets the flash message sink.
func WithRegistrationMessenger(m Messenger) RegistrationOption {
	return func(s *RegistrationService) {
		s.messenger = normalizeMessenger(m)
	}
}

// WithRegistrationLogger overrides the logger.
func WithRegistrationLogger(l Logger) RegistrationOption {
	return func(s *RegistrationService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistrationPasswordGenerator overrides the generator used when the
// module creates passwords on the user's behalf.
func WithRegistrationPasswordGenerator(g PasswordGenerator) RegistrationOption {
	return func(s *RegistrationService) {
		if g != nil {
			s.passwords = g
		}
	}
}

// WithRegistrationClock injects a custom clock (useful for tests).
func WithRegistrationClock(clock func() time.Time) RegistrationOption {
	return func(s *RegistrationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithDeterministicIDs derives new user ids from the email address, which
// makes re-registration attempts idempotent at the persistence layer.
func WithDeterministicIDs() RegistrationOption {
	return func(s *RegistrationService) {
		s.useHashid = true
	}
}

// NewRegistrationService wires the registration flow. When confirmation
// is non-nil its hooks are attached: the pre-persist hook settles the
// initial confirmation status and the post-persist hook issues the
// confirmation token and link.
func NewRegistrationService(repo RepositoryManager, cfg Config, confirmation *ConfirmationService, opts ...RegistrationOption) *RegistrationService {
	s := &RegistrationService{
		repo:      repo,
		config:    cfg,
		messenger: noopMessenger{},
		logger:    defLogger{},
		passwords: NewPasswordGenerator(0),
		now:       time.Now,
	}
	s.mailer = NewLogMailer(cfg, s.logger)

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if confirmation != nil {
		s.OnBeforeRegister(confirmation.InitializeConfirmationStatus)
		s.OnAfterRegister(confirmation.SendConfirmationMessage)
	}

	return s
}

// OnBeforeRegister registers a hook fired before the user is persisted.
func (s *RegistrationService) OnBeforeRegister(h RegistrationHook) {
	if h != nil {
		s.beforeRegister = append(s.beforeRegister, h)
	}
}

// OnAfterRegister registers a hook fired after the user is persisted and
// before the registration email is dispatched.
func (s *RegistrationService) OnAfterRegister(h RegistrationHook) {
	if h != nil {
		s.afterRegister = append(s.afterRegister, h)
	}
}

// Register creates an account from the form. It returns (nil, nil) when
// registration is disabled. The user and their profile row are inserted
// in one transaction; the registration email goes out afterwards and its
// failure does not undo the account.
func (s *RegistrationService) Register(ctx context.Context, form *RegistrationForm) (*User, error) {
	if !s.config.IsRegistrationEnabled() {
		return nil, nil
	}

	if form == nil {
		return nil, badRequest("registration form must not be nil")
	}

	if err := form.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid registration form").
			WithTextCode("INVALID_REGISTRATION_FORM")
	}

	user := &User{
		Username: strings.TrimSpace(form.Username),
		Phone:    normalizePhone(form.Phone),
	}

	if err := s.setEmail(user, form.Email); err != nil {
		return nil, err
	}

	generated, err := s.setPassword(user, form.Password)
	if err != nil {
		return nil, err
	}

	if s.useHashid {
		if id, err := hashid.NewUUID(user.Email); err == nil {
			user.ID = id
		}
	}

	email := NewRegistrationEmail(user, s.config.GetAppName())
	email.Password = generated

	evt := &RegistrationEvent{User: user, Form: form, Email: email}

	if err := s.runHooks(ctx, s.beforeRegister, evt); err != nil {
		return nil, err
	}

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		created, err := s.repo.Users().RegisterTx(ctx, tx, user)
		if err != nil {
			return wrapPersistence(err, "could not create user")
		}
		user = created
		evt.User = created

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

	if err := s.runHooks(ctx, s.afterRegister, evt); err != nil {
		return nil, err
	}

	if err := s.applyMappings(ctx, user, form); err != nil {
		return nil, err
	}

	s.messenger.Flash(ctx, FlashInfo, MsgAccountCreated)

	if err := s.mailer.SendRegistrationMessage(ctx, email); err != nil {
		// the account exists either way; a resend covers the gap
		s.logger.Error("registration email failed for %s: %v", user.Email, err)
	}

	return user, nil
}

func (s *RegistrationService) setEmail(user *User, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return badRequest("email must not be empty")
	}
	user.Email = email
	return nil
}

// setPassword stores the cleartext on the user for hashing at insert
// time. When the generator is enabled a password is produced server side
// and returned so it can ride along in the registration email.
func (s *RegistrationService) setPassword(user *User, password string) (string, error) {
	if s.config.IsPasswordGeneratorEnabled() {
		generated, err := s.passwords.Generate()
		if err != nil {
			return "", goerrors.Wrap(err, goerrors.CategoryInternal, "could not generate password")
		}
		user.SetPassword(generated)
		return generated, nil
	}

	if password == "" {
		return "", badRequest("password must not be empty")
	}

	user.SetPassword(password)
	return "", nil
}

// applyMappings copies mapped form attributes onto the user and, for
// dotted "profile.<field>" targets, the profile. Changes persist as one
// update per touched record.
func (s *RegistrationService) applyMappings(ctx context.Context, user *User, form *RegistrationForm) error {
	if len(form.Mappings) == 0 {
		return nil
	}

	userTouched := false
	profileTouched := false

	for formKey, target := range form.Mappings {
		value, ok := form.Attributes[formKey]
		if !ok {
			continue
		}

		pos := strings.LastIndex(target, ".")
		if pos < 0 {
			user.SetAttribute(target, value)
			userTouched = true
			continue
		}

		relation, field := target[:pos], target[pos+1:]
		if relation != "profile" {
			s.logger.Warn("ignoring mapping for unknown relation %q", relation)
			continue
		}

		if user.Profile == nil {
			user.Profile = &Profile{UserID: user.ID}
		}
		user.Profile.SetAttribute(field, value)
		profileTouched = true
	}

	if userTouched {
		if _, err := s.repo.Users().Update(ctx, user, repository.UpdateByID(user.ID.String())); err != nil {
			return wrapPersistence(err, "could not persist mapped attributes")
		}
	}

	if profileTouched {
		if err := s.persistProfile(ctx, user.Profile); err != nil {
			return err
		}
	}

	return nil
}

func (s *RegistrationService) persistProfile(ctx context.Context, profile *Profile) error {
	if profile.ID == uuid.Nil {
		if _, err := s.repo.Profiles().Create(ctx, profile); err != nil {
			return wrapPersistence(err, "could not create profile")
		}
		return nil
	}

	if _, err := s.repo.Profiles().Update(ctx, profile, repository.UpdateByID(profile.ID.String())); err != nil {
		return wrapPersistence(err, "could not update profile")
	}

	return nil
}

func (s *RegistrationService) runHooks(ctx context.Context, hooks []RegistrationHook, evt *RegistrationEvent) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// normalizePhone formats the number as E.164 when it parses; otherwise
// the raw input is stored untouched.
func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}

	num, err := phonenumbers.Parse(phone, "US")
	if err != nil {
		return phone
	}

	return phonenumbers.Format(num, phonenumbers.E164)
}

// generateUsername derives a free username from the email local part,
// appending a counter when the plain candidate is taken. Used by social
// account connection where no username is collected.
func generateUsername(ctx context.Context, users Users, email string) (string, error) {
	base := email
	if strings.Contains(email, "@") {
		base = strings.Split(email, "@")[0]
	}

	base = strings.TrimSpace(strings.ToLower(base))
	if len(base) < 3 || !usernameRegexp.MatchString(base) {
		base = "user"
	}

	candidate := base
	for i := 0; i <= 100; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s%d", base, i)
		}

		taken, err := users.UsernameTaken(ctx, candidate)
		if err != nil {
			return "", wrapPersistence(err, "could not check username availability")
		}

		if !taken {
			return candidate, nil
		}
	}

	return "", goerrors.New("could not derive a unique username", goerrors.CategoryConflict)
}
