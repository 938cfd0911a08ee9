package accounts_test

import (
	"context"
	"database/sql"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"
)

// MockUsers implements accounts.Users. The embedded repository interface
// satisfies the methods the tests never touch.
type MockUsers struct {
	mock.Mock
	repository.Repository[*accounts.User]
}

// create-style methods echo the record when the expectation returns nil,
// mirroring how the real repository hands back the inserted model
func (m *MockUsers) Register(ctx context.Context, user *accounts.User) (*accounts.User, error) {
	args := m.Called(ctx, user)
	return userOrEcho(args.Get(0), user), args.Error(1)
}

func (m *MockUsers) RegisterTx(ctx context.Context, tx bun.IDB, user *accounts.User) (*accounts.User, error) {
	args := m.Called(ctx, tx, user)
	return userOrEcho(args.Get(0), user), args.Error(1)
}

func (m *MockUsers) Create(ctx context.Context, record *accounts.User, criteria ...repository.InsertCriteria) (*accounts.User, error) {
	args := m.Called(ctx, record)
	return userOrEcho(args.Get(0), record), args.Error(1)
}

func (m *MockUsers) CreateTx(ctx context.Context, tx bun.IDB, record *accounts.User, criteria ...repository.InsertCriteria) (*accounts.User, error) {
	args := m.Called(ctx, tx, record)
	return userOrEcho(args.Get(0), record), args.Error(1)
}

func (m *MockUsers) Update(ctx context.Context, record *accounts.User, criteria ...repository.UpdateCriteria) (*accounts.User, error) {
	args := m.Called(ctx, record)
	return userOrEcho(args.Get(0), record), args.Error(1)
}

func (m *MockUsers) UpdateTx(ctx context.Context, tx bun.IDB, record *accounts.User, criteria ...repository.UpdateCriteria) (*accounts.User, error) {
	args := m.Called(ctx, tx, record)
	return userOrEcho(args.Get(0), record), args.Error(1)
}

func (m *MockUsers) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*accounts.User, error) {
	args := m.Called(ctx, identifier)
	return userArg(args.Get(0)), args.Error(1)
}

func (m *MockUsers) FindByEmail(ctx context.Context, email string) (*accounts.User, error) {
	args := m.Called(ctx, email)
	return userArg(args.Get(0)), args.Error(1)
}

func (m *MockUsers) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*accounts.User, error) {
	args := m.Called(ctx, tx, email)
	return userArg(args.Get(0)), args.Error(1)
}

func (m *MockUsers) UsernameTaken(ctx context.Context, username string) (bool, error) {
	args := m.Called(ctx, username)
	return args.Bool(0), args.Error(1)
}

func (m *MockUsers) Confirm(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *MockUsers) ConfirmTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	return m.Called(ctx, tx, id, at).Error(0)
}

func (m *MockUsers) Approve(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *MockUsers) ApproveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	return m.Called(ctx, tx, id, at).Error(0)
}

func (m *MockUsers) Block(ctx context.Context, id uuid.UUID, at time.Time, authKey string) error {
	return m.Called(ctx, id, at, authKey).Error(0)
}

func (m *MockUsers) BlockTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time, authKey string) error {
	return m.Called(ctx, tx, id, at, authKey).Error(0)
}

func (m *MockUsers) Unblock(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockUsers) UnblockTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	return m.Called(ctx, tx, id).Error(0)
}

func (m *MockUsers) RotateAuthKey(ctx context.Context, id uuid.UUID, authKey string) error {
	return m.Called(ctx, id, authKey).Error(0)
}

func (m *MockUsers) RotateAuthKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, authKey string) error {
	return m.Called(ctx, tx, id, authKey).Error(0)
}

func (m *MockUsers) SetPendingEmail(ctx context.Context, id uuid.UUID, email string) error {
	return m.Called(ctx, id, email).Error(0)
}

func (m *MockUsers) SetPendingEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error {
	return m.Called(ctx, tx, id, email).Error(0)
}

func (m *MockUsers) SetEmailChangeFlagsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, flags accounts.EmailChangeFlag) error {
	return m.Called(ctx, tx, id, flags).Error(0)
}

func (m *MockUsers) CommitEmailChangeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error {
	return m.Called(ctx, tx, id, email).Error(0)
}

func (m *MockUsers) ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return m.Called(ctx, id, passwordHash).Error(0)
}

func (m *MockUsers) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	return m.Called(ctx, tx, id, passwordHash).Error(0)
}

func userArg(v any) *accounts.User {
	if v == nil {
		return nil
	}
	return v.(*accounts.User)
}

func userOrEcho(v any, record *accounts.User) *accounts.User {
	if v == nil {
		return record
	}
	return v.(*accounts.User)
}

// MockTokens implements accounts.Tokens.
type MockTokens struct {
	mock.Mock
	repository.Repository[*accounts.Token]
}

func (m *MockTokens) Issue(ctx context.Context, userID uuid.UUID, typ accounts.TokenType) (*accounts.Token, error) {
	args := m.Called(ctx, userID, typ)
	return tokenArg(args.Get(0)), args.Error(1)
}

func (m *MockTokens) IssueTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, typ accounts.TokenType) (*accounts.Token, error) {
	args := m.Called(ctx, tx, userID, typ)
	return tokenArg(args.Get(0)), args.Error(1)
}

func (m *MockTokens) FindByUserCodeType(ctx context.Context, userID uuid.UUID, code string, typ accounts.TokenType) (*accounts.Token, error) {
	args := m.Called(ctx, userID, code, typ)
	return tokenArg(args.Get(0)), args.Error(1)
}

func (m *MockTokens) FindByUserCodeTypeTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, code string, typ accounts.TokenType) (*accounts.Token, error) {
	args := m.Called(ctx, tx, userID, code, typ)
	return tokenArg(args.Get(0)), args.Error(1)
}

func (m *MockTokens) Consume(ctx context.Context, token *accounts.Token) error {
	return m.Called(ctx, token).Error(0)
}

func (m *MockTokens) ConsumeTx(ctx context.Context, tx bun.IDB, token *accounts.Token) error {
	return m.Called(ctx, tx, token).Error(0)
}

func (m *MockTokens) CountForUser(ctx context.Context, userID uuid.UUID, typ accounts.TokenType) (int, error) {
	args := m.Called(ctx, userID, typ)
	return args.Int(0), args.Error(1)
}

func tokenArg(v any) *accounts.Token {
	if v == nil {
		return nil
	}
	return v.(*accounts.Token)
}

// MockProfiles overrides the repository methods the services touch.
type MockProfiles struct {
	mock.Mock
	repository.Repository[*accounts.Profile]
}

func (m *MockProfiles) Create(ctx context.Context, record *accounts.Profile, criteria ...repository.InsertCriteria) (*accounts.Profile, error) {
	args := m.Called(ctx, record)
	return profileOrEcho(args.Get(0), record), args.Error(1)
}

func (m *MockProfiles) CreateTx(ctx context.Context, tx bun.IDB, record *accounts.Profile, criteria ...repository.InsertCriteria) (*accounts.Profile, error) {
	args := m.Called(ctx, tx, record)
	return profileOrEcho(args.Get(0), record), args.Error(1)
}

func (m *MockProfiles) Update(ctx context.Context, record *accounts.Profile, criteria ...repository.UpdateCriteria) (*accounts.Profile, error) {
	args := m.Called(ctx, record)
	return profileArg(args.Get(0)), args.Error(1)
}

func profileArg(v any) *accounts.Profile {
	if v == nil {
		return nil
	}
	return v.(*accounts.Profile)
}

func profileOrEcho(v any, record *accounts.Profile) *accounts.Profile {
	if v == nil {
		return record
	}
	return v.(*accounts.Profile)
}

// MockSocialAccounts implements accounts.SocialAccounts.
type MockSocialAccounts struct {
	mock.Mock
}

func (m *MockSocialAccounts) FindByProviderID(ctx context.Context, provider, providerUserID string) (*accounts.SocialAccount, error) {
	args := m.Called(ctx, provider, providerUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*accounts.SocialAccount), args.Error(1)
}

func (m *MockSocialAccounts) FindByUserID(ctx context.Context, userID uuid.UUID) ([]*accounts.SocialAccount, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*accounts.SocialAccount), args.Error(1)
}

func (m *MockSocialAccounts) Upsert(ctx context.Context, account *accounts.SocialAccount) error {
	return m.Called(ctx, account).Error(0)
}

func (m *MockSocialAccounts) UpsertTx(ctx context.Context, tx bun.IDB, account *accounts.SocialAccount) error {
	return m.Called(ctx, tx, account).Error(0)
}

func (m *MockSocialAccounts) Delete(ctx context.Context, provider, providerUserID string) error {
	return m.Called(ctx, provider, providerUserID).Error(0)
}

// MockRepo is a RepositoryManager over the repository mocks. RunInTx
// invokes the callback with a zero transaction; repository calls inside
// it hit the same mocks.
type MockRepo struct {
	users    *MockUsers
	tokens   *MockTokens
	profiles *MockProfiles
	socials  *MockSocialAccounts
}

func NewMockRepo() *MockRepo {
	return &MockRepo{
		users:    &MockUsers{},
		tokens:   &MockTokens{},
		profiles: &MockProfiles{},
		socials:  &MockSocialAccounts{},
	}
}

func (m *MockRepo) Validate() error { return nil }

func (m *MockRepo) MustValidate() {}

func (m *MockRepo) Users() accounts.Users {
	return m.users
}

func (m *MockRepo) Tokens() accounts.Tokens {
	return m.tokens
}

func (m *MockRepo) Profiles() repository.Repository[*accounts.Profile] {
	return m.profiles
}

func (m *MockRepo) SocialAccounts() accounts.SocialAccounts {
	return m.socials
}

func (m *MockRepo) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	return f(ctx, bun.Tx{})
}

func (m *MockRepo) AssertExpectations(t mock.TestingT) {
	m.users.AssertExpectations(t)
	m.tokens.AssertExpectations(t)
	m.profiles.AssertExpectations(t)
	m.socials.AssertExpectations(t)
}

// MockMailer records outgoing mail.
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendRegistrationMessage(ctx context.Context, email *accounts.RegistrationEmail) error {
	return m.Called(ctx, email).Error(0)
}

func (m *MockMailer) SendReconfirmationMessage(ctx context.Context, user *accounts.User, token *accounts.Token) error {
	return m.Called(ctx, user, token).Error(0)
}

func (m *MockMailer) SendRecoveryMessage(ctx context.Context, user *accounts.User, token *accounts.Token) error {
	return m.Called(ctx, user, token).Error(0)
}

func (m *MockMailer) SendApprovalMessage(ctx context.Context, user *accounts.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockMailer) SendWelcomeMessage(ctx context.Context, user *accounts.User, password string) error {
	return m.Called(ctx, user, password).Error(0)
}

// MockSessionGateway records login and invalidation calls.
type MockSessionGateway struct {
	mock.Mock
}

func (m *MockSessionGateway) Login(ctx context.Context, user *accounts.User, remember time.Duration) error {
	return m.Called(ctx, user, remember).Error(0)
}

func (m *MockSessionGateway) InvalidateAll(ctx context.Context, user *accounts.User) error {
	return m.Called(ctx, user).Error(0)
}

// RecordingMessenger collects flashed notices in order.
type RecordingMessenger struct {
	Notices []accounts.Notice
}

func (m *RecordingMessenger) Flash(ctx context.Context, level accounts.FlashLevel, message string) {
	m.Notices = append(m.Notices, accounts.Notice{Level: level, Message: message})
}

func (m *RecordingMessenger) Last() accounts.Notice {
	if len(m.Notices) == 0 {
		return accounts.Notice{}
	}
	return m.Notices[len(m.Notices)-1]
}
