package accounts_test

import (
	"context"
	"testing"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newAccountService(repo *MockRepo, cfg *accounts.ModuleConfig, opts ...accounts.AccountOption) *accounts.AccountService {
	confirmation := accounts.NewConfirmationService(repo, cfg,
		accounts.WithConfirmationClock(fixedClock(testNow)),
	)
	opts = append([]accounts.AccountOption{
		accounts.WithAccountClock(fixedClock(testNow)),
	}, opts...)
	return accounts.NewAccountService(repo, cfg, confirmation, opts...)
}

func TestAccountCreateStartsConfirmed(t *testing.T) {
	repo := NewMockRepo()
	cfg := testConfig()

	repo.users.On("RegisterTx", mock.Anything, mock.Anything, mock.MatchedBy(func(u *accounts.User) bool {
		return u.Email == "ana@example.com" && u.IsConfirmed() && u.Password() != ""
	})).Run(func(args mock.Arguments) {
		args.Get(2).(*accounts.User).ID = uuid.New()
	}).Return(nil, nil)
	repo.profiles.On("CreateTx", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

	mailer := &MockMailer{}
	mailer.On("SendWelcomeMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(password string) bool {
		return password != ""
	})).Return(nil)

	svc := newAccountService(repo, cfg, accounts.WithAccountMailer(mailer))

	user, err := svc.Create(context.Background(), &accounts.RegistrationForm{
		Username: "ana",
		Email:    "Ana@Example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.IsConfirmed())

	repo.AssertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestAccountBlockRotatesAuthKeyAndRevokesSessions(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()
	oldKey := user.AuthKey

	repo.users.On("Block", mock.Anything, user.ID, testNow, mock.MatchedBy(func(key string) bool {
		return key != "" && key != oldKey
	})).Return(nil)

	sessions := &MockSessionGateway{}
	sessions.On("InvalidateAll", mock.Anything, user).Return(nil)

	svc := newAccountService(repo, testConfig(), accounts.WithAccountSessionGateway(sessions))

	ok, err := svc.Block(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, user.IsBlocked())
	assert.NotEqual(t, oldKey, user.AuthKey)

	repo.AssertExpectations(t)
	sessions.AssertExpectations(t)
}

func TestAccountBlockRejectsBlockedUser(t *testing.T) {
	repo := NewMockRepo()
	svc := newAccountService(repo, testConfig())

	user := confirmedUser()
	user.BlockedAt = timePtr(testNow)

	_, err := svc.Block(context.Background(), user)
	assert.ErrorIs(t, err, accounts.ErrInvalidUser)
}

func TestAccountUnblock(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()
	user.BlockedAt = timePtr(testNow.Add(-time.Hour))

	repo.users.On("Unblock", mock.Anything, user.ID).Return(nil)

	svc := newAccountService(repo, testConfig())

	ok, err := svc.Unblock(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, user.IsBlocked())

	_, err = svc.Unblock(context.Background(), user)
	assert.ErrorIs(t, err, accounts.ErrInvalidUser)
}

func TestRequestEmailChangeDefaultStrategy(t *testing.T) {
	repo := NewMockRepo()
	cfg := testConfig()
	user := confirmedUser()

	tokenNew := &accounts.Token{
		ID:        uuid.New(),
		UserID:    user.ID,
		Code:      "new-code",
		Type:      accounts.TokenConfirmNewEmail,
		CreatedAt: timePtr(testNow),
	}

	repo.users.On("FindByEmail", mock.Anything, "fresh@example.com").Return(nil, nil)
	repo.users.On("SetPendingEmailTx", mock.Anything, mock.Anything, user.ID, "fresh@example.com").Return(nil)
	repo.tokens.On("IssueTx", mock.Anything, mock.Anything, user.ID, accounts.TokenConfirmNewEmail).Return(tokenNew, nil)

	mailer := &MockMailer{}
	mailer.On("SendReconfirmationMessage", mock.Anything, user, tokenNew).Return(nil)

	messenger := &RecordingMessenger{}

	svc := newAccountService(repo, cfg,
		accounts.WithAccountMailer(mailer),
		accounts.WithAccountMessenger(messenger),
	)

	ok, err := svc.RequestEmailChange(context.Background(), user, "Fresh@Example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh@example.com", user.UnconfirmedEmail)
	assert.Equal(t, accounts.MsgEmailChangeRequested, messenger.Last().Message)

	repo.AssertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestRequestEmailChangeSecureStrategyIssuesBothTokens(t *testing.T) {
	repo := NewMockRepo()
	cfg := testConfig()
	cfg.EmailChangeStrategy = accounts.EmailChangeSecure
	user := confirmedUser()

	tokenNew := &accounts.Token{ID: uuid.New(), UserID: user.ID, Code: "new-code", Type: accounts.TokenConfirmNewEmail, CreatedAt: timePtr(testNow)}
	tokenOld := &accounts.Token{ID: uuid.New(), UserID: user.ID, Code: "old-code", Type: accounts.TokenConfirmOldEmail, CreatedAt: timePtr(testNow)}

	repo.users.On("FindByEmail", mock.Anything, "fresh@example.com").Return(nil, nil)
	repo.users.On("SetPendingEmailTx", mock.Anything, mock.Anything, user.ID, "fresh@example.com").Return(nil)
	repo.tokens.On("IssueTx", mock.Anything, mock.Anything, user.ID, accounts.TokenConfirmNewEmail).Return(tokenNew, nil)
	repo.tokens.On("IssueTx", mock.Anything, mock.Anything, user.ID, accounts.TokenConfirmOldEmail).Return(tokenOld, nil)

	mailer := &MockMailer{}
	mailer.On("SendReconfirmationMessage", mock.Anything, user, tokenNew).Return(nil)
	mailer.On("SendReconfirmationMessage", mock.Anything, user, tokenOld).Return(nil)

	messenger := &RecordingMessenger{}

	svc := newAccountService(repo, cfg,
		accounts.WithAccountMailer(mailer),
		accounts.WithAccountMessenger(messenger),
	)

	ok, err := svc.RequestEmailChange(context.Background(), user, "fresh@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, accounts.MsgEmailChangeBothSides, messenger.Last().Message)

	repo.AssertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestRequestEmailChangeRejectsTakenAddress(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()

	repo.users.On("FindByEmail", mock.Anything, "taken@example.com").Return(confirmedUser(), nil)

	svc := newAccountService(repo, testConfig())

	_, err := svc.RequestEmailChange(context.Background(), user, "taken@example.com")
	assert.ErrorIs(t, err, accounts.ErrEmailTaken)
}

func TestAttemptEmailChangeDefaultStrategyCommits(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()
	user.UnconfirmedEmail = "fresh@example.com"

	token := &accounts.Token{
		ID:        uuid.New(),
		UserID:    user.ID,
		Code:      "new-code",
		Type:      accounts.TokenConfirmNewEmail,
		CreatedAt: timePtr(testNow.Add(-time.Hour)),
	}

	repo.tokens.On("FindByUserCodeTypeTx", mock.Anything, mock.Anything, user.ID, "new-code", accounts.TokenConfirmNewEmail).
		Return(token, nil)
	repo.tokens.On("ConsumeTx", mock.Anything, mock.Anything, token).Return(nil)
	repo.users.On("FindByEmailTx", mock.Anything, mock.Anything, "fresh@example.com").Return(nil, nil)
	repo.users.On("CommitEmailChangeTx", mock.Anything, mock.Anything, user.ID, "fresh@example.com").Return(nil)

	messenger := &RecordingMessenger{}

	svc := newAccountService(repo, testConfig(), accounts.WithAccountMessenger(messenger))

	ok, err := svc.AttemptEmailChange(context.Background(), user, "new-code")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh@example.com", user.Email)
	assert.Empty(t, user.UnconfirmedEmail)
	assert.Equal(t, accounts.MsgEmailChanged, messenger.Last().Message)

	repo.AssertExpectations(t)
}

func TestAttemptEmailChangeSecureStrategyNeedsBothSides(t *testing.T) {
	repo := NewMockRepo()
	cfg := testConfig()
	cfg.EmailChangeStrategy = accounts.EmailChangeSecure
	user := confirmedUser()
	user.UnconfirmedEmail = "fresh@example.com"

	tokenNew := &accounts.Token{
		ID:        uuid.New(),
		UserID:    user.ID,
		Code:      "new-code",
		Type:      accounts.TokenConfirmNewEmail,
		CreatedAt: timePtr(testNow.Add(-time.Minute)),
	}
	tokenOld := &accounts.Token{
		ID:        uuid.New(),
		UserID:    user.ID,
		Code:      "old-code",
		Type:      accounts.TokenConfirmOldEmail,
		CreatedAt: timePtr(testNow.Add(-time.Minute)),
	}

	repo.tokens.On("FindByUserCodeTypeTx", mock.Anything, mock.Anything, user.ID, "new-code", accounts.TokenConfirmNewEmail).
		Return(tokenNew, nil)
	repo.tokens.On("ConsumeTx", mock.Anything, mock.Anything, tokenNew).Return(nil)
	repo.users.On("FindByEmailTx", mock.Anything, mock.Anything, "fresh@example.com").Return(nil, nil)
	repo.users.On("SetEmailChangeFlagsTx", mock.Anything, mock.Anything, user.ID, accounts.NewEmailConfirmed).Return(nil)

	messenger := &RecordingMessenger{}

	svc := newAccountService(repo, cfg, accounts.WithAccountMessenger(messenger))

	// first side: the new address confirms, nothing commits yet
	ok, err := svc.AttemptEmailChange(context.Background(), user, "new-code")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pepe@example.com", user.Email)
	assert.Equal(t, accounts.MsgAwaitingOldEmail, messenger.Last().Message)

	// second side: the old address confirms, the change commits
	repo.tokens.On("FindByUserCodeTypeTx", mock.Anything, mock.Anything, user.ID, "old-code", accounts.TokenConfirmNewEmail).
		Return(nil, nil)
	repo.tokens.On("FindByUserCodeTypeTx", mock.Anything, mock.Anything, user.ID, "old-code", accounts.TokenConfirmOldEmail).
		Return(tokenOld, nil)
	repo.tokens.On("ConsumeTx", mock.Anything, mock.Anything, tokenOld).Return(nil)
	repo.users.On("CommitEmailChangeTx", mock.Anything, mock.Anything, user.ID, "fresh@example.com").Return(nil)

	ok, err = svc.AttemptEmailChange(context.Background(), user, "old-code")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh@example.com", user.Email)
	assert.Equal(t, accounts.MsgEmailChanged, messenger.Last().Message)

	repo.AssertExpectations(t)
}

func TestAttemptEmailChangeAbandonsWhenAddressTaken(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()
	user.UnconfirmedEmail = "fresh@example.com"

	token := &accounts.Token{
		ID:        uuid.New(),
		UserID:    user.ID,
		Code:      "new-code",
		Type:      accounts.TokenConfirmNewEmail,
		CreatedAt: timePtr(testNow.Add(-time.Minute)),
	}

	repo.tokens.On("FindByUserCodeTypeTx", mock.Anything, mock.Anything, user.ID, "new-code", accounts.TokenConfirmNewEmail).
		Return(token, nil)
	repo.tokens.On("ConsumeTx", mock.Anything, mock.Anything, token).Return(nil)
	repo.users.On("FindByEmailTx", mock.Anything, mock.Anything, "fresh@example.com").Return(confirmedUser(), nil)
	// the pending state is cleared while keeping the current address
	repo.users.On("CommitEmailChangeTx", mock.Anything, mock.Anything, user.ID, user.Email).Return(nil)

	svc := newAccountService(repo, testConfig())

	ok, err := svc.AttemptEmailChange(context.Background(), user, "new-code")
	assert.ErrorIs(t, err, accounts.ErrEmailTaken)
	assert.False(t, ok)
	assert.Equal(t, "pepe@example.com", user.Email)
	assert.Empty(t, user.UnconfirmedEmail)

	repo.AssertExpectations(t)
}

func TestAttemptEmailChangeInvalidToken(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()
	user.UnconfirmedEmail = "fresh@example.com"

	repo.tokens.On("FindByUserCodeTypeTx", mock.Anything, mock.Anything, user.ID, "nope", accounts.TokenConfirmNewEmail).
		Return(nil, nil)
	repo.tokens.On("FindByUserCodeTypeTx", mock.Anything, mock.Anything, user.ID, "nope", accounts.TokenConfirmOldEmail).
		Return(nil, nil)

	messenger := &RecordingMessenger{}

	svc := newAccountService(repo, testConfig(), accounts.WithAccountMessenger(messenger))

	ok, err := svc.AttemptEmailChange(context.Background(), user, "nope")
	assert.ErrorIs(t, err, accounts.ErrInvalidToken)
	assert.False(t, ok)
	assert.Equal(t, accounts.MsgEmailChangeInvalid, messenger.Last().Message)
}

func TestConnectExistingLinkResolvesUser(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()

	linked := &accounts.SocialAccount{
		ID:             uuid.New(),
		UserID:         user.ID,
		Provider:       "github",
		ProviderUserID: "gh-123",
	}

	repo.socials.On("FindByProviderID", mock.Anything, "github", "gh-123").Return(linked, nil)
	repo.users.On("GetByIdentifier", mock.Anything, user.ID.String()).Return(user, nil)
	repo.socials.On("Upsert", mock.Anything, mock.MatchedBy(func(a *accounts.SocialAccount) bool {
		return a.UserID == user.ID && a.Provider == "github"
	})).Return(nil)

	svc := newAccountService(repo, testConfig())

	got, err := svc.Connect(context.Background(), &accounts.SocialConnection{
		Provider:       "github",
		ProviderUserID: "gh-123",
		Email:          user.Email,
	})
	require.NoError(t, err)
	assert.Equal(t, user, got)

	repo.AssertExpectations(t)
}

func TestConnectAttachesToAccountOwningEmail(t *testing.T) {
	repo := NewMockRepo()
	user := confirmedUser()

	repo.socials.On("FindByProviderID", mock.Anything, "github", "gh-123").Return(nil, nil)
	repo.users.On("FindByEmail", mock.Anything, user.Email).Return(user, nil)
	repo.socials.On("UpsertTx", mock.Anything, mock.Anything, mock.MatchedBy(func(a *accounts.SocialAccount) bool {
		return a.UserID == user.ID
	})).Return(nil)

	svc := newAccountService(repo, testConfig())

	got, err := svc.Connect(context.Background(), &accounts.SocialConnection{
		Provider:       "github",
		ProviderUserID: "gh-123",
		Email:          user.Email,
	})
	require.NoError(t, err)
	assert.Equal(t, user, got)

	repo.AssertExpectations(t)
}

func TestConnectProvisionsConfirmedAccount(t *testing.T) {
	repo := NewMockRepo()

	repo.socials.On("FindByProviderID", mock.Anything, "github", "gh-999").Return(nil, nil)
	repo.users.On("FindByEmail", mock.Anything, "newcomer@example.com").Return(nil, nil)
	repo.users.On("UsernameTaken", mock.Anything, "newcomer").Return(false, nil)
	repo.users.On("RegisterTx", mock.Anything, mock.Anything, mock.MatchedBy(func(u *accounts.User) bool {
		return u.Email == "newcomer@example.com" && u.Username == "newcomer" &&
			u.IsConfirmed() && u.Password() != ""
	})).Run(func(args mock.Arguments) {
		args.Get(2).(*accounts.User).ID = uuid.New()
	}).Return(nil, nil)
	repo.profiles.On("CreateTx", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	repo.socials.On("UpsertTx", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := newAccountService(repo, testConfig())

	got, err := svc.Connect(context.Background(), &accounts.SocialConnection{
		Provider:       "github",
		ProviderUserID: "gh-999",
		Email:          "newcomer@example.com",
		Username:       "newcomer",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsConfirmed())

	repo.AssertExpectations(t)
}
