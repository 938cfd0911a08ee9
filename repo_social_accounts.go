package accounts

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SocialAccounts stores external provider connections, keyed by
// (provider, provider_user_id).
type SocialAccounts interface {
	FindByProviderID(ctx context.Context, provider, providerUserID string) (*SocialAccount, error)
	FindByUserID(ctx context.Context, userID uuid.UUID) ([]*SocialAccount, error)
	Upsert(ctx context.Context, account *SocialAccount) error
	UpsertTx(ctx context.Context, tx bun.IDB, account *SocialAccount) error
	Delete(ctx context.Context, provider, providerUserID string) error
}

type socialAccounts struct {
	db *bun.DB
}

func NewSocialAccountsRepository(db *bun.DB) SocialAccounts {
	return &socialAccounts{db: db}
}

// FindByProviderID returns (nil, nil) when the provider account is not
// connected to any user.
func (r *socialAccounts) FindByProviderID(ctx context.Context, provider, providerUserID string) (*SocialAccount, error) {
	record := &SocialAccount{}
	err := r.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", provider).
		Where("?TableAlias.provider_user_id = ?", providerUserID).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	return record, nil
}

func (r *socialAccounts) FindByUserID(ctx context.Context, userID uuid.UUID) ([]*SocialAccount, error) {
	var records []*SocialAccount
	err := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return []*SocialAccount{}, nil
		}
		return nil, err
	}
	return records, nil
}

func (r *socialAccounts) Upsert(ctx context.Context, account *SocialAccount) error {
	return r.UpsertTx(ctx, r.db, account)
}

func (r *socialAccounts) UpsertTx(ctx context.Context, tx bun.IDB, account *SocialAccount) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now()
	account.UpdatedAt = &now

	_, err := tx.NewInsert().
		Model(account).
		On("CONFLICT (provider, provider_user_id) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Set("email = EXCLUDED.email").
		Set("username = EXCLUDED.username").
		Set("profile_data = EXCLUDED.profile_data").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	return err
}

func (r *socialAccounts) Delete(ctx context.Context, provider, providerUserID string) error {
	_, err := r.db.NewDelete().
		Model((*SocialAccount)(nil)).
		Where("?TableAlias.provider = ?", provider).
		Where("?TableAlias.provider_user_id = ?", providerUserID).
		Exec(ctx)
	return err
}
