package accounts

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var ResetUserPasswordSQL = `UPDATE "users" AS "usr"
SET
	"password_hash" = ?
WHERE
	"usr"."deleted_at" IS NULL
AND (
	"usr"."id" = ?
) RETURNING *;`

// Users is the account repository. State-changing helpers are single
// atomic updates; Tx variants participate in a caller transaction so a
// token consumption and the transition it gates commit together.
type Users interface {
	repository.Repository[*User]

	Register(ctx context.Context, user *User) (*User, error)
	RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)
	Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error)

	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)

	Confirm(ctx context.Context, id uuid.UUID, at time.Time) error
	ConfirmTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
	Approve(ctx context.Context, id uuid.UUID, at time.Time) error
	ApproveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
	Block(ctx context.Context, id uuid.UUID, at time.Time, authKey string) error
	BlockTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time, authKey string) error
	Unblock(ctx context.Context, id uuid.UUID) error
	UnblockTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	RotateAuthKey(ctx context.Context, id uuid.UUID, authKey string) error
	RotateAuthKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, authKey string) error

	SetPendingEmail(ctx context.Context, id uuid.UUID, email string) error
	SetPendingEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error
	SetEmailChangeFlagsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, flags EmailChangeFlag) error
	CommitEmailChangeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error

	ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
}

type users struct {
	repository.Repository[*User]
	db *bun.DB
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
	})

	return &users{
		Repository: repo,
		db:         db,
	}
}

func (a *users) Register(ctx context.Context, user *User) (*User, error) {
	return a.RegisterTx(ctx, a.db, user)
}

func (a *users) RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	return a.CreateTx(ctx, tx, user)
}

func (a *users) Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *users) CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	if err := prepareUserDefaults(record); err != nil {
		return nil, err
	}
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *users) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*User, error) {
	return a.GetByIdentifierTx(ctx, a.db, identifier, criteria...)
}

func (a *users) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*User, error) {
	options := resolveUserIdentifier(identifier)
	if len(options) == 0 {
		options = []identifierOption{
			{
				column: "id",
				value:  strings.TrimSpace(identifier),
			},
		}
	}

	for _, opt := range options {
		record := &User{}
		q := tx.NewSelect().Model(record)

		for _, c := range criteria {
			q.Apply(c)
		}

		err := q.
			Where(fmt.Sprintf("?TableAlias.%s = ?", opt.column), opt.value).
			Limit(1).
			Scan(ctx)

		if err != nil {
			if repository.IsRecordNotFound(err) {
				continue
			}
			return nil, err
		}

		return record, nil
	}

	return nil, repository.NewRecordNotFound().
		WithMetadata(map[string]any{
			"identifier": identifier,
		})
}

// FindByEmail returns (nil, nil) when no account owns the address.
func (a *users) FindByEmail(ctx context.Context, email string) (*User, error) {
	return a.FindByEmailTx(ctx, a.db, email)
}

func (a *users) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", email).
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

func (a *users) UsernameTaken(ctx context.Context, username string) (bool, error) {
	count, err := a.db.NewSelect().
		Model((*User)(nil)).
		Where("?TableAlias.username = ?", username).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (a *users) Confirm(ctx context.Context, id uuid.UUID, at time.Time) error {
	return a.ConfirmTx(ctx, a.db, id, at)
}

func (a *users) ConfirmTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("confirmed_at = ?", at)
	})
}

func (a *users) Approve(ctx context.Context, id uuid.UUID, at time.Time) error {
	return a.ApproveTx(ctx, a.db, id, at)
}

func (a *users) ApproveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("approved_at = ?", at)
	})
}

// BlockTx sets blocked_at and rotates the auth key in one update, so
// session invalidation and the block are never observable separately.
func (a *users) Block(ctx context.Context, id uuid.UUID, at time.Time, authKey string) error {
	return a.BlockTx(ctx, a.db, id, at, authKey)
}

func (a *users) BlockTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time, authKey string) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("blocked_at = ?", at).Set("auth_key = ?", authKey)
	})
}

func (a *users) Unblock(ctx context.Context, id uuid.UUID) error {
	return a.UnblockTx(ctx, a.db, id)
}

func (a *users) UnblockTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("blocked_at = NULL")
	})
}

// RotateAuthKey replaces the session-invalidation key, revoking every
// session minted against the previous one.
func (a *users) RotateAuthKey(ctx context.Context, id uuid.UUID, authKey string) error {
	return a.RotateAuthKeyTx(ctx, a.db, id, authKey)
}

func (a *users) RotateAuthKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, authKey string) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("auth_key = ?", authKey)
	})
}

func (a *users) SetPendingEmail(ctx context.Context, id uuid.UUID, email string) error {
	return a.SetPendingEmailTx(ctx, a.db, id, email)
}

func (a *users) SetPendingEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("unconfirmed_email = ?", email).Set("flags = 0")
	})
}

func (a *users) SetEmailChangeFlagsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, flags EmailChangeFlag) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("flags = ?", int(flags))
	})
}

// CommitEmailChangeTx promotes the pending address and clears the change
// state in a single update.
func (a *users) CommitEmailChangeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error {
	return a.updateLifecycle(ctx, tx, id, func(q *bun.UpdateQuery) {
		q.Set("email = ?", email).
			Set("unconfirmed_email = NULL").
			Set("flags = 0")
	})
}

func (a *users) ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return a.ResetPasswordTx(ctx, a.db, id, passwordHash)
}

func (a *users) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	res, err := a.Repository.RawTx(ctx, tx, ResetUserPasswordSQL, passwordHash, id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

func (a *users) updateLifecycle(ctx context.Context, tx bun.IDB, id uuid.UUID, apply func(*bun.UpdateQuery)) error {
	q := tx.NewUpdate().
		Model((*User)(nil)).
		Where("?TableAlias.id = ?", id).
		Where("?TableAlias.deleted_at IS NULL")

	apply(q)

	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

// prepareUserDefaults assigns an id and auth key to new records and
// hashes any transient cleartext password, discarding it afterwards.
func prepareUserDefaults(record *User) error {
	if record == nil {
		return nil
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	if record.AuthKey == "" {
		key, err := GenerateAuthKey()
		if err != nil {
			return err
		}
		record.AuthKey = key
	}

	if pwd := record.Password(); pwd != "" {
		hash, err := HashPassword(pwd)
		if err != nil {
			return err
		}
		record.PasswordHash = hash
		record.discardPassword()
	}

	return nil
}

type identifierOption struct {
	column string
	value  string
}

func resolveUserIdentifier(identifier string) []identifierOption {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return nil
	}

	options := make([]identifierOption, 0, 3)

	if isUUID(trimmed) {
		options = append(options, identifierOption{
			column: "id",
			value:  trimmed,
		})
	}

	if isEmail(trimmed) {
		options = append(options, identifierOption{
			column: "email",
			value:  trimmed,
		})
	}

	options = append(options, identifierOption{
		column: "username",
		value:  trimmed,
	})

	return options
}

func isEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isUUID(identifier string) bool {
	_, err := uuid.Parse(identifier)
	return err == nil
}
