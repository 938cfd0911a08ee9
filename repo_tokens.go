package accounts

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// maxCodeAttempts bounds retries when a generated code collides.
const maxCodeAttempts = 5

// Tokens persists lifecycle tokens. Lookups are exact-match on all
// fields and return (nil, nil) when nothing matches.
type Tokens interface {
	repository.Repository[*Token]

	Issue(ctx context.Context, userID uuid.UUID, typ TokenType) (*Token, error)
	IssueTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, typ TokenType) (*Token, error)
	FindByUserCodeType(ctx context.Context, userID uuid.UUID, code string, typ TokenType) (*Token, error)
	FindByUserCodeTypeTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, code string, typ TokenType) (*Token, error)
	Consume(ctx context.Context, token *Token) error
	ConsumeTx(ctx context.Context, tx bun.IDB, token *Token) error
	CountForUser(ctx context.Context, userID uuid.UUID, typ TokenType) (int, error)
}

type tokens struct {
	repository.Repository[*Token]
	db *bun.DB
}

var (
	_ Tokens                        = (*tokens)(nil)
	_ repository.Repository[*Token] = (*tokens)(nil)
)

func NewTokensRepository(db *bun.DB) Tokens {
	repo := repository.NewRepository[*Token](db, repository.ModelHandlers[*Token]{
		NewRecord: func() *Token { return &Token{} },
		GetID: func(t *Token) uuid.UUID {
			if t == nil {
				return uuid.Nil
			}
			return t.ID
		},
		SetID: func(t *Token, id uuid.UUID) {
			if t != nil {
				t.ID = id
			}
		},
	})

	return &tokens{
		Repository: repo,
		db:         db,
	}
}

func (r *tokens) Issue(ctx context.Context, userID uuid.UUID, typ TokenType) (*Token, error) {
	return r.IssueTx(ctx, r.db, userID, typ)
}

// IssueTx creates a token with a fresh random code, retrying a bounded
// number of times when the unique code constraint rejects the insert.
// Previously issued tokens for the same purpose are left in place; any
// of them remains consumable until it expires.
func (r *tokens) IssueTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, typ TokenType) (*Token, error) {
	var lastErr error

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}

		token := &Token{
			ID:     uuid.New(),
			UserID: userID,
			Code:   code,
			Type:   typ,
		}

		created, err := r.Repository.CreateTx(ctx, tx, token)
		if err == nil {
			return created, nil
		}

		if !isDuplicateErr(err) {
			return nil, wrapPersistence(err, "could not create token")
		}
		lastErr = err
	}

	return nil, goerrors.Wrap(lastErr, goerrors.CategoryInternal, "token code generation kept colliding").
		WithMetadata(map[string]any{
			"attempts": maxCodeAttempts,
			"type":     typ,
		})
}

func (r *tokens) FindByUserCodeType(ctx context.Context, userID uuid.UUID, code string, typ TokenType) (*Token, error) {
	return r.FindByUserCodeTypeTx(ctx, r.db, userID, code, typ)
}

func (r *tokens) FindByUserCodeTypeTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, code string, typ TokenType) (*Token, error) {
	record := &Token{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.code = ?", code).
		Where("?TableAlias.type = ?", typ).
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

func (r *tokens) Consume(ctx context.Context, token *Token) error {
	return r.ConsumeTx(ctx, r.db, token)
}

// ConsumeTx deletes the token. When the row is already gone the delete
// reports ErrInvalidToken: a second consumption attempt must never read
// as a second successful confirmation.
func (r *tokens) ConsumeTx(ctx context.Context, tx bun.IDB, token *Token) error {
	res, err := tx.NewDelete().
		Model((*Token)(nil)).
		Where("?TableAlias.id = ?", token.ID).
		Exec(ctx)
	if err != nil {
		return wrapPersistence(err, "could not consume token")
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrInvalidToken.WithMetadata(map[string]any{
			"token_id": token.ID.String(),
			"type":     token.Type,
		})
	}

	return nil
}

func (r *tokens) CountForUser(ctx context.Context, userID uuid.UUID, typ TokenType) (int, error) {
	return r.db.NewSelect().
		Model((*Token)(nil)).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.type = ?", typ).
		Count(ctx)
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
