package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hitoshi/athen/internal/model"
)

const userColumns = `id, google_id, email, name, picture, is_guest, last_login_at, created_at, updated_at`

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sqlx.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sqlx.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.GetContext(ctx, user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// UpsertByIdentity はgoogle_idまたはemailでユーザーを統合し、なければ作成する。
// 同時に初回ログインが走り一意制約に衝突した場合は1回だけやり直す。
func (r *PostgresUserRepo) UpsertByIdentity(ctx context.Context, identity *model.Identity, now time.Time) (*model.User, error) {
	user, err := r.upsertByIdentity(ctx, identity, now)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		user, err = r.upsertByIdentity(ctx, identity, now)
	}
	return user, err
}

func (r *PostgresUserRepo) upsertByIdentity(ctx context.Context, identity *model.Identity, now time.Time) (*model.User, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	email := nullableString(identity.Email)

	// 1. google_idの一致を優先し、次にemailの一致で既存ユーザーを探す
	existing := &model.User{}
	err = tx.GetContext(ctx, existing,
		`SELECT `+userColumns+` FROM users
		 WHERE google_id = $1 OR ($2::text IS NOT NULL AND email = $2)
		 ORDER BY (google_id = $1) DESC NULLS LAST
		 LIMIT 1
		 FOR UPDATE`,
		identity.GoogleID, email,
	)

	user := &model.User{}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// 2a. 新規作成
		err = tx.GetContext(ctx, user,
			`INSERT INTO users (google_id, email, name, picture, is_guest, last_login_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, FALSE, $5, $5, $5)
			 RETURNING `+userColumns,
			identity.GoogleID, email, identity.Name, identity.Picture, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert user: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to find user by identity: %w", err)
	default:
		// 2b. 統合（ゲスト属性は解除する）
		err = tx.GetContext(ctx, user,
			`UPDATE users
			 SET google_id = $2, email = COALESCE($3, email), name = $4, picture = $5,
			     is_guest = FALSE, last_login_at = $6, updated_at = $6
			 WHERE id = $1
			 RETURNING `+userColumns,
			existing.ID, identity.GoogleID, email, identity.Name, identity.Picture, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return user, nil
}

// CreateGuest はゲストユーザーを作成する。
func (r *PostgresUserRepo) CreateGuest(ctx context.Context, name string, now time.Time) (*model.User, error) {
	user := &model.User{}
	err := r.db.GetContext(ctx, user,
		`INSERT INTO users (name, is_guest, last_login_at, created_at, updated_at)
		 VALUES ($1, TRUE, $2, $2, $2)
		 RETURNING `+userColumns,
		name, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guest user: %w", err)
	}
	return user, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
