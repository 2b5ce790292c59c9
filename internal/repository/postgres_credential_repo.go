package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/athen/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認可情報リポジトリ。
// 認可情報はJSONにシリアライズした上でSealerで暗号化して保存する。
type PostgresCredentialRepo struct {
	db     *sqlx.DB
	sealer Sealer
	now    func() time.Time
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sqlx.DB, sealer Sealer) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db, sealer: sealer, now: time.Now}
}

// Find は認可情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) Find(ctx context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error) {
	var payload []byte
	err := r.db.GetContext(ctx, &payload,
		`SELECT payload FROM credentials WHERE user_id = $1 AND purpose = $2`,
		userID, string(purpose),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credentials: %w", err)
	}

	plain, err := r.sealer.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	bundle := &model.CredentialBundle{}
	if err := json.Unmarshal(plain, bundle); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return bundle, nil
}

// Save は認可情報を保存する。既存の値は丸ごと置き換える。
func (r *PostgresCredentialRepo) Save(ctx context.Context, userID string, purpose model.Purpose, bundle *model.CredentialBundle) error {
	plain, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	payload, err := r.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, purpose, payload, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, purpose)
		 DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		userID, string(purpose), payload, r.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Delete は認可情報を削除する。存在しない場合もエラーにしない。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, userID string, purpose model.Purpose) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = $1 AND purpose = $2`,
		userID, string(purpose),
	)
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
