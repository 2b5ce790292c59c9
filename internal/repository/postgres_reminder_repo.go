package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/athen/internal/model"
)

const reminderColumns = `id, user_id, text, completed, completed_at, created_at`

// PostgresReminderRepo はPostgreSQLを使用したリマインダーリポジトリ。
type PostgresReminderRepo struct {
	db *sqlx.DB
}

// NewPostgresReminderRepo はPostgresReminderRepoを生成する。
func NewPostgresReminderRepo(db *sqlx.DB) *PostgresReminderRepo {
	return &PostgresReminderRepo{db: db}
}

// Create はリマインダーを作成する。
func (r *PostgresReminderRepo) Create(ctx context.Context, reminder *model.Reminder) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO reminders (id, user_id, text, completed, completed_at, created_at)
		 VALUES (:id, :user_id, :text, :completed, :completed_at, :created_at)`,
		reminder,
	)
	if err != nil {
		return fmt.Errorf("failed to create reminder: %w", err)
	}
	return nil
}

// ListActive は未完了のリマインダーを作成順で返す。
func (r *PostgresReminderRepo) ListActive(ctx context.Context, userID string) ([]*model.Reminder, error) {
	var reminders []*model.Reminder
	err := r.db.SelectContext(ctx, &reminders,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE user_id = $1 AND completed = FALSE
		 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active reminders: %w", err)
	}
	return reminders, nil
}

// CompleteByText は完全一致する未完了リマインダーが1件だけの場合に完了にする。
// 候補行はFOR UPDATEでロックし、並行する完了操作と競合しないようにする。
func (r *PostgresReminderRepo) CompleteByText(ctx context.Context, userID, text string, at time.Time) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	err = tx.SelectContext(ctx, &ids,
		`SELECT id FROM reminders
		 WHERE user_id = $1 AND text = $2 AND completed = FALSE
		 FOR UPDATE`,
		userID, text,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to find reminder: %w", err)
	}
	if len(ids) != 1 {
		return len(ids), nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE reminders SET completed = TRUE, completed_at = $2 WHERE id = $1`,
		ids[0], at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to complete reminder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return 1, nil
}

// DeleteByUserID はユーザーの全リマインダーを削除する。
func (r *PostgresReminderRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reminders WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete reminders: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ReminderRepository = (*PostgresReminderRepo)(nil)
