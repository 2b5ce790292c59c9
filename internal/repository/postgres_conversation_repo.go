package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/athen/internal/model"
)

const messageColumns = `id, user_id, day, role, content, created_at`

// PostgresConversationRepo はPostgreSQLを使用した会話ログリポジトリ。
// (user_id, day) ごとにメッセージ列を保持し、挿入順はシリアルIDで決まる。
type PostgresConversationRepo struct {
	db *sqlx.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sqlx.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

// Append はメッセージを末尾に追加し、採番されたIDをmsgに設定する。
func (r *PostgresConversationRepo) Append(ctx context.Context, msg *model.Message) error {
	err := r.db.GetContext(ctx, &msg.ID,
		`INSERT INTO conversation_messages (user_id, day, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		msg.UserID, dayKey(msg.Day), string(msg.Role), msg.Content, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append conversation message: %w", err)
	}
	return nil
}

// ListRecent は指定日の直近limit件を挿入順で返す。
func (r *PostgresConversationRepo) ListRecent(ctx context.Context, userID string, day time.Time, limit int) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+` FROM conversation_messages
		     WHERE user_id = $1 AND day = $2
		     ORDER BY id DESC
		     LIMIT $3
		 ) recent
		 ORDER BY id ASC`,
		userID, dayKey(day), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return msgs, nil
}

// ListByDay は指定日の全メッセージを挿入順で返す。
func (r *PostgresConversationRepo) ListByDay(ctx context.Context, userID string, day time.Time) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT `+messageColumns+` FROM conversation_messages
		 WHERE user_id = $1 AND day = $2
		 ORDER BY id ASC`,
		userID, dayKey(day),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// DeleteByUserID はユーザーの全会話ログを削除する。
func (r *PostgresConversationRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	return nil
}

// dayKey は日付カラム用のYYYY-MM-DD文字列を返す。
// タイムゾーン変換は呼び出し側で済ませておくこと。
func dayKey(day time.Time) string {
	return day.Format(time.DateOnly)
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
