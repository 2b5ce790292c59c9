package model

import "time"

// Role は会話メッセージの発話者を表す。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message は会話ログの1メッセージ。
// ユーザーと日付ごとに挿入順で保持される。
type Message struct {
	ID        int64     `db:"id" json:"-"`
	UserID    string    `db:"user_id" json:"-"`
	Day       time.Time `db:"day" json:"-"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	Timestamp time.Time `db:"created_at" json:"timestamp"`
}

// Reminder はユーザーのリマインダー。
// 未完了から完了への一方向にのみ遷移する。
type Reminder struct {
	ID          string     `db:"id"`
	UserID      string     `db:"user_id"`
	Text        string     `db:"text"`
	Completed   bool       `db:"completed"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
}
