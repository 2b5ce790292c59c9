// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/athen/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// UpsertByIdentity はgoogle_idまたはemailが一致するユーザーを更新し、存在しなければ作成する。
	// 既存ユーザーがゲストだった場合はゲスト属性を解除する。
	UpsertByIdentity(ctx context.Context, identity *model.Identity, now time.Time) (*model.User, error)

	// CreateGuest はゲストユーザーを作成する。
	CreateGuest(ctx context.Context, name string, now time.Time) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// FindByIDIncludingExpired は期限切れでも削除前であればセッションを返す。ログアウト用。
	FindByIDIncludingExpired(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// CredentialRepository はユーザー・用途ごとのOAuth認可情報の永続化インターフェース。
type CredentialRepository interface {
	// Find は認可情報を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error)
	// Save は認可情報を保存する。既存の値は丸ごと置き換える。
	Save(ctx context.Context, userID string, purpose model.Purpose, bundle *model.CredentialBundle) error
	// Delete は認可情報を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, userID string, purpose model.Purpose) error
}

// ConversationRepository は日次会話ログの永続化インターフェース。
type ConversationRepository interface {
	// Append はメッセージを末尾に追加する。
	Append(ctx context.Context, msg *model.Message) error
	// ListRecent は指定日の直近limit件を挿入順で返す。
	ListRecent(ctx context.Context, userID string, day time.Time, limit int) ([]*model.Message, error)
	// ListByDay は指定日の全メッセージを挿入順で返す。
	ListByDay(ctx context.Context, userID string, day time.Time) ([]*model.Message, error)
	// DeleteByUserID はユーザーの全会話ログを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ReminderRepository はリマインダーの永続化インターフェース。
type ReminderRepository interface {
	// Create はリマインダーを作成する。
	Create(ctx context.Context, reminder *model.Reminder) error
	// ListActive は未完了のリマインダーを作成順で返す。
	ListActive(ctx context.Context, userID string) ([]*model.Reminder, error)
	// CompleteByText はテキストが完全一致する未完了リマインダーが1件だけの場合に完了にする。
	// 戻り値は一致した未完了リマインダーの件数。1以外の場合は何も変更しない。
	CompleteByText(ctx context.Context, userID, text string, at time.Time) (int, error)
	// DeleteByUserID はユーザーの全リマインダーを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// Sealer は保存前の機密データを暗号化・復号する。
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}
