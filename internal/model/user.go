// Package model はドメインモデルを定義する。
package model

import "time"

// User はアシスタント利用ユーザーを表す。
// Googleログインユーザーとゲストユーザーの両方を表現する。
// ゲストはGoogleIDとEmailを持たない。
type User struct {
	ID          string     `db:"id"`
	GoogleID    *string    `db:"google_id"`
	Email       *string    `db:"email"`
	Name        string     `db:"name"`
	Picture     string     `db:"picture"`
	IsGuest     bool       `db:"is_guest"`
	LastLoginAt *time.Time `db:"last_login_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// EmailOrEmpty はメールアドレスを返す。未設定の場合は空文字。
func (u *User) EmailOrEmpty() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// Identity はIdPから取得したユーザー識別情報を表す。
// ログイン時のユーザーupsertのキーとして使用する。
type Identity struct {
	GoogleID string
	Email    string
	Name     string
	Picture  string
}

// Session はユーザーのログインセッションを表す。
// 有効期限は発行時に固定され、延長されない。
type Session struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}
