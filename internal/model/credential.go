package model

import (
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

// Purpose はOAuth認可の用途を表す。
// 用途ごとに独立した認可情報を保持する。
type Purpose string

const (
	// PurposeLogin はGoogleアカウントによるログイン用途。
	PurposeLogin Purpose = "login"
	// PurposeCalendar はGoogleカレンダーへのアクセス用途。
	PurposeCalendar Purpose = "calendar"
)

// Valid は既知の用途かどうかを返す。
func (p Purpose) Valid() bool {
	return p == PurposeLogin || p == PurposeCalendar
}

// expirySkew はアクセストークンの期限切れ判定に使う余裕時間。
const expirySkew = 10 * time.Second

// CredentialBundle はユーザー・用途ごとに保存されるOAuth認可情報。
// クライアントシークレットは保存せず、実行時設定から補う。
type CredentialBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	TokenURL     string    `json:"token_url"`
	ClientID     string    `json:"client_id"`
	Scopes       []string  `json:"scopes"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// NewCredentialBundle はoauth2.Tokenから認可情報を生成する。
func NewCredentialBundle(tok *oauth2.Token, tokenURL, clientID string, scopes []string) *CredentialBundle {
	return &CredentialBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		TokenURL:     tokenURL,
		ClientID:     clientID,
		Scopes:       append([]string(nil), scopes...),
		Expiry:       tok.Expiry,
	}
}

// Expired はアクセストークンが期限切れかどうかを返す。
// 期限が未設定のトークンは期限切れとみなさない。
func (b *CredentialBundle) Expired(now time.Time) bool {
	if b.Expiry.IsZero() {
		return false
	}
	return !now.Add(expirySkew).Before(b.Expiry)
}

// Refreshable はリフレッシュトークンを保持しているかを返す。
func (b *CredentialBundle) Refreshable() bool {
	return b.RefreshToken != ""
}

// Token はoauth2.Tokenへ変換する。
func (b *CredentialBundle) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		TokenType:    b.TokenType,
		Expiry:       b.Expiry,
	}
}

// LogValue はslog.LogValuerを実装する。トークン値は出力しない。
func (b *CredentialBundle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", b.ClientID),
		slog.Any("scopes", b.Scopes),
		slog.Time("expiry", b.Expiry),
		slog.Bool("has_refresh_token", b.RefreshToken != ""),
	)
}

// FlowRecord はOAuth認可フロー開始時に保存する一時レコード。
// stateをキーに1回だけ取り出せる。
type FlowRecord struct {
	Purpose     Purpose   `json:"purpose"`
	Origin      string    `json:"origin"`
	RedirectURL string    `json:"redirect_url"`
	UserID      string    `json:"user_id,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}
