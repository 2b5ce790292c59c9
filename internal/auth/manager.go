package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/athen/internal/metrics"
	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/repository"
)

const (
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultGoogleRevokeURL   = "https://oauth2.googleapis.com/revoke"

	defaultIdentityAttempts = 3
	defaultIdentityBackoff  = 500 * time.Millisecond
	defaultIdentityTimeout  = 10 * time.Second
)

var (
	// ErrNoGrant は有効な認可情報が存在しないことを示す。
	ErrNoGrant = errors.New("no usable credentials")
	// ErrRedirectNotAllowed は許可リストに使えるリダイレクトURLがないことを示す。
	ErrRedirectNotAllowed = errors.New("redirect URL not allowed")
)

// purposeScopes は用途ごとに要求するスコープ。
var purposeScopes = map[model.Purpose][]string{
	model.PurposeLogin: {
		"openid",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
	model.PurposeCalendar: {
		"https://www.googleapis.com/auth/calendar",
	},
}

// ManagerConfig は認可マネージャーの設定。
type ManagerConfig struct {
	ClientID     string
	ClientSecret string
	// RedirectURLs はプロバイダーに登録済みのリダイレクトURL。呼び出し元からは指定させない。
	RedirectURLs []string

	// テスト用にオーバーライド可能な値
	Endpoint    oauth2.Endpoint
	UserInfoURL string
	RevokeURL   string
	HTTPClient  *http.Client

	IdentityAttempts int
	IdentityBackoff  time.Duration
	IdentityTimeout  time.Duration
}

// SessionPurger はユーザーの全セッションを削除する。
type SessionPurger interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// Manager は用途ごとのOAuth認可情報のライフサイクルを管理する。
// 認可URLの生成、コード交換、保存、期限切れ時の更新、失効を担う。
type Manager struct {
	config   ManagerConfig
	creds    repository.CredentialRepository
	sessions SessionPurger
	metrics  metrics.Recorder
	flights  singleflight.Group
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewManager はManagerを生成する。
func NewManager(config ManagerConfig, creds repository.CredentialRepository, sessions SessionPurger, rec metrics.Recorder) *Manager {
	if config.Endpoint.AuthURL == "" {
		config.Endpoint = google.Endpoint
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultGoogleRevokeURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.IdentityAttempts <= 0 {
		config.IdentityAttempts = defaultIdentityAttempts
	}
	if config.IdentityBackoff <= 0 {
		config.IdentityBackoff = defaultIdentityBackoff
	}
	if config.IdentityTimeout <= 0 {
		config.IdentityTimeout = defaultIdentityTimeout
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Manager{
		config:   config,
		creds:    creds,
		sessions: sessions,
		metrics:  rec,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// oauthConfig は用途に応じたoauth2.Configを返す。
func (m *Manager) oauthConfig(purpose model.Purpose, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.config.ClientID,
		ClientSecret: m.config.ClientSecret,
		Endpoint:     m.config.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       purposeScopes[purpose],
	}
}

// clientContext はoauth2ライブラリが使うHTTPクライアントをcontextに載せる。
func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.config.HTTPClient)
}

// SelectRedirect は呼び出し元のオリジンに対応するリダイレクトURLを許可リストから選ぶ。
// ホスト名が一致するものを優先し、なければローカル/デプロイ環境それぞれの先頭を使う。
func (m *Manager) SelectRedirect(origin string) (string, error) {
	host := ""
	if u, err := url.Parse(origin); err == nil {
		host = strings.ToLower(u.Hostname())
	}

	var firstLocal, firstDeployed string
	for _, candidate := range m.config.RedirectURLs {
		u, err := url.Parse(candidate)
		if err != nil || u.Hostname() == "" {
			continue
		}
		candidateHost := strings.ToLower(u.Hostname())
		if host != "" && candidateHost == host {
			return candidate, nil
		}
		if isLoopbackHost(candidateHost) {
			if firstLocal == "" {
				firstLocal = candidate
			}
		} else if firstDeployed == "" {
			firstDeployed = candidate
		}
	}

	if isLoopbackHost(host) && firstLocal != "" {
		return firstLocal, nil
	}
	if firstDeployed != "" {
		return firstDeployed, nil
	}
	if firstLocal != "" {
		return firstLocal, nil
	}
	return "", ErrRedirectNotAllowed
}

func (m *Manager) redirectAllowed(redirectURL string) bool {
	for _, allowed := range m.config.RedirectURLs {
		if allowed == redirectURL {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AuthorizationURL は用途に応じた認可URLと、その際に使用したリダイレクトURLを返す。
func (m *Manager) AuthorizationURL(purpose model.Purpose, state, origin string) (string, string, error) {
	if !purpose.Valid() {
		return "", "", fmt.Errorf("unknown purpose: %q", purpose)
	}

	redirectURL, err := m.SelectRedirect(origin)
	if err != nil {
		return "", "", err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	}
	if purpose == model.PurposeCalendar {
		// リフレッシュトークンを確実に受け取るため毎回同意画面を出す
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	} else {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "select_account"))
	}

	return m.oauthConfig(purpose, redirectURL).AuthCodeURL(state, opts...), redirectURL, nil
}

// ExchangeCode は認可コードを認可情報に交換する。保存は行わない。
func (m *Manager) ExchangeCode(ctx context.Context, purpose model.Purpose, redirectURL, code string) (*model.CredentialBundle, error) {
	if !m.redirectAllowed(redirectURL) {
		return nil, ErrRedirectNotAllowed
	}

	cfg := m.oauthConfig(purpose, redirectURL)
	tok, err := cfg.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return model.NewCredentialBundle(tok, cfg.Endpoint.TokenURL, cfg.ClientID, cfg.Scopes), nil
}

// Store は認可情報を保存する。
// 再同意でリフレッシュトークンが返らなかった場合は既存のリフレッシュトークンを引き継ぐ。
func (m *Manager) Store(ctx context.Context, userID string, purpose model.Purpose, bundle *model.CredentialBundle) error {
	if bundle.RefreshToken == "" {
		existing, err := m.creds.Find(ctx, userID, purpose)
		if err != nil {
			slog.Warn("failed to load existing credentials",
				slog.String("user_id", userID),
				slog.String("purpose", string(purpose)),
				slog.String("error", err.Error()),
			)
		} else if existing != nil {
			bundle.RefreshToken = existing.RefreshToken
		}
	}

	if err := m.creds.Save(ctx, userID, purpose, bundle); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	slog.Info("credentials stored",
		slog.String("user_id", userID),
		slog.String("purpose", string(purpose)),
		slog.Any("bundle", bundle),
	)
	return nil
}

// HasGrant は認可情報が保存されているかを返す。更新は行わない。
func (m *Manager) HasGrant(ctx context.Context, userID string, purpose model.Purpose) (bool, error) {
	bundle, err := m.creds.Find(ctx, userID, purpose)
	if err != nil {
		return false, err
	}
	return bundle != nil, nil
}

// Credentials は利用可能な認可情報を返す。
// 期限切れの場合は更新して保存し直す。同一ユーザー・用途の更新は同時に1つしか走らない。
// 認可情報がない、または更新が拒否された場合はErrNoGrantを返す。
func (m *Manager) Credentials(ctx context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error) {
	bundle, err := m.creds.Find(ctx, userID, purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if bundle == nil {
		return nil, ErrNoGrant
	}
	if !bundle.Expired(m.now()) {
		return bundle, nil
	}

	v, err, _ := m.flights.Do(userID+":"+string(purpose), func() (any, error) {
		return m.refresh(ctx, userID, purpose)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.CredentialBundle), nil
}

// refresh は保存済みの認可情報を読み直し、まだ期限切れであれば更新する。
func (m *Manager) refresh(ctx context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error) {
	current, err := m.creds.Find(ctx, userID, purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if current == nil {
		return nil, ErrNoGrant
	}
	if !current.Expired(m.now()) {
		return current, nil
	}

	if !current.Refreshable() {
		m.purge(ctx, userID, purpose)
		m.metrics.RecordTokenRefresh(string(purpose), "purged")
		return nil, ErrNoGrant
	}

	// 期限をゼロ値にしないとoauth2ライブラリ側の判定で更新されない場合がある
	stale := current.Token()
	stale.Expiry = m.now().Add(-time.Minute)

	tok, err := m.oauthConfig(purpose, "").TokenSource(m.clientContext(ctx), stale).Token()
	if err != nil {
		// 4xxはリフレッシュトークン自体が無効。5xxや通信エラーは一時的な失敗として扱う
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			slog.Warn("token refresh rejected, purging credentials",
				slog.String("user_id", userID),
				slog.String("purpose", string(purpose)),
				slog.String("error_code", retrieveErr.ErrorCode),
			)
			m.purge(ctx, userID, purpose)
			m.metrics.RecordTokenRefresh(string(purpose), "purged")
			return nil, ErrNoGrant
		}
		m.metrics.RecordTokenRefresh(string(purpose), "error")
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshed := *current
	refreshed.AccessToken = tok.AccessToken
	refreshed.Expiry = tok.Expiry
	if tok.TokenType != "" {
		refreshed.TokenType = tok.TokenType
	}
	if tok.RefreshToken != "" {
		refreshed.RefreshToken = tok.RefreshToken
	}

	if err := m.creds.Save(ctx, userID, purpose, &refreshed); err != nil {
		m.metrics.RecordTokenRefresh(string(purpose), "error")
		return nil, fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}

	m.metrics.RecordTokenRefresh(string(purpose), "ok")
	return &refreshed, nil
}

// purge は使えなくなった認可情報を削除する。
// ログイン用途の場合はそれに依存するセッションも削除する。
func (m *Manager) purge(ctx context.Context, userID string, purpose model.Purpose) {
	if err := m.creds.Delete(ctx, userID, purpose); err != nil {
		slog.Error("failed to purge credentials",
			slog.String("user_id", userID),
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
	}
	if purpose == model.PurposeLogin && m.sessions != nil {
		if err := m.sessions.DeleteByUserID(ctx, userID); err != nil {
			slog.Error("failed to purge sessions",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Discard はプロバイダー側で取り消された認可情報を削除する。
// 次回のCredentialsはErrNoGrantを返し、再認可を促せるようになる。
func (m *Manager) Discard(ctx context.Context, userID string, purpose model.Purpose) {
	m.purge(ctx, userID, purpose)
	m.metrics.RecordTokenRefresh(string(purpose), "discarded")
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// UserIdentity は認可情報でIdPのユーザー情報を取得する。
// 一時的な失敗に備え、線形バックオフで最大IdentityAttempts回試行する。
func (m *Manager) UserIdentity(ctx context.Context, bundle *model.CredentialBundle) (*model.Identity, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.IdentityAttempts; attempt++ {
		identity, err := m.fetchUserInfo(ctx, bundle.AccessToken)
		if err == nil {
			return identity, nil
		}
		lastErr = err

		slog.Warn("user info fetch failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < m.config.IdentityAttempts {
			if err := m.sleep(ctx, time.Duration(attempt)*m.config.IdentityBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("failed to fetch user info after %d attempts: %w", m.config.IdentityAttempts, lastErr)
}

// fetchUserInfo はアクセストークンでGoogleのユーザー情報を1回取得する。
func (m *Manager) fetchUserInfo(ctx context.Context, accessToken string) (*model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.IdentityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &model.Identity{
		GoogleID: info.Sub,
		Email:    info.Email,
		Name:     info.Name,
		Picture:  info.Picture,
	}, nil
}

// Revoke は認可情報をプロバイダー側で失効させ（ベストエフォート）、保存済みの値を削除する。
func (m *Manager) Revoke(ctx context.Context, userID string, purpose model.Purpose) error {
	bundle, err := m.creds.Find(ctx, userID, purpose)
	if err != nil {
		slog.Warn("failed to load credentials for revocation",
			slog.String("user_id", userID),
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
	}
	if bundle != nil {
		token := bundle.RefreshToken
		if token == "" {
			token = bundle.AccessToken
		}
		if err := m.revokeRemote(ctx, token); err != nil {
			slog.Warn("remote token revocation failed",
				slog.String("user_id", userID),
				slog.String("purpose", string(purpose)),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := m.creds.Delete(ctx, userID, purpose); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

func (m *Manager) revokeRemote(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.IdentityTimeout)
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// sleepContext はcontextのキャンセルを考慮して待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
