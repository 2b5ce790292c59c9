package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/repository"
)

// memCredentialRepo はテスト用のインメモリ認可情報ストア。
type memCredentialRepo struct {
	mu      sync.Mutex
	bundles map[string]model.CredentialBundle
	saves   int
}

func newMemCredentialRepo() *memCredentialRepo {
	return &memCredentialRepo{bundles: make(map[string]model.CredentialBundle)}
}

func credKey(userID string, purpose model.Purpose) string {
	return userID + "/" + string(purpose)
}

func (r *memCredentialRepo) Find(_ context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bundles[credKey(userID, purpose)]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *memCredentialRepo) Save(_ context.Context, userID string, purpose model.Purpose, bundle *model.CredentialBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[credKey(userID, purpose)] = *bundle
	r.saves++
	return nil
}

func (r *memCredentialRepo) Delete(_ context.Context, userID string, purpose model.Purpose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bundles, credKey(userID, purpose))
	return nil
}

var _ repository.CredentialRepository = (*memCredentialRepo)(nil)

type sessionPurgerFunc func(ctx context.Context, userID string) error

func (f sessionPurgerFunc) DeleteByUserID(ctx context.Context, userID string) error {
	return f(ctx, userID)
}

// newTestManager はトークンエンドポイントを差し替えたManagerを生成する。
func newTestManager(t *testing.T, tokenHandler http.HandlerFunc, creds *memCredentialRepo, sessions SessionPurger) *Manager {
	t.Helper()
	srv := httptest.NewServer(tokenHandler)
	t.Cleanup(srv.Close)

	m := NewManager(ManagerConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURLs: []string{
			"http://localhost:5000/api/auth/google/callback",
			"https://athen.example.com/api/auth/google/callback",
			"https://staging.example.com/api/auth/google/callback",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		UserInfoURL: srv.URL + "/userinfo",
		RevokeURL:   srv.URL + "/revoke",
		HTTPClient:  srv.Client(),
	}, creds, sessions, nil)
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func writeToken(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	if refresh == "" {
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, access)
		return
	}
	fmt.Fprintf(w, `{"access_token":%q,"refresh_token":%q,"token_type":"Bearer","expires_in":3600}`, access, refresh)
}

func TestSelectRedirect(t *testing.T) {
	m := newTestManager(t, http.NotFound, newMemCredentialRepo(), nil)

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"exact host match", "https://staging.example.com", "https://staging.example.com/api/auth/google/callback"},
		{"loopback origin uses local entry", "http://127.0.0.1:3000", "http://localhost:5000/api/auth/google/callback"},
		{"localhost origin", "http://localhost:5000", "http://localhost:5000/api/auth/google/callback"},
		{"unknown origin uses first deployed entry", "https://evil.example.net", "https://athen.example.com/api/auth/google/callback"},
		{"empty origin", "", "https://athen.example.com/api/auth/google/callback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.SelectRedirect(tt.origin)
			if err != nil {
				t.Fatalf("SelectRedirect() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectRedirect(%q) = %q, want %q", tt.origin, got, tt.want)
			}
		})
	}
}

func TestSelectRedirect_EmptyAllowList(t *testing.T) {
	m := NewManager(ManagerConfig{}, newMemCredentialRepo(), nil, nil)
	if _, err := m.SelectRedirect("http://localhost"); !errors.Is(err, ErrRedirectNotAllowed) {
		t.Errorf("error = %v, want ErrRedirectNotAllowed", err)
	}
}

func TestAuthorizationURL(t *testing.T) {
	m := newTestManager(t, http.NotFound, newMemCredentialRepo(), nil)

	tests := []struct {
		purpose    model.Purpose
		wantScope  string
		wantPrompt string
	}{
		{model.PurposeLogin, "openid", "select_account"},
		{model.PurposeCalendar, "https://www.googleapis.com/auth/calendar", "consent"},
	}

	for _, tt := range tests {
		t.Run(string(tt.purpose), func(t *testing.T) {
			authURL, redirectURL, err := m.AuthorizationURL(tt.purpose, "state-xyz", "https://athen.example.com")
			if err != nil {
				t.Fatalf("AuthorizationURL() error = %v", err)
			}
			u, err := url.Parse(authURL)
			if err != nil {
				t.Fatalf("invalid URL: %v", err)
			}
			q := u.Query()
			if q.Get("state") != "state-xyz" {
				t.Errorf("state = %q", q.Get("state"))
			}
			if q.Get("access_type") != "offline" {
				t.Errorf("access_type = %q, want offline", q.Get("access_type"))
			}
			if q.Get("prompt") != tt.wantPrompt {
				t.Errorf("prompt = %q, want %q", q.Get("prompt"), tt.wantPrompt)
			}
			if !strings.Contains(q.Get("scope"), tt.wantScope) {
				t.Errorf("scope = %q, want to contain %q", q.Get("scope"), tt.wantScope)
			}
			if q.Get("redirect_uri") != redirectURL {
				t.Errorf("redirect_uri = %q, want %q", q.Get("redirect_uri"), redirectURL)
			}
		})
	}

	if _, _, err := m.AuthorizationURL(model.Purpose("drive"), "s", ""); err == nil {
		t.Error("unknown purpose should fail")
	}
}

func TestExchangeCode(t *testing.T) {
	var gotCode string
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotCode = r.PostForm.Get("code")
		writeToken(w, "access-1", "refresh-1")
	}, newMemCredentialRepo(), nil)

	bundle, err := m.ExchangeCode(context.Background(), model.PurposeCalendar,
		"https://athen.example.com/api/auth/google/callback", "code-abc")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if gotCode != "code-abc" {
		t.Errorf("code sent = %q", gotCode)
	}
	if bundle.AccessToken != "access-1" || bundle.RefreshToken != "refresh-1" {
		t.Errorf("unexpected bundle tokens: %+v", bundle)
	}
	if bundle.ClientID != "client-id" || len(bundle.Scopes) != 1 {
		t.Errorf("unexpected bundle metadata: %+v", bundle)
	}
	if bundle.Expiry.IsZero() {
		t.Error("expiry should be set")
	}
}

func TestExchangeCode_RejectsUnlistedRedirect(t *testing.T) {
	called := false
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeToken(w, "a", "r")
	}, newMemCredentialRepo(), nil)

	_, err := m.ExchangeCode(context.Background(), model.PurposeLogin, "https://evil.example.net/cb", "code")
	if !errors.Is(err, ErrRedirectNotAllowed) {
		t.Errorf("error = %v, want ErrRedirectNotAllowed", err)
	}
	if called {
		t.Error("token endpoint should not be called")
	}
}

func TestStore_KeepsExistingRefreshToken(t *testing.T) {
	creds := newMemCredentialRepo()
	m := newTestManager(t, http.NotFound, creds, nil)
	ctx := context.Background()

	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{AccessToken: "old", RefreshToken: "keep-me"})

	if err := m.Store(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{AccessToken: "new"}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, _ := creds.Find(ctx, "u1", model.PurposeCalendar)
	if got.AccessToken != "new" || got.RefreshToken != "keep-me" {
		t.Errorf("stored bundle = %+v", got)
	}
}

func TestCredentials_NoGrant(t *testing.T) {
	m := newTestManager(t, http.NotFound, newMemCredentialRepo(), nil)

	_, err := m.Credentials(context.Background(), "u1", model.PurposeCalendar)
	if !errors.Is(err, ErrNoGrant) {
		t.Errorf("error = %v, want ErrNoGrant", err)
	}
}

func TestCredentials_FreshBundleIsNotRefreshed(t *testing.T) {
	var calls int32
	creds := newMemCredentialRepo()
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeToken(w, "x", "")
	}, creds, nil)
	ctx := context.Background()

	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{
		AccessToken: "valid", RefreshToken: "r", Expiry: time.Now().Add(time.Hour),
	})

	got, err := m.Credentials(ctx, "u1", model.PurposeCalendar)
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if got.AccessToken != "valid" {
		t.Errorf("AccessToken = %q, want valid", got.AccessToken)
	}
	if calls != 0 {
		t.Errorf("token endpoint called %d times, want 0", calls)
	}
}

func TestCredentials_RefreshesExpiredBundle(t *testing.T) {
	var gotRefresh string
	creds := newMemCredentialRepo()
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotRefresh = r.PostForm.Get("refresh_token")
		writeToken(w, "refreshed", "")
	}, creds, nil)
	ctx := context.Background()

	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{
		AccessToken: "stale", RefreshToken: "rt-1", ClientID: "client-id", Expiry: time.Now().Add(-time.Hour),
	})

	got, err := m.Credentials(ctx, "u1", model.PurposeCalendar)
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if gotRefresh != "rt-1" {
		t.Errorf("refresh_token sent = %q, want rt-1", gotRefresh)
	}
	if got.AccessToken != "refreshed" || got.RefreshToken != "rt-1" {
		t.Errorf("refreshed bundle = %+v", got)
	}
	if !got.Expiry.After(time.Now()) {
		t.Errorf("expiry should be in the future: %v", got.Expiry)
	}

	stored, _ := creds.Find(ctx, "u1", model.PurposeCalendar)
	if stored.AccessToken != "refreshed" {
		t.Errorf("stored AccessToken = %q, want refreshed", stored.AccessToken)
	}
}

func TestCredentials_ConcurrentRefreshHitsEndpointOnce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	creds := newMemCredentialRepo()
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		writeToken(w, "refreshed", "")
	}, creds, nil)
	ctx := context.Background()

	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{
		AccessToken: "stale", RefreshToken: "rt", Expiry: time.Now().Add(-time.Hour),
	})

	const n = 10
	var wg sync.WaitGroup
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.Credentials(ctx, "u1", model.PurposeCalendar)
			if err != nil {
				t.Errorf("Credentials() error = %v", err)
				return
			}
			results <- b.AccessToken
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for tok := range results {
		if tok != "refreshed" {
			t.Errorf("got token %q, want refreshed", tok)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
}

func TestCredentials_RejectedRefreshPurges(t *testing.T) {
	tests := []struct {
		name          string
		purpose       model.Purpose
		wantSessionRm bool
	}{
		{"calendar", model.PurposeCalendar, false},
		{"login also drops sessions", model.PurposeLogin, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := newMemCredentialRepo()
			sessionsPurged := ""
			m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			}, creds, sessionPurgerFunc(func(_ context.Context, userID string) error {
				sessionsPurged = userID
				return nil
			}))
			ctx := context.Background()

			creds.Save(ctx, "u1", tt.purpose, &model.CredentialBundle{
				AccessToken: "stale", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour),
			})

			_, err := m.Credentials(ctx, "u1", tt.purpose)
			if !errors.Is(err, ErrNoGrant) {
				t.Fatalf("error = %v, want ErrNoGrant", err)
			}
			if b, _ := creds.Find(ctx, "u1", tt.purpose); b != nil {
				t.Error("bundle should be purged")
			}
			if (sessionsPurged == "u1") != tt.wantSessionRm {
				t.Errorf("sessions purged = %q, want purge=%v", sessionsPurged, tt.wantSessionRm)
			}
		})
	}
}

func TestCredentials_ServerErrorKeepsBundle(t *testing.T) {
	creds := newMemCredentialRepo()
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}, creds, nil)
	ctx := context.Background()

	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{
		AccessToken: "stale", RefreshToken: "rt", Expiry: time.Now().Add(-time.Hour),
	})

	_, err := m.Credentials(ctx, "u1", model.PurposeCalendar)
	if err == nil || errors.Is(err, ErrNoGrant) {
		t.Fatalf("error = %v, want transient error", err)
	}
	if b, _ := creds.Find(ctx, "u1", model.PurposeCalendar); b == nil {
		t.Error("bundle should be kept on transient failure")
	}
}

func TestCredentials_ExpiredWithoutRefreshTokenPurges(t *testing.T) {
	creds := newMemCredentialRepo()
	m := newTestManager(t, http.NotFound, creds, nil)
	ctx := context.Background()

	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{
		AccessToken: "stale", Expiry: time.Now().Add(-time.Hour),
	})

	if _, err := m.Credentials(ctx, "u1", model.PurposeCalendar); !errors.Is(err, ErrNoGrant) {
		t.Errorf("error = %v, want ErrNoGrant", err)
	}
	if b, _ := creds.Find(ctx, "u1", model.PurposeCalendar); b != nil {
		t.Error("bundle should be purged")
	}
}

func TestDiscard_RemovesOnlyThatPurpose(t *testing.T) {
	creds := newMemCredentialRepo()
	var purged []string
	m := newTestManager(t, http.NotFound, creds, sessionPurgerFunc(func(_ context.Context, userID string) error {
		purged = append(purged, userID)
		return nil
	}))
	ctx := context.Background()

	live := &model.CredentialBundle{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}
	creds.Save(ctx, "u1", model.PurposeCalendar, live)
	creds.Save(ctx, "u1", model.PurposeLogin, live)

	m.Discard(ctx, "u1", model.PurposeCalendar)

	if _, err := m.Credentials(ctx, "u1", model.PurposeCalendar); !errors.Is(err, ErrNoGrant) {
		t.Errorf("error = %v, want ErrNoGrant", err)
	}
	if b, _ := creds.Find(ctx, "u1", model.PurposeLogin); b == nil {
		t.Error("login bundle should survive")
	}
	if len(purged) != 0 {
		t.Errorf("sessions purged for %v, want none", purged)
	}
}

func TestUserIdentity_RetriesTransientFailures(t *testing.T) {
	var calls int32
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sub":"g-123","email":"a@example.com","name":"Alice","picture":"https://p.example/a.png"}`)
	}, newMemCredentialRepo(), nil)

	identity, err := m.UserIdentity(context.Background(), &model.CredentialBundle{AccessToken: "at"})
	if err != nil {
		t.Fatalf("UserIdentity() error = %v", err)
	}
	if identity.GoogleID != "g-123" || identity.Email != "a@example.com" || identity.Name != "Alice" {
		t.Errorf("unexpected identity: %+v", identity)
	}
	if calls != 3 {
		t.Errorf("userinfo called %d times, want 3", calls)
	}
}

func TestUserIdentity_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	var waits []time.Duration
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	}, newMemCredentialRepo(), nil)
	m.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if _, err := m.UserIdentity(context.Background(), &model.CredentialBundle{AccessToken: "at"}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("userinfo called %d times, want 3", calls)
	}
	if len(waits) != 2 || waits[1] <= waits[0] {
		t.Errorf("backoff waits = %v, want two increasing waits", waits)
	}
}

func TestRevoke_DeletesEvenWhenRemoteFails(t *testing.T) {
	var revokedToken string
	creds := newMemCredentialRepo()
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		revokedToken = r.PostForm.Get("token")
		http.Error(w, "nope", http.StatusBadRequest)
	}, creds, nil)
	ctx := context.Background()

	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{AccessToken: "at", RefreshToken: "rt"})

	if err := m.Revoke(ctx, "u1", model.PurposeCalendar); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if revokedToken != "rt" {
		t.Errorf("revoked token = %q, want rt", revokedToken)
	}
	if b, _ := creds.Find(ctx, "u1", model.PurposeCalendar); b != nil {
		t.Error("bundle should be deleted")
	}
}

func TestHasGrant(t *testing.T) {
	creds := newMemCredentialRepo()
	m := newTestManager(t, http.NotFound, creds, nil)
	ctx := context.Background()

	if ok, _ := m.HasGrant(ctx, "u1", model.PurposeCalendar); ok {
		t.Error("HasGrant() = true before grant")
	}
	creds.Save(ctx, "u1", model.PurposeCalendar, &model.CredentialBundle{AccessToken: "at"})
	if ok, _ := m.HasGrant(ctx, "u1", model.PurposeCalendar); !ok {
		t.Error("HasGrant() = false after grant")
	}
}
