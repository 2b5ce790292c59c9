package calendar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/athen/internal/auth"
	"github.com/hitoshi/athen/internal/model"
)

type credentialSourceFunc func(ctx context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error)

func (f credentialSourceFunc) Credentials(ctx context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error) {
	return f(ctx, userID, purpose)
}

func (f credentialSourceFunc) Discard(context.Context, string, model.Purpose) {}

// discardingSource はDiscardの呼び出しを記録するCredentialSource。
type discardingSource struct {
	credentialSourceFunc
	discarded []string
}

func (s *discardingSource) Discard(_ context.Context, userID string, purpose model.Purpose) {
	s.discarded = append(s.discarded, userID+"/"+string(purpose))
}

func TestConnect_NoGrant(t *testing.T) {
	c := NewConnector(credentialSourceFunc(func(context.Context, string, model.Purpose) (*model.CredentialBundle, error) {
		return nil, auth.ErrNoGrant
	}), ConnectorConfig{}, nil)

	if _, err := c.Connect(context.Background(), "u1"); !errors.Is(err, ErrAuthorizationRequired) {
		t.Errorf("Connect() error = %v, want ErrAuthorizationRequired", err)
	}
}

func TestConnect_TransientErrorIsNotAuthorization(t *testing.T) {
	c := NewConnector(credentialSourceFunc(func(context.Context, string, model.Purpose) (*model.CredentialBundle, error) {
		return nil, errors.New("database down")
	}), ConnectorConfig{}, nil)

	_, err := c.Connect(context.Background(), "u1")
	if err == nil || errors.Is(err, ErrAuthorizationRequired) {
		t.Errorf("Connect() error = %v, want non-authorization error", err)
	}
}

func TestConnect_BuildsWorkingGateway(t *testing.T) {
	api := &fakeCalendarAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	var gotPurpose model.Purpose
	c := NewConnector(credentialSourceFunc(func(_ context.Context, _ string, purpose model.Purpose) (*model.CredentialBundle, error) {
		gotPurpose = purpose
		return &model.CredentialBundle{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}, nil
	}), ConnectorConfig{
		Location:   kolkata(t),
		Endpoint:   srv.URL + "/calendar/v3/",
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}, nil)

	g, err := c.Connect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if gotPurpose != model.PurposeCalendar {
		t.Errorf("purpose = %q, want calendar", gotPurpose)
	}

	got, err := g.ListUpcoming(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListUpcoming() error = %v", err)
	}
	if got != "You have no upcoming events." {
		t.Errorf("ListUpcoming() = %q", got)
	}
}

// TestConnect_RevokedAtProviderDiscardsGrant はアクセストークンの期限内に
// ユーザーがGoogle側で認可を取り消した場合の扱いを検証する。
func TestConnect_RevokedAtProviderDiscardsGrant(t *testing.T) {
	srv := httptest.NewServer(&fakeCalendarAPI{failWith: http.StatusUnauthorized})
	defer srv.Close()

	creds := &discardingSource{credentialSourceFunc: func(context.Context, string, model.Purpose) (*model.CredentialBundle, error) {
		return &model.CredentialBundle{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	c := NewConnector(creds, ConnectorConfig{
		Location:   kolkata(t),
		Endpoint:   srv.URL + "/calendar/v3/",
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}, nil)

	g, err := c.Connect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err = g.ListUpcoming(context.Background(), 5)
	if !errors.Is(err, ErrAuthorizationRequired) {
		t.Fatalf("ListUpcoming() error = %v, want ErrAuthorizationRequired", err)
	}
	if len(creds.discarded) != 1 || creds.discarded[0] != "u1/calendar" {
		t.Errorf("discarded = %v, want [u1/calendar]", creds.discarded)
	}
}
