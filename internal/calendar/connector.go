package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/hitoshi/athen/internal/auth"
	"github.com/hitoshi/athen/internal/metrics"
	"github.com/hitoshi/athen/internal/model"
)

// ErrAuthorizationRequired はカレンダーの認可がないことを示す。
var ErrAuthorizationRequired = errors.New("calendar authorization required")

// CredentialSource はユーザー・用途ごとの有効な認可情報を返す。
// Discardはプロバイダー側で無効になった認可情報を捨てる。
type CredentialSource interface {
	Credentials(ctx context.Context, userID string, purpose model.Purpose) (*model.CredentialBundle, error)
	Discard(ctx context.Context, userID string, purpose model.Purpose)
}

var _ CredentialSource = (*auth.Manager)(nil)

// ConnectorConfig はConnectorの設定。
type ConnectorConfig struct {
	Location *time.Location
	Timeout  time.Duration

	// テスト用
	Endpoint   string
	HTTPClient *http.Client
}

// Connector はユーザーの認可情報からGatewayを組み立てる。
type Connector struct {
	creds   CredentialSource
	config  ConnectorConfig
	metrics metrics.Recorder
}

// NewConnector はConnectorを生成する。
func NewConnector(creds CredentialSource, config ConnectorConfig, rec metrics.Recorder) *Connector {
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Connector{creds: creds, config: config, metrics: rec}
}

// Connect はユーザーのカレンダーGatewayを返す。
// 認可がない、または更新できなかった場合はErrAuthorizationRequiredを返す。
func (c *Connector) Connect(ctx context.Context, userID string) (*Gateway, error) {
	bundle, err := c.creds.Credentials(ctx, userID, model.PurposeCalendar)
	if err != nil {
		if errors.Is(err, auth.ErrNoGrant) {
			return nil, ErrAuthorizationRequired
		}
		return nil, fmt.Errorf("failed to load calendar credentials: %w", err)
	}

	opts := []option.ClientOption{}
	if c.config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.config.HTTPClient))
	} else {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(bundle.Token())))
	}
	if c.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.config.Endpoint))
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	gw := NewGateway(svc, c.config.Location, c.config.Timeout, c.metrics)
	gw.onUnauthorized = func(ctx context.Context) {
		// 呼び出し側のタイムアウトが切れていても削除は行う
		c.creds.Discard(context.WithoutCancel(ctx), userID, model.PurposeCalendar)
		slog.Warn("calendar access was revoked at the provider", slog.String("user_id", userID))
	}
	return gw, nil
}
