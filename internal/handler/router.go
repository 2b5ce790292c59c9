package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/athen/internal/metrics"
	"github.com/hitoshi/athen/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger         *slog.Logger
	Metrics        metrics.Recorder
	SessionFinder  middleware.SessionFinder
	AllowedOrigins []string
	RateLimiter    *middleware.RateLimiter
	CSRF           middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// チャット
	ChatService ChatServiceInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS
//	/api（csrf-token以外）: CSRF
//	認証が必要なルート: Session → RateLimit(General)
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, rec))
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	chatHandler := NewChatHandler(deps.ChatService)
	healthHandler := NewHealthHandler(deps.DB)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

			// --- 認証不要のルート ---
			r.Post("/auth/google/login", authHandler.Login)
			r.With(middleware.NewOptionalSessionMiddleware(deps.SessionFinder)).
				Get("/auth/google/callback", authHandler.Callback)
			r.Post("/auth/guest", authHandler.Guest)
			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/session", authHandler.Session)
			r.Get("/auth_status", authHandler.Status)

			// --- 認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
				r.Use(deps.RateLimiter.GeneralMiddleware())

				r.Post("/auth/google/calendar", authHandler.CalendarGrant)

				// POST /api/chat - チャット専用のレート制限を追加
				r.With(deps.RateLimiter.ChatMiddleware()).Post("/chat", chatHandler.Chat)
				r.Get("/conversation_history", chatHandler.History)
				r.Post("/clear_chat_history", chatHandler.ClearHistory)
			})
		})
	})

	return r
}
