package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/athen/internal/assistant"
	"github.com/hitoshi/athen/internal/auth"
	"github.com/hitoshi/athen/internal/calendar"
	"github.com/hitoshi/athen/internal/chat"
	"github.com/hitoshi/athen/internal/config"
	"github.com/hitoshi/athen/internal/conversation"
	"github.com/hitoshi/athen/internal/database"
	"github.com/hitoshi/athen/internal/flowstate"
	"github.com/hitoshi/athen/internal/handler"
	"github.com/hitoshi/athen/internal/llm"
	"github.com/hitoshi/athen/internal/logger"
	"github.com/hitoshi/athen/internal/metrics"
	"github.com/hitoshi/athen/internal/middleware"
	"github.com/hitoshi/athen/internal/reminder"
	"github.com/hitoshi/athen/internal/repository"
	"github.com/hitoshi/athen/internal/search"
	"github.com/hitoshi/athen/internal/security"
	"github.com/hitoshi/athen/internal/speech"
	"github.com/hitoshi/athen/internal/worker/cleanup"
)

const (
	cleanupInterval  = 24 * time.Hour
	pageFetchTimeout = 10 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// help と healthcheck は設定を必要としないため、フル初期化をスキップする
	if !cmd.needsConfig() {
		if cmd == CommandHelp {
			Usage(w)
			return nil
		}
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openFlowStore はREDIS_URLが設定されていればRedis、なければプロセス内のストアを返す。
// 戻り値のclose関数は必ず呼び出すこと。
func openFlowStore(cfg *config.Config) (flowstate.Store, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL is not set; authorization flows are kept in process memory")
		return flowstate.NewMemoryStore(), func() {}, nil
	}

	client, err := flowstate.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return flowstate.NewRedisStore(client), func() { client.Close() }, nil
}

// server はserveモードで組み立てたコンポーネント。
type server struct {
	handler     http.Handler
	rateLimiter *middleware.RateLimiter
	closers     []func()
}

func (s *server) close() {
	s.rateLimiter.Stop()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildServer は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
func buildServer(ctx context.Context, cfg *config.Config, db *sqlx.DB) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		for i := len(srv.closers) - 1; i >= 0; i-- {
			srv.closers[i]()
		}
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.AssistantTimezone)
	if err != nil {
		return fail(fmt.Errorf("failed to load timezone %q: %w", cfg.AssistantTimezone, err))
	}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	// 2. セキュリティ
	cipher, err := security.NewTokenCipher(cfg.SessionSecret)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize token cipher: %w", err))
	}
	guard := security.NewSSRFGuard()

	// 3. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	credentialRepo := repository.NewPostgresCredentialRepo(db, cipher)
	conversationRepo := repository.NewPostgresConversationRepo(db)
	reminderRepo := repository.NewPostgresReminderRepo(db)

	// 4. 認可
	flows, closeFlows, err := openFlowStore(cfg)
	if err != nil {
		return fail(err)
	}
	srv.closers = append(srv.closers, closeFlows)

	manager := auth.NewManager(auth.ManagerConfig{
		ClientID:        cfg.GoogleClientID,
		ClientSecret:    cfg.GoogleClientSecret,
		RedirectURLs:    cfg.OAuthRedirectURLs,
		IdentityTimeout: cfg.IdentityTimeout,
	}, credentialRepo, sessionRepo, rec)
	authService := auth.NewService(manager, flows, userRepo, sessionRepo, rec, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		FlowTTL:       cfg.FlowTTL,
	})

	// 5. 言語モデル
	gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.ModelName)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize language model: %w", err))
	}
	srv.closers = append(srv.closers, func() { gemini.Close() })
	model := llm.Instrument(gemini, rec)

	// 6. アシスタント
	conversations := conversation.NewService(conversationRepo, loc, cfg.ContextLength)
	reminders := reminder.NewService(reminderRepo)
	connector := calendar.NewConnector(manager, calendar.ConnectorConfig{
		Location: loc,
		Timeout:  cfg.CalendarTimeout,
	}, rec)

	deps := assistant.Deps{
		Model:     model,
		History:   conversations,
		Calendars: assistant.ConnectorOpener{Connector: connector},
		Linker:    authService,
		Reminders: reminders,
		Metrics:   rec,
	}
	if cfg.SearchEnabled() {
		index, err := search.NewCSEIndex(ctx, cfg.GoogleAPIKey, cfg.GoogleCSEID)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize search index: %w", err))
		}
		pages := search.NewPageFetcher(guard, pageFetchTimeout, cfg.PageFetchMaxSize)
		deps.Search = search.NewGateway(index, pages, model, search.Config{
			ResultCount: cfg.SearchResultCount,
			Timeout:     cfg.SearchTimeout,
		}, rec)
	} else {
		slog.Warn("GOOGLE_API_KEY or GOOGLE_CSE_ID is not set; web search is disabled")
	}

	dispatcher := assistant.NewDispatcher(deps, assistant.Config{
		Name:     cfg.AssistantName,
		Location: loc,
		Timeout:  cfg.ModelTimeout,
	})

	// 7. チャット
	var synth speech.Synthesizer
	if cfg.SpeechEnabled() {
		synth = speech.NewElevenLabs(speech.Config{
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.ElevenLabsVoiceID,
			Timeout: cfg.SpeechTimeout,
		}, rec)
	} else {
		slog.Warn("ELEVENLABS_API_KEY or VOICE_ID is not set; speech synthesis is disabled")
	}
	chatService := chat.NewService(dispatcher, conversations, reminders, synth)

	// 8. ルーター
	srv.rateLimiter = middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitChat))
	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		Metrics:        rec,
		SessionFinder:  sessionRepo,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:    srv.rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		ChatService: chatService,

		DB:             db,
		MetricsHandler: metrics.Handler(reg),
	})

	return srv, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 依存関係のワイヤリング
	srv, err := buildServer(context.Background(), cfg, db)
	if err != nil {
		return err
	}
	defer srv.close()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クリーンアップジョブを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	job := cleanup.NewCleanupJob(db, slog.Default(), cfg.ConversationRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanupInterval),
		slog.Int("retention_days", cfg.ConversationRetentionDays),
	)

	// 3. クリーンアップをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("changed", status.Changed),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
