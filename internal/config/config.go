package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数（および任意の.envファイル）から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（空の場合はプロセス内のフローストアを使用する）
	RedisURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURLs  []string
	FlowTTL            time.Duration
	IdentityTimeout    time.Duration

	// Session
	SessionSecret string
	SessionMaxAge int

	// Assistant
	AssistantName      string
	AssistantTimezone  string
	ContextLength      int
	GeminiAPIKey       string
	ModelName          string
	ModelTimeout       time.Duration
	CalendarTimeout    time.Duration
	SearchTimeout      time.Duration
	SearchResultCount  int
	GoogleAPIKey       string
	GoogleCSEID        string
	ElevenLabsAPIKey   string
	ElevenLabsVoiceID  string
	SpeechTimeout      time.Duration
	PageFetchMaxSize   int64

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitChat    int

	// Retention
	ConversationRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()

	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		val := strings.TrimSpace(v.GetString(key))
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.GoogleClientID = required("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = required("GOOGLE_CLIENT_SECRET")
	cfg.OAuthRedirectURLs = splitList(required("OAUTH_REDIRECT_URLS"))
	cfg.SessionSecret = required("SESSION_SECRET")
	cfg.BaseURL = strings.TrimRight(required("BASE_URL"), "/")
	cfg.GeminiAPIKey = required("GEMINI_API_KEY")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString(v, "REDIS_URL", "")
	cfg.FlowTTL = getEnvDuration(v, "FLOW_TTL", 30*time.Minute)
	cfg.IdentityTimeout = getEnvDuration(v, "IDENTITY_TIMEOUT", 10*time.Second)
	cfg.SessionMaxAge = getEnvInt(v, "SESSION_MAX_AGE", 1800)
	cfg.AssistantName = getEnvString(v, "ASSISTANT_NAME", "Athen")
	cfg.AssistantTimezone = getEnvString(v, "ASSISTANT_TIMEZONE", "Asia/Kolkata")
	cfg.ContextLength = getEnvInt(v, "CONTEXT_LENGTH", 8)
	cfg.ModelName = getEnvString(v, "MODEL_NAME", "gemini-1.5-flash")
	cfg.ModelTimeout = getEnvDuration(v, "MODEL_TIMEOUT", 30*time.Second)
	cfg.CalendarTimeout = getEnvDuration(v, "CALENDAR_TIMEOUT", 15*time.Second)
	cfg.SearchTimeout = getEnvDuration(v, "SEARCH_TIMEOUT", 20*time.Second)
	cfg.SearchResultCount = getEnvInt(v, "SEARCH_RESULT_COUNT", 3)
	cfg.GoogleAPIKey = getEnvString(v, "GOOGLE_API_KEY", "")
	cfg.GoogleCSEID = getEnvString(v, "GOOGLE_CSE_ID", "")
	cfg.ElevenLabsAPIKey = getEnvString(v, "ELEVENLABS_API_KEY", "")
	cfg.ElevenLabsVoiceID = getEnvString(v, "VOICE_ID", "")
	cfg.SpeechTimeout = getEnvDuration(v, "SPEECH_TIMEOUT", 20*time.Second)
	cfg.PageFetchMaxSize = getEnvInt64(v, "PAGE_FETCH_MAX_SIZE", 2097152)
	cfg.RateLimitGeneral = getEnvInt(v, "RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitChat = getEnvInt(v, "RATE_LIMIT_CHAT", 30)
	cfg.ConversationRetentionDays = getEnvInt(v, "CONVERSATION_RETENTION_DAYS", 0)
	cfg.LogLevel = getEnvString(v, "LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString(v, "SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString(v, "COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigins = splitList(getEnvString(v, "CORS_ALLOWED_ORIGINS", "http://localhost:5000"))

	return cfg, nil
}

// SearchEnabled はWeb検索の資格情報が揃っているかを返す。
func (c *Config) SearchEnabled() bool {
	return c.GoogleAPIKey != "" && c.GoogleCSEID != ""
}

// SpeechEnabled は音声合成の資格情報が揃っているかを返す。
func (c *Config) SpeechEnabled() bool {
	return c.ElevenLabsAPIKey != "" && c.ElevenLabsVoiceID != ""
}

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvString(v *viper.Viper, key, defaultVal string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return defaultVal
}

func getEnvInt(v *viper.Viper, key string, defaultVal int) int {
	s := v.GetString(key)
	if s == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(v *viper.Viper, key string, defaultVal int64) int64 {
	s := v.GetString(key)
	if s == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	s := v.GetString(key)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
