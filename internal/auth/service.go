// Package auth はOAuth認可情報の管理、認可フロー、セッション管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/hitoshi/athen/internal/flowstate"
	"github.com/hitoshi/athen/internal/metrics"
	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/repository"
	"github.com/hitoshi/athen/internal/security"
)

const (
	stateBytes     = 32
	sessionIDBytes = 32

	guestAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	guestSuffixLen = 6
	maxGuestName   = 64
)

var (
	// ErrUnknownState はstateが不明・期限切れ・使用済みであることを示す。
	ErrUnknownState = errors.New("unknown or expired state")
	// ErrLoginRequired はログインが必要な操作であることを示す。
	ErrLoginRequired = errors.New("login required")
	// ErrAuthorizationDenied はIdP側でユーザーが認可を拒否したことを示す。
	ErrAuthorizationDenied = errors.New("authorization denied by user")
	// ErrMissingCode はコールバックに認可コードが含まれないことを示す。
	ErrMissingCode = errors.New("authorization code missing")
	// ErrSessionNotFound はセッションが存在しないか期限切れであることを示す。
	ErrSessionNotFound = errors.New("session not found or expired")
)

// Authorizer は認可フローが利用する認可マネージャーの操作。
type Authorizer interface {
	AuthorizationURL(purpose model.Purpose, state, origin string) (authURL, redirectURL string, err error)
	ExchangeCode(ctx context.Context, purpose model.Purpose, redirectURL, code string) (*model.CredentialBundle, error)
	Store(ctx context.Context, userID string, purpose model.Purpose, bundle *model.CredentialBundle) error
	UserIdentity(ctx context.Context, bundle *model.CredentialBundle) (*model.Identity, error)
	HasGrant(ctx context.Context, userID string, purpose model.Purpose) (bool, error)
	Revoke(ctx context.Context, userID string, purpose model.Purpose) error
}

var _ Authorizer = (*Manager)(nil)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int           // セッション有効期間（秒）
	FlowTTL       time.Duration // 認可フローstateの有効期間
}

// FlowStart は開始した認可フローの情報。
type FlowStart struct {
	AuthorizationURL string
	State            string
}

// CallbackParams はOAuthコールバックで受け取る値。
type CallbackParams struct {
	State string
	Code  string
	Error string
	// SessionUserID はコールバック時点でログインしているユーザー。未ログインなら空。
	SessionUserID string
}

// CallbackResult はコールバック処理の結果。
// ログイン用途の場合のみSessionが発行される。
type CallbackResult struct {
	Purpose model.Purpose
	Origin  string
	User    *model.User
	Session *model.Session
}

// Service は認可フローとセッションに関するビジネスロジックを提供する。
type Service struct {
	authz       Authorizer
	flows       flowstate.Store
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	metrics     metrics.Recorder
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	authz Authorizer,
	flows flowstate.Store,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	rec metrics.Recorder,
	config ServiceConfig,
) *Service {
	if config.FlowTTL <= 0 {
		config.FlowTTL = 30 * time.Minute
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		authz:       authz,
		flows:       flows,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		metrics:     rec,
		config:      config,
		now:         time.Now,
	}
}

// BeginLogin はログイン用の認可フローを開始する。
func (s *Service) BeginLogin(ctx context.Context, origin string) (*FlowStart, error) {
	return s.begin(ctx, model.PurposeLogin, "", origin)
}

// BeginCalendarGrant はカレンダー用の認可フローを開始する。ログイン済みである必要がある。
func (s *Service) BeginCalendarGrant(ctx context.Context, userID, origin string) (*FlowStart, error) {
	if userID == "" {
		return nil, ErrLoginRequired
	}
	return s.begin(ctx, model.PurposeCalendar, userID, origin)
}

// CalendarAuthorizationURL はアシスタントの返答に含めるカレンダー認可URLを返す。
func (s *Service) CalendarAuthorizationURL(ctx context.Context, userID, origin string) (string, error) {
	start, err := s.BeginCalendarGrant(ctx, userID, origin)
	if err != nil {
		return "", err
	}
	return start.AuthorizationURL, nil
}

func (s *Service) begin(ctx context.Context, purpose model.Purpose, userID, origin string) (*FlowStart, error) {
	state, err := security.RandomToken(stateBytes)
	if err != nil {
		return nil, err
	}

	authURL, redirectURL, err := s.authz.AuthorizationURL(purpose, state, origin)
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization URL: %w", err)
	}

	rec := &model.FlowRecord{
		Purpose:     purpose,
		Origin:      origin,
		RedirectURL: redirectURL,
		UserID:      userID,
		IssuedAt:    s.now(),
	}
	if err := s.flows.Put(ctx, state, rec, s.config.FlowTTL); err != nil {
		return nil, fmt.Errorf("failed to save flow state: %w", err)
	}

	slog.Info("authorization flow started",
		slog.String("purpose", string(purpose)),
		slog.String("user_id", userID),
	)
	return &FlowStart{AuthorizationURL: authURL, State: state}, nil
}

// CompleteCallback はOAuthコールバックを処理する。
// stateは最初に取り出して消費するため、同じstateでの再実行は常にErrUnknownStateになる。
func (s *Service) CompleteCallback(ctx context.Context, params CallbackParams) (*CallbackResult, error) {
	// 1. stateを原子的に取り出す
	if params.State == "" {
		return nil, ErrUnknownState
	}
	rec, err := s.flows.Pop(ctx, params.State)
	if err != nil {
		return nil, fmt.Errorf("failed to pop flow state: %w", err)
	}
	if rec == nil {
		s.metrics.RecordOAuthCallback("unknown", "state_mismatch")
		return nil, ErrUnknownState
	}

	result, err := s.complete(ctx, rec, params)
	if err != nil {
		s.metrics.RecordOAuthCallback(string(rec.Purpose), "error")
		return nil, err
	}
	s.metrics.RecordOAuthCallback(string(rec.Purpose), "ok")
	return result, nil
}

func (s *Service) complete(ctx context.Context, rec *model.FlowRecord, params CallbackParams) (*CallbackResult, error) {
	// 2. IdPからのエラー・コード欠落を確認
	if params.Error != "" {
		slog.Info("authorization denied",
			slog.String("purpose", string(rec.Purpose)),
			slog.String("error", params.Error),
		)
		return nil, ErrAuthorizationDenied
	}
	if params.Code == "" {
		return nil, ErrMissingCode
	}

	switch rec.Purpose {
	case model.PurposeLogin:
		return s.completeLogin(ctx, rec, params.Code)
	case model.PurposeCalendar:
		return s.completeCalendar(ctx, rec, params)
	default:
		return nil, fmt.Errorf("unknown flow purpose: %q", rec.Purpose)
	}
}

func (s *Service) completeLogin(ctx context.Context, rec *model.FlowRecord, code string) (*CallbackResult, error) {
	// 3. 認可コードを交換
	bundle, err := s.authz.ExchangeCode(ctx, model.PurposeLogin, rec.RedirectURL, code)
	if err != nil {
		return nil, err
	}

	// 4. ユーザー情報を取得
	identity, err := s.authz.UserIdentity(ctx, bundle)
	if err != nil {
		return nil, err
	}

	// 5. ユーザーをupsert（ゲスト属性は解除される）
	user, err := s.userRepo.UpsertByIdentity(ctx, identity, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	// 6. 認可情報を保存
	if err := s.authz.Store(ctx, user.ID, model.PurposeLogin, bundle); err != nil {
		return nil, err
	}

	// 7. セッションを発行
	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("email", user.EmailOrEmpty()),
	)
	return &CallbackResult{Purpose: model.PurposeLogin, Origin: rec.Origin, User: user, Session: session}, nil
}

func (s *Service) completeCalendar(ctx context.Context, rec *model.FlowRecord, params CallbackParams) (*CallbackResult, error) {
	// フロー開始時と同じユーザーがログインしていること
	if params.SessionUserID == "" || params.SessionUserID != rec.UserID {
		return nil, ErrLoginRequired
	}

	user, err := s.userRepo.FindByID(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrLoginRequired
	}

	bundle, err := s.authz.ExchangeCode(ctx, model.PurposeCalendar, rec.RedirectURL, params.Code)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Store(ctx, user.ID, model.PurposeCalendar, bundle); err != nil {
		return nil, err
	}

	slog.Info("calendar access granted", slog.String("user_id", user.ID))
	return &CallbackResult{Purpose: model.PurposeCalendar, Origin: rec.Origin, User: user}, nil
}

// GuestLogin はゲストユーザーを作成してセッションを発行する。
// 名前が空の場合はランダムな名前を付ける。
func (s *Service) GuestLogin(ctx context.Context, name string) (*model.User, *model.Session, error) {
	name = truncateRunes(strings.TrimSpace(name), maxGuestName)
	if name == "" {
		suffix, err := gonanoid.Generate(guestAlphabet, guestSuffixLen)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate guest name: %w", err)
		}
		name = "Guest-" + suffix
	}

	user, err := s.userRepo.CreateGuest(ctx, name, s.now())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create guest: %w", err)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("guest logged in", slog.String("user_id", user.ID))
	return user, session, nil
}

// truncateRunes は文字単位でmax文字に切り詰める。
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:max]))
}

// Logout はセッションを破棄し、保存済みの認可情報を失効させる。
// 途中で失敗しても処理を続け、ログに残すだけでエラーは返さない。
func (s *Service) Logout(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}

	// 期限切れのセッションでもユーザーの認可情報は消す
	session, err := s.sessionRepo.FindByIDIncludingExpired(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to load session on logout", slog.String("error", err.Error()))
	}

	if session != nil {
		for _, purpose := range []model.Purpose{model.PurposeLogin, model.PurposeCalendar} {
			if err := s.authz.Revoke(ctx, session.UserID, purpose); err != nil {
				slog.Warn("failed to revoke credentials on logout",
					slog.String("user_id", session.UserID),
					slog.String("purpose", string(purpose)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		slog.Warn("failed to delete session on logout", slog.String("error", err.Error()))
		return
	}

	slog.Info("user logged out")
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrSessionNotFound
	}

	return user, nil
}

// CalendarAuthorized はユーザーがカレンダーへのアクセスを許可済みかを返す。
func (s *Service) CalendarAuthorized(ctx context.Context, userID string) (bool, error) {
	return s.authz.HasGrant(ctx, userID, model.PurposeCalendar)
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := security.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}
