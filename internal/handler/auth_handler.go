// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/athen/internal/auth"
	"github.com/hitoshi/athen/internal/middleware"
	"github.com/hitoshi/athen/internal/model"
)

// callbackPage はOAuth完了後にフロントエンドが表示するページ。
const callbackPage = "/callback.html"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(ctx context.Context, origin string) (*auth.FlowStart, error)
	BeginCalendarGrant(ctx context.Context, userID, origin string) (*auth.FlowStart, error)
	CompleteCallback(ctx context.Context, params auth.CallbackParams) (*auth.CallbackResult, error)
	GuestLogin(ctx context.Context, name string) (*model.User, *model.Session, error)
	Logout(ctx context.Context, sessionID string)
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
	CalendarAuthorized(ctx context.Context, userID string) (bool, error)
}

var _ AuthServiceInterface = (*auth.Service)(nil)

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はOAuth認証・セッション関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type beginFlowRequest struct {
	FrontendOrigin string `json:"frontend_origin"`
}

type beginFlowResponse struct {
	AuthURL string `json:"authUrl"`
}

type userResponse struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Email                string `json:"email,omitempty"`
	Picture              string `json:"picture,omitempty"`
	IsGuest              bool   `json:"isGuest"`
	IsCalendarAuthorized bool   `json:"isCalendarAuthorized"`
}

// Login はログイン用のGoogle認可URLを発行する。
// POST /api/auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req beginFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON"))
		return
	}

	flow, err := h.service.BeginLogin(r.Context(), requestOrigin(r, req.FrontendOrigin))
	if err != nil {
		h.writeBeginError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginFlowResponse{AuthURL: flow.AuthorizationURL})
}

// CalendarGrant はカレンダー連携用のGoogle認可URLを発行する。ログイン必須。
// POST /api/auth/google/calendar
func (h *AuthHandler) CalendarGrant(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginRequiredError())
		return
	}

	var req beginFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON"))
		return
	}

	flow, err := h.service.BeginCalendarGrant(r.Context(), userID, requestOrigin(r, req.FrontendOrigin))
	if err != nil {
		h.writeBeginError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginFlowResponse{AuthURL: flow.AuthorizationURL})
}

func (h *AuthHandler) writeBeginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrLoginRequired):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginRequiredError())
	case errors.Is(err, auth.ErrRedirectNotAllowed):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewAuthorizationFailedError("no redirect target is configured for this origin"))
	default:
		slog.Error("failed to begin authorization flow", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// Callback はOAuthコールバックを処理する。
// GET /api/auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionUserID, _ := middleware.UserIDFromContext(r.Context())

	// 1. stateの消費と認可コードの交換
	result, err := h.service.CompleteCallback(r.Context(), auth.CallbackParams{
		State:         q.Get("state"),
		Code:          q.Get("code"),
		Error:         q.Get("error"),
		SessionUserID: sessionUserID,
	})
	if err != nil {
		h.writeCallbackError(w, r, err)
		return
	}

	// 2. ログインの場合はセッションCookieを設定（HTTP Only）
	if result.Session != nil {
		h.setSessionCookie(w, result.Session.ID)
	}

	// 3. フロントエンドのコールバックページにリダイレクト
	http.Redirect(w, r, h.callbackURL(""), http.StatusFound)
}

func (h *AuthHandler) writeCallbackError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnknownState):
		slog.Warn("oauth callback with unknown state")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewStateMismatchError())
	case errors.Is(err, auth.ErrAuthorizationDenied):
		http.Redirect(w, r, h.callbackURL("access_denied"), http.StatusFound)
	case errors.Is(err, auth.ErrMissingCode):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewAuthorizationFailedError("missing authorization code"))
	case errors.Is(err, auth.ErrLoginRequired):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginRequiredError())
	default:
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// callbackURL はBASE_URLのコールバックページURLを返す。
func (h *AuthHandler) callbackURL(errCode string) string {
	target := strings.TrimRight(h.config.BaseURL, "/") + callbackPage
	if errCode != "" {
		target += "?error=" + url.QueryEscape(errCode)
	}
	return target
}

type guestRequest struct {
	Name string `json:"name"`
}

// Guest はゲストユーザーを作成してログインさせる。
// POST /api/auth/guest
func (h *AuthHandler) Guest(w http.ResponseWriter, r *http.Request) {
	var req guestRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON"))
		return
	}

	user, session, err := h.service.GuestLogin(r.Context(), req.Name)
	if err != nil {
		slog.Error("guest login failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.setSessionCookie(w, session.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(user, false)})
}

// Logout はセッションと認可情報を破棄する。失敗してもCookieはクリアする。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		h.service.Logout(r.Context(), cookie.Value)
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// Session は現在のユーザーを返す。未ログインの場合はuser: null。
// GET /api/auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(r)
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// Status はログイン状態を返す。
// GET /api/auth_status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(r)
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": user})
}

// currentUser はCookieのセッションからユーザー情報を組み立てる。無効な場合はnil。
func (h *AuthHandler) currentUser(r *http.Request) *userResponse {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, auth.ErrSessionNotFound) {
			slog.Error("failed to get current user", slog.String("error", err.Error()))
		}
		return nil
	}

	calendar, err := h.service.CalendarAuthorized(r.Context(), user.ID)
	if err != nil {
		slog.Warn("failed to check calendar authorization",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	resp := toUserResponse(user, calendar)
	return &resp
}

func toUserResponse(u *model.User, calendarAuthorized bool) userResponse {
	return userResponse{
		ID:                   u.ID,
		Name:                 u.Name,
		Email:                u.EmailOrEmpty(),
		Picture:              u.Picture,
		IsGuest:              u.IsGuest,
		IsCalendarAuthorized: calendarAuthorized,
	}
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
