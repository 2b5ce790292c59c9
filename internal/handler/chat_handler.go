package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/athen/internal/chat"
	"github.com/hitoshi/athen/internal/middleware"
	"github.com/hitoshi/athen/internal/model"
)

// ChatServiceInterface はチャットハンドラーが必要とするサービスインターフェース。
type ChatServiceInterface interface {
	Turn(ctx context.Context, req chat.Request) (*chat.Result, error)
	History(ctx context.Context, userID string) ([]*model.Message, error)
	ClearHistory(ctx context.Context, userID string) error
}

var _ ChatServiceInterface = (*chat.Service)(nil)

// ChatHandler はチャット関連のHTTPハンドラー。
type ChatHandler struct {
	service ChatServiceInterface
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface) *ChatHandler {
	return &ChatHandler{service: service}
}

type chatRequest struct {
	Message        string `json:"message"`
	IsSpeech       bool   `json:"is_speech"`
	FrontendOrigin string `json:"frontend_origin"`
}

type chatResponse struct {
	Response  string `json:"response"`
	EventLink string `json:"event_link,omitempty"`
	WebLink   string `json:"web_link,omitempty"`
	AuthURL   string `json:"auth_url,omitempty"`
	Audio     string `json:"audio,omitempty"`
}

// Chat はユーザーの発話を処理して返答を返す。
// POST /api/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginRequiredError())
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON"))
		return
	}

	result, err := h.service.Turn(r.Context(), chat.Request{
		UserID:   userID,
		Message:  req.Message,
		IsSpeech: req.IsSpeech,
		Origin:   requestOrigin(r, req.FrontendOrigin),
	})
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMessageRequiredError())
			return
		}
		slog.Error("chat turn failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:  result.Reply.Text,
		EventLink: result.Reply.EventLink,
		WebLink:   result.Reply.SearchLink,
		AuthURL:   result.Reply.AuthorizationURL,
		Audio:     result.Audio,
	})
}

// History は今日の会話ログを返す。
// GET /api/conversation_history
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginRequiredError())
		return
	}

	msgs, err := h.service.History(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load conversation history",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_history": msgs})
}

// ClearHistory は会話ログとリマインダーを削除する。
// POST /api/clear_chat_history
func (h *ChatHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginRequiredError())
		return
	}

	if err := h.service.ClearHistory(r.Context(), userID); err != nil {
		slog.Error("failed to clear chat history",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat history and reminders cleared successfully"})
}
