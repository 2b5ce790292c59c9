// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, assistant, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeMessageRequired   = "MESSAGE_REQUIRED"
	ErrCodeStateMismatch     = "STATE_MISMATCH"
	ErrCodeLoginRequired     = "LOGIN_REQUIRED"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeAuthorizationFail = "AUTHORIZATION_FAILED"
	ErrCodeCSRFFailed        = "CSRF_FAILED"
	ErrCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディ不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and try again.",
	}
}

// NewMessageRequiredError はチャットメッセージが空の場合のエラーを生成する。
func NewMessageRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeMessageRequired,
		Message:  "No message provided.",
		Category: "validation",
		Action:   "Type or say something to the assistant.",
	}
}

// NewStateMismatchError はOAuthのstateが不明・期限切れ・使用済みの場合のエラーを生成する。
func NewStateMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeStateMismatch,
		Message:  "State mismatch or expired. Try logging in again.",
		Category: "auth",
		Action:   "Start the sign-in again from the app.",
	}
}

// NewLoginRequiredError は未ログイン状態でログイン必須の操作をした場合のエラーを生成する。
func NewLoginRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginRequired,
		Message:  "You need to sign in first.",
		Category: "auth",
		Action:   "Sign in with Google before connecting your calendar.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewAuthorizationFailedError は認可フローが完了できなかった場合のエラーを生成する。
func NewAuthorizationFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthorizationFail,
		Message:  fmt.Sprintf("Authorization failed: %s", reason),
		Category: "auth",
		Action:   "Try again in a moment.",
	}
}

// NewCSRFError はCSRFトークン検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}

// NewRateLimitError はレート制限超過のエラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Wait a moment and retry after the time in the Retry-After header.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please try again in a moment.",
	}
}

// UserError はユーザーにそのまま提示できるメッセージを持つエラー。
// ゲートウェイ層の失敗をアシスタントの返答へ変換する際に使用する。
type UserError struct {
	Message string
	Err     error
}

// NewUserError はUserErrorを生成する。
func NewUserError(message string, cause error) *UserError {
	return &UserError{Message: message, Err: cause}
}

// Error はerrorインターフェースを実装する。
func (e *UserError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *UserError) Unwrap() error {
	return e.Err
}
