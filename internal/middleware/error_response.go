package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/athen/internal/model"
)

// ErrorResponseBody はAPIエラーのJSON表現。
// フロントエンドはerrorをそのまま表示し、codeで分岐する。
type ErrorResponseBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// codeStatus はエラーコードごとの既定HTTPステータス。
var codeStatus = map[string]int{
	model.ErrCodeInvalidRequest:    http.StatusBadRequest,
	model.ErrCodeMessageRequired:   http.StatusBadRequest,
	model.ErrCodeStateMismatch:     http.StatusBadRequest,
	model.ErrCodeAuthorizationFail: http.StatusBadRequest,
	model.ErrCodeLoginRequired:     http.StatusUnauthorized,
	model.ErrCodeCSRFFailed:        http.StatusForbidden,
	model.ErrCodeUserNotFound:      http.StatusNotFound,
	model.ErrCodeRateLimited:       http.StatusTooManyRequests,
	model.ErrCodeInternal:          http.StatusInternalServerError,
}

// StatusForCode はエラーコードの既定ステータスを返す。未知のコードは500。
func StatusForCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteAPIError はエラーコードから決まるステータスでapiErrを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
}

// WriteErrorResponse はステータスを明示してapiErrを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Error:    apiErr.Message,
		Code:     apiErr.Code,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は詳細を伏せた500を書き込む。原因はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, model.NewInternalError())
}
