package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/teamsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 連携に紐づくエラーは対象の連携名を含み、retryableで再実行の可否を示す。
type ErrorResponseBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Category    string `json:"category"`
	Action      string `json:"action"`
	Integration string `json:"integration,omitempty"`
	Retryable   bool   `json:"retryable"`
}

// WriteErrorResponse はAPIErrorを統一フォーマットで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:        apiErr.Code,
		Message:     apiErr.Message,
		Category:    apiErr.Category,
		Action:      apiErr.Action,
		Integration: apiErr.Integration,
		Retryable:   apiErr.Retryable(),
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternalServerError,
		Message:  "内部エラーが発生しました。",
		Category: model.CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	})
}
