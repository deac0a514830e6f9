package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/teamsync/internal/integration"
	"github.com/hitoshi/teamsync/internal/middleware"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/syncer"
	"github.com/hitoshi/teamsync/internal/trigger"
)

// Sanitizer はユーザーへ返すエラー文言から機密情報やマークアップを取り除く。
type Sanitizer interface {
	Sanitize(msg string) string
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeUnauthorized は認証情報が取得できない場合の401を書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     model.ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: model.CategoryAuth,
		Action:   "ログインしてください。",
	})
}

// handleSyncError は同期サービスから返されたエラーを適切なHTTPステータスコードに変換する。
// 想定外のエラーは詳細をログのみに記録する。
func handleSyncError(w http.ResponseWriter, logger *slog.Logger, sanitizer Sanitizer, name string, err error) {
	var frozen *trigger.FrozenError
	switch {
	case errors.As(err, &frozen):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewTeamFrozenError(frozen.Reason).ForIntegration(name))
	case errors.Is(err, trigger.ErrTeamFrozen):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewTeamFrozenError("").ForIntegration(name))
	case errors.Is(err, trigger.ErrTeamNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTeamNotFoundError())
	case errors.Is(err, integration.ErrUnknownIntegration):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownIntegrationError(name))
	case errors.Is(err, syncer.ErrInvalidMonth):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMonthError("").ForIntegration(name))
	case errors.Is(err, integration.ErrMissingCredentials):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingCredentialsError(name))
	default:
		logger.Error("手動同期に失敗しました",
			slog.String("integration", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSyncFailedError(sanitizer.Sanitize(err.Error())).ForIntegration(name))
	}
}
