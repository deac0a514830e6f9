package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/teamsync/internal/middleware"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/syncstate"
	"github.com/hitoshi/teamsync/internal/trigger"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	// SyncMonth は指定月のみを同期する。
	SyncMonth(ctx context.Context, userID, teamID int64, integration, month string) (*trigger.Result, error)
	// FullSync は当月から過去12か月分を同期する。
	FullSync(ctx context.Context, userID, teamID int64, integration string) (*trigger.Result, error)
}

// TeamResolver はリクエストユーザーの所属チームを解決する。
type TeamResolver interface {
	FindForUser(ctx context.Context, userID int64) (*model.Team, error)
}

// SyncHandler は手動同期のHTTPハンドラー。
type SyncHandler struct {
	service   SyncServiceInterface
	teams     TeamResolver
	sanitizer Sanitizer
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncServiceInterface, teams TeamResolver, sanitizer Sanitizer, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		service:   service,
		teams:     teams,
		sanitizer: sanitizer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// syncMonthRequest は単月同期リクエストのボディ。
type syncMonthRequest struct {
	Month string `json:"month" validate:"required,datetime=2006-01"`
}

// syncResponse は手動同期のAPIレスポンス。
type syncResponse struct {
	Integration     string `json:"integration"`
	Status          string `json:"status"`
	MonthsProcessed int    `json:"months_processed"`
	RecordsFetched  int    `json:"records_fetched"`
	MembersUpdated  int    `json:"members_updated"`
	DroppedValues   int    `json:"dropped_values"`
}

// SyncMonth は単月同期を処理する。
// POST /api/integrations/{integration}/sync-month
func (h *SyncHandler) SyncMonth(w http.ResponseWriter, r *http.Request) {
	var req syncMonthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディが不正です。",
			Category: model.CategoryValidation,
			Action:   `{"month": "YYYY-MM"} の形式で送信してください。`,
		})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMonthError(req.Month))
		return
	}

	h.run(w, r, func(ctx context.Context, userID, teamID int64, name string) (*trigger.Result, error) {
		return h.service.SyncMonth(ctx, userID, teamID, name, req.Month)
	})
}

// FullSync は全期間同期を処理する。
// POST /api/integrations/{integration}/full-sync
func (h *SyncHandler) FullSync(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.service.FullSync)
}

type syncFunc func(ctx context.Context, userID, teamID int64, integration string) (*trigger.Result, error)

// run はユーザーとチームを解決して同期を実行し、結果をレスポンスに変換する。
func (h *SyncHandler) run(w http.ResponseWriter, r *http.Request, fn syncFunc) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	name := chi.URLParam(r, "integration")

	team, err := h.teams.FindForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("所属チームの取得に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if team == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTeamNotFoundError())
		return
	}

	res, err := fn(r.Context(), userID, team.ID, name)
	if err != nil {
		handleSyncError(w, h.logger, h.sanitizer, name, err)
		return
	}
	resp := syncResponse{Integration: name, Status: string(res.Outcome)}
	// 同じ連携の同期が実行中の場合は新たな取得を行わず、そのまま成功として返す
	if res.Outcome == syncstate.OutcomeSkipped {
		resp.Status = "in_progress"
	}
	if res.Sync != nil {
		if res.Sync.Skipped {
			resp.Status = "disabled"
		}
		resp.MonthsProcessed = res.Sync.MonthsProcessed
		resp.RecordsFetched = res.Sync.RecordsFetched
		resp.MembersUpdated = res.Sync.MembersUpdated
		resp.DroppedValues = res.Sync.DroppedValues
	}
	writeJSON(w, http.StatusOK, resp)
}
