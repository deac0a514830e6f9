package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/hitoshi/teamsync/internal/metricstore"
	"github.com/hitoshi/teamsync/internal/middleware"
	"github.com/hitoshi/teamsync/internal/model"
)

// TeamReader はユーザーのRLSコンテキストでチームのデータを読み取る。
type TeamReader interface {
	// ListMembers はチームの全メンバーをメトリクス付きで返す。
	ListMembers(ctx context.Context, userID, teamID int64) ([]*model.TeamMember, error)
	// ListSyncStates はチームの全同期状態を返す。
	ListSyncStates(ctx context.Context, userID, teamID int64) ([]*model.SyncState, error)
}

// IntegrationNames は登録済みの連携を判定する。
type IntegrationNames interface {
	Canonical(name string) (string, bool)
	Names() []string
}

// ReadHandler はメトリクスと同期状態の参照APIのHTTPハンドラー。
type ReadHandler struct {
	reader       TeamReader
	teams        TeamResolver
	integrations IntegrationNames
	logger       *slog.Logger
}

// NewReadHandler はReadHandlerを生成する。
func NewReadHandler(reader TeamReader, teams TeamResolver, integrations IntegrationNames, logger *slog.Logger) *ReadHandler {
	return &ReadHandler{
		reader:       reader,
		teams:        teams,
		integrations: integrations,
		logger:       logger,
	}
}

// syncStateResponse は同期状態のAPIレスポンス。
type syncStateResponse struct {
	Integration     string     `json:"integration"`
	Status          string     `json:"status"`
	IsSyncing       bool       `json:"is_syncing"`
	LastStartedAt   *time.Time `json:"last_started_at"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
	LastFailedAt    *time.Time `json:"last_failed_at"`
	LastError       string     `json:"last_error,omitempty"`
}

// GetMetrics はチームの集計済みメトリクスを返す。
// GET /api/metrics?month=&integration=&metric=
func (h *ReadHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := metricstore.Filter{
		Month:       q.Get("month"),
		Integration: q.Get("integration"),
		Metric:      q.Get("metric"),
	}
	if filter.Month != "" && !model.IsValidMonth(filter.Month) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("month はYYYY-MM形式で指定してください"))
		return
	}
	if filter.Integration != "" {
		name, ok := h.integrations.Canonical(filter.Integration)
		if !ok {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("未対応の integration です"))
			return
		}
		filter.Integration = name
	}

	userID, team, ok := h.resolveTeam(w, r)
	if !ok {
		return
	}
	members, err := h.reader.ListMembers(r.Context(), userID, team.ID)
	if err != nil {
		h.logger.Error("メンバーの取得に失敗しました",
			slog.Int64("team_id", team.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, metricstore.GetAggregatedMetrics(members, filter))
}

// ListSyncStates はチームの連携ごとの同期状態を返す。
// 同期履歴がない連携もidleとして含める。
// GET /api/sync-states
func (h *ReadHandler) ListSyncStates(w http.ResponseWriter, r *http.Request) {
	userID, team, ok := h.resolveTeam(w, r)
	if !ok {
		return
	}
	states, err := h.reader.ListSyncStates(r.Context(), userID, team.ID)
	if err != nil {
		h.logger.Error("同期状態の取得に失敗しました",
			slog.Int64("team_id", team.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	byName := make(map[string]*model.SyncState, len(states))
	for _, s := range states {
		byName[s.Integration] = s
	}
	for _, name := range h.integrations.Names() {
		if _, ok := byName[name]; !ok {
			byName[name] = &model.SyncState{TeamID: team.ID, Integration: name}
		}
	}

	results := make([]syncStateResponse, 0, len(byName))
	for _, s := range byName {
		results = append(results, toSyncStateResponse(s))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Integration < results[j].Integration })
	writeJSON(w, http.StatusOK, results)
}

func (h *ReadHandler) resolveTeam(w http.ResponseWriter, r *http.Request) (int64, *model.Team, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return 0, nil, false
	}
	team, err := h.teams.FindForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("所属チームの取得に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return 0, nil, false
	}
	if team == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTeamNotFoundError())
		return 0, nil, false
	}
	return userID, team, true
}

func toSyncStateResponse(s *model.SyncState) syncStateResponse {
	return syncStateResponse{
		Integration:     s.Integration,
		Status:          string(s.Status()),
		IsSyncing:       s.IsSyncing,
		LastStartedAt:   s.LastStartedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
		LastSyncedAt:    s.LastSyncedAt,
		LastFailedAt:    s.LastFailedAt,
		LastError:       s.LastError,
	}
}
