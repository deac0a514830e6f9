package handler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/teamsync/internal/middleware"
	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/trigger"
)

// --- モック定義 ---

// mockSyncService はSyncServiceInterfaceのモック実装。
type mockSyncService struct {
	syncMonthFn func(ctx context.Context, userID, teamID int64, integration, month string) (*trigger.Result, error)
	fullSyncFn  func(ctx context.Context, userID, teamID int64, integration string) (*trigger.Result, error)
}

func (m *mockSyncService) SyncMonth(ctx context.Context, userID, teamID int64, integration, month string) (*trigger.Result, error) {
	if m.syncMonthFn != nil {
		return m.syncMonthFn(ctx, userID, teamID, integration, month)
	}
	return &trigger.Result{}, nil
}

func (m *mockSyncService) FullSync(ctx context.Context, userID, teamID int64, integration string) (*trigger.Result, error) {
	if m.fullSyncFn != nil {
		return m.fullSyncFn(ctx, userID, teamID, integration)
	}
	return &trigger.Result{}, nil
}

// mockTeamResolver はTeamResolverのモック実装。
type mockTeamResolver struct {
	findForUserFn func(ctx context.Context, userID int64) (*model.Team, error)
}

func (m *mockTeamResolver) FindForUser(ctx context.Context, userID int64) (*model.Team, error) {
	if m.findForUserFn != nil {
		return m.findForUserFn(ctx, userID)
	}
	return &model.Team{ID: 10, Name: "team"}, nil
}

// mockTeamReader はTeamReaderのモック実装。
type mockTeamReader struct {
	listMembersFn    func(ctx context.Context, userID, teamID int64) ([]*model.TeamMember, error)
	listSyncStatesFn func(ctx context.Context, userID, teamID int64) ([]*model.SyncState, error)
}

func (m *mockTeamReader) ListMembers(ctx context.Context, userID, teamID int64) ([]*model.TeamMember, error) {
	if m.listMembersFn != nil {
		return m.listMembersFn(ctx, userID, teamID)
	}
	return nil, nil
}

func (m *mockTeamReader) ListSyncStates(ctx context.Context, userID, teamID int64) ([]*model.SyncState, error) {
	if m.listSyncStatesFn != nil {
		return m.listSyncStatesFn(ctx, userID, teamID)
	}
	return nil, nil
}

// stubIntegrations は固定の連携名集合。
type stubIntegrations []string

func (s stubIntegrations) Canonical(name string) (string, bool) {
	for _, n := range s {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return "", false
}

func (s stubIntegrations) Names() []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// passthroughSanitizer は入力をそのまま返す。
type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(s string) string { return s }

// --- テストヘルパー ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID int64) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
