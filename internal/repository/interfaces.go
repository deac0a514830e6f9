// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/teamsync/internal/model"
)

// DBTX は*sql.DBと*sql.Txの共通インターフェース。
// RLSコンテキストを設定したトランザクション内でも同じリポジトリ実装を使えるようにする。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TeamRepository はチームデータの参照インターフェース。
type TeamRepository interface {
	// FindByID は指定IDのチームを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Team, error)

	// ListAll は全チームをID昇順で返す。スロット割り当ての順序はこの並びに依存する。
	ListAll(ctx context.Context) ([]*model.Team, error)

	// FindForUser はユーザーが所属するチームを返す。所属がない場合はnilを返す。
	FindForUser(ctx context.Context, userID int64) (*model.Team, error)
}

// MemberRepository はチームメンバーとメトリクスの永続化インターフェース。
type MemberRepository interface {
	// ListByTeam はチームの全メンバーをエイリアスとメトリクス付きで返す。
	ListByTeam(ctx context.Context, teamID int64) ([]*model.TeamMember, error)

	// UpdateMetrics はメンバーのメトリクスJSONを置き換える。
	UpdateMetrics(ctx context.Context, teamID, memberID int64, metrics model.MonthlyMetrics) error
}

// SettingsRepository は連携設定の参照インターフェース。
type SettingsRepository interface {
	// FindByTeamID はチームの連携設定を返す。行が存在しない場合はnilを返す。
	// 暗号化フィールドは暗号文のまま返す。
	FindByTeamID(ctx context.Context, teamID int64) (*model.Settings, error)
}

// SyncStateRepository は同期状態の永続化インターフェース。
// 全操作は (team_id, integration) をキーとする単一行UPSERTで行う。
type SyncStateRepository interface {
	// Find は同期状態を返す。行が存在しない場合はnilを返す。
	Find(ctx context.Context, teamID int64, integration string) (*model.SyncState, error)

	// ListByTeam はチームの全同期状態を返す。
	ListByTeam(ctx context.Context, teamID int64) ([]*model.SyncState, error)

	// TryMarkStart は実行中でない場合に限りis_syncing=trueに遷移させる。
	// 条件付きUPSERTで行うため、同時に呼ばれても成功するのは1つだけ。
	// 既に実行中の場合はfalseを返す。
	TryMarkStart(ctx context.Context, teamID int64, integration string, now time.Time) (bool, error)

	// UpdateHeartbeat は実行中の行のハートビート時刻を更新する。
	UpdateHeartbeat(ctx context.Context, teamID int64, integration string, now time.Time) error

	// MarkComplete は実行中フラグを下ろし、最終成功時刻を記録する。
	// last_started_at がstartedAtと一致しない行（別の実行に引き継がれた行）は更新せずfalseを返す。
	MarkComplete(ctx context.Context, teamID int64, integration string, startedAt, now time.Time) (bool, error)

	// MarkFailed は実行中フラグを下ろし、最終失敗時刻とエラー内容を記録する。
	// 更新条件はMarkCompleteと同じ。
	MarkFailed(ctx context.Context, teamID int64, integration string, startedAt, now time.Time, reason string) (bool, error)

	// ListStale は実行中のままハートビートがcutoffより古い状態を返す。
	ListStale(ctx context.Context, cutoff time.Time) ([]*model.SyncState, error)

	// ReapStale は古い実行中状態を1文のUPDATEで失敗に遷移させ、遷移した状態を返す。
	// 判定と更新の間にハートビートが届いた行は対象外になる。
	ReapStale(ctx context.Context, cutoff, now time.Time, reason string) ([]*model.SyncState, error)
}

// SyncRunRepository は同期実行履歴の永続化インターフェース。
type SyncRunRepository interface {
	// Create は実行履歴を作成する。
	Create(ctx context.Context, run *model.SyncRun) error

	// Finish は実行履歴の終了状態を記録する。
	Finish(ctx context.Context, run *model.SyncRun) error
}
