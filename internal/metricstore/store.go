package metricstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/teamsync/internal/model"
)

// MemberMetricsRepository はメトリクス保存に必要なメンバー操作。
type MemberMetricsRepository interface {
	ListByTeam(ctx context.Context, teamID int64) ([]*model.TeamMember, error)
	UpdateMetrics(ctx context.Context, teamID, memberID int64, metrics model.MonthlyMetrics) error
}

// Deltas は memberID -> integration -> metric -> 加算値。
type Deltas map[int64]model.IntegrationDeltas

// Add は加算値を積み上げる。
func (d Deltas) Add(memberID int64, integration, metric string, v int64) {
	byIntegration, ok := d[memberID]
	if !ok {
		byIntegration = model.IntegrationDeltas{}
		d[memberID] = byIntegration
	}
	byMetric, ok := byIntegration[integration]
	if !ok {
		byMetric = map[string]int64{}
		byIntegration[integration] = byMetric
	}
	byMetric[metric] += v
}

// Store はメンバーの月別メトリクスを読み書きする。
// リポジトリはトランザクションに束縛されたものを渡す想定で、Store自体は状態を持たない。
type Store struct {
	repo   MemberMetricsRepository
	logger *slog.Logger
}

// NewStore はStoreを生成する。
func NewStore(repo MemberMetricsRepository, logger *slog.Logger) *Store {
	return &Store{repo: repo, logger: logger}
}

// SaveData はチームのメンバーのメトリクスを読み込み、monthに加算値をマージして書き戻す。
// 加算のみで冪等ではないため、同じdeltasを2回保存すると値は2倍になる。
// 更新したメンバー数を返す。チームに存在しないメンバーIDは警告を出して無視する。
func (s *Store) SaveData(ctx context.Context, teamID int64, deltas Deltas, month string) (int, error) {
	if !model.IsValidMonth(month) {
		return 0, fmt.Errorf("invalid month %q", month)
	}
	if len(deltas) == 0 {
		return 0, nil
	}

	members, err := s.repo.ListByTeam(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("メンバーのメトリクス読み込みに失敗しました: %w", err)
	}
	byID := make(map[int64]*model.TeamMember, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	memberIDs := make([]int64, 0, len(deltas))
	for id := range deltas {
		memberIDs = append(memberIDs, id)
	}
	sort.Slice(memberIDs, func(i, j int) bool { return memberIDs[i] < memberIDs[j] })

	updated := 0
	for _, id := range memberIDs {
		member, ok := byID[id]
		if !ok {
			s.logger.Warn("metrics delta for unknown member ignored",
				slog.Int64("team_id", teamID),
				slog.Int64("member_id", id),
			)
			continue
		}
		merged := member.Metrics.Clone()
		for integration, byMetric := range deltas[id] {
			merged = MergeDeltas(merged, month, integration, byMetric)
		}
		if err := s.repo.UpdateMetrics(ctx, teamID, id, merged); err != nil {
			return updated, fmt.Errorf("メンバー %d のメトリクス保存に失敗しました: %w", id, err)
		}
		member.Metrics = merged
		updated++
	}
	return updated, nil
}
