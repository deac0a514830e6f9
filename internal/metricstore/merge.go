// Package metricstore はメンバーの月別メトリクスの加算マージと集計を提供する。
package metricstore

import (
	"log/slog"
	"math"
	"sort"

	"github.com/hitoshi/teamsync/internal/model"
)

// SanitizeDeltas はレコード処理の結果から保存可能な値だけを残して整数化する。
// NaN、無限大、負数、小数は警告ログを出して除外する。
func SanitizeDeltas(logger *slog.Logger, integration string, memberID int64, deltas model.MetricDeltas) (map[string]int64, int) {
	out := make(map[string]int64, len(deltas))
	dropped := 0

	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, metric := range keys {
		v := deltas[metric]
		if metric == "" || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v != math.Trunc(v) || v > math.MaxInt64/2 {
			logger.Warn("non-numeric metric value dropped",
				slog.String("integration", integration),
				slog.Int64("member_id", memberID),
				slog.String("metric", metric),
				slog.Float64("value", v),
			)
			dropped++
			continue
		}
		out[metric] = int64(v)
	}
	return out, dropped
}

// MergeDeltas は既存メトリクスに month/integration 配下の加算値を足し込む。
// 存在しないキーはゼロ初期化される。同じ入力で2回呼ぶと2倍になる。
func MergeDeltas(existing model.MonthlyMetrics, month, integration string, deltas map[string]int64) model.MonthlyMetrics {
	if existing == nil {
		existing = model.MonthlyMetrics{}
	}
	for metric, v := range deltas {
		existing.Add(month, integration, metric, v)
	}
	return existing
}
