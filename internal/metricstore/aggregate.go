package metricstore

import (
	"github.com/hitoshi/teamsync/internal/model"
)

// nonAdditiveMetrics は月次サマリの合計から除外するメトリクス。
// changes は行数であり、件数系のメトリクスと合算すると意味を持たない。
var nonAdditiveMetrics = map[string]bool{
	"changes": true,
}

// Filter は集計対象の絞り込み条件。空文字の項目は絞り込まない。
type Filter struct {
	Month       string
	Integration string
	Metric      string
}

// Aggregated は集計結果。
//
// Summary はメンバー名 -> 月 -> 合計値（非加算メトリクスを除く）。
// Detailed はメンバー名 -> 月 -> integration -> metric -> 値。
type Aggregated struct {
	Summary  map[string]map[string]int64                       `json:"summary"`
	Detailed map[string]map[string]map[string]map[string]int64 `json:"detailed"`
}

// GetAggregatedMetrics はメンバーのメトリクスをフィルタ条件で集計する。
// 同名メンバーが複数いる場合は値を合算する。
func GetAggregatedMetrics(members []*model.TeamMember, f Filter) Aggregated {
	out := Aggregated{
		Summary:  map[string]map[string]int64{},
		Detailed: map[string]map[string]map[string]map[string]int64{},
	}

	for _, m := range members {
		for month, byIntegration := range m.Metrics {
			if f.Month != "" && month != f.Month {
				continue
			}
			for integration, byMetric := range byIntegration {
				if f.Integration != "" && integration != f.Integration {
					continue
				}
				for metric, v := range byMetric {
					if f.Metric != "" && metric != f.Metric {
						continue
					}
					addDetailed(out.Detailed, m.FullName, month, integration, metric, v)
					if nonAdditiveMetrics[metric] {
						continue
					}
					if out.Summary[m.FullName] == nil {
						out.Summary[m.FullName] = map[string]int64{}
					}
					out.Summary[m.FullName][month] += v
				}
			}
		}
	}
	return out
}

func addDetailed(d map[string]map[string]map[string]map[string]int64, member, month, integration, metric string, v int64) {
	if d[member] == nil {
		d[member] = map[string]map[string]map[string]int64{}
	}
	if d[member][month] == nil {
		d[member][month] = map[string]map[string]int64{}
	}
	if d[member][month][integration] == nil {
		d[member][month][integration] = map[string]int64{}
	}
	d[member][month][integration][metric] += v
}
