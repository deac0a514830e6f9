package model

import "regexp"

// MonthlyMetrics はメンバーのメトリクスを month(YYYY-MM) -> integration -> metric -> value で保持する。
// 値は常に非負の整数で、マージは加算のみ。
type MonthlyMetrics map[string]map[string]map[string]int64

// MetricDeltas はレコード処理によって得られる metric -> 加算値 の組。
// 数値として不正な値（NaN、無限大、負数、小数）は保存前に除外される。
type MetricDeltas map[string]float64

// IntegrationDeltas は integration -> metric -> 加算値 を表す。
type IntegrationDeltas map[string]map[string]int64

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// IsValidMonth はYYYY-MM形式の月キーかどうかを返す。
func IsValidMonth(month string) bool {
	return monthPattern.MatchString(month)
}

// Get は指定キーの値を返す。存在しない場合は0。
func (m MonthlyMetrics) Get(month, integration, metric string) int64 {
	return m[month][integration][metric]
}

// Add は指定キーに値を加算する。中間のマップが存在しなければゼロ初期化する。
func (m MonthlyMetrics) Add(month, integration, metric string, value int64) {
	byIntegration, ok := m[month]
	if !ok {
		byIntegration = make(map[string]map[string]int64)
		m[month] = byIntegration
	}
	byMetric, ok := byIntegration[integration]
	if !ok {
		byMetric = make(map[string]int64)
		byIntegration[integration] = byMetric
	}
	byMetric[metric] += value
}

// Clone はディープコピーを返す。
func (m MonthlyMetrics) Clone() MonthlyMetrics {
	out := make(MonthlyMetrics, len(m))
	for month, byIntegration := range m {
		ci := make(map[string]map[string]int64, len(byIntegration))
		for integ, byMetric := range byIntegration {
			cm := make(map[string]int64, len(byMetric))
			for k, v := range byMetric {
				cm[k] = v
			}
			ci[integ] = cm
		}
		out[month] = ci
	}
	return out
}
