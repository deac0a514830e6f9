// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncRecorder は同期処理のメトリクス記録インターフェース。
// スケジューラ、手動トリガー、リーパーから利用する。
type SyncRecorder interface {
	RecordSyncStarted(integration, trigger string)
	RecordSyncOutcome(integration, trigger, outcome string, duration time.Duration)
	RecordRecordsFetched(integration string, count int)
	RecordDroppedValues(integration string, count int)
	RecordReaped(count int)
	SetRegisteredTeams(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncStarted     *prometheus.CounterVec
	syncOutcome     *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	recordsFetched  *prometheus.CounterVec
	droppedValues   *prometheus.CounterVec
	reaped          prometheus.Counter
	registeredTeams prometheus.Gauge
}

var _ SyncRecorder = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsync_sync_started_total",
			Help: "開始した同期の合計数",
		}, []string{"integration", "trigger"}),
		syncOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsync_sync_outcome_total",
			Help: "結果別の同期の合計数",
		}, []string{"integration", "trigger", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamsync_sync_duration_seconds",
			Help:    "同期1回あたりの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"integration"}),
		recordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsync_records_fetched_total",
			Help: "外部システムから取得したレコードの合計数",
		}, []string{"integration"}),
		droppedValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsync_metric_values_dropped_total",
			Help: "数値として不正なため破棄したメトリクス値の合計数",
		}, []string{"integration"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamsync_stale_syncs_reaped_total",
			Help: "ハートビート途絶により失敗扱いにした同期の合計数",
		}),
		registeredTeams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teamsync_scheduler_registered_teams",
			Help: "スケジューラに登録されているチーム数",
		}),
	}

	reg.MustRegister(
		c.syncStarted,
		c.syncOutcome,
		c.syncDuration,
		c.recordsFetched,
		c.droppedValues,
		c.reaped,
		c.registeredTeams,
	)

	return c
}

// RecordSyncStarted は同期開始を記録する。
func (c *Collector) RecordSyncStarted(integration, trigger string) {
	c.syncStarted.WithLabelValues(integration, trigger).Inc()
}

// RecordSyncOutcome は同期結果と所要時間を記録する。スキップ時は所要時間を記録しない。
func (c *Collector) RecordSyncOutcome(integration, trigger, outcome string, duration time.Duration) {
	c.syncOutcome.WithLabelValues(integration, trigger, outcome).Inc()
	if outcome != "skipped" {
		c.syncDuration.WithLabelValues(integration).Observe(duration.Seconds())
	}
}

// RecordRecordsFetched は取得レコード数を記録する。
func (c *Collector) RecordRecordsFetched(integration string, count int) {
	c.recordsFetched.WithLabelValues(integration).Add(float64(count))
}

// RecordDroppedValues は破棄したメトリクス値の数を記録する。
func (c *Collector) RecordDroppedValues(integration string, count int) {
	if count > 0 {
		c.droppedValues.WithLabelValues(integration).Add(float64(count))
	}
}

// RecordReaped はリーパーが失敗扱いにした同期の数を記録する。
func (c *Collector) RecordReaped(count int) {
	c.reaped.Add(float64(count))
}

// SetRegisteredTeams はスケジューラ登録チーム数を設定する。
func (c *Collector) SetRegisteredTeams(count int) {
	c.registeredTeams.Set(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Nop は何も記録しないSyncRecorder。
type Nop struct{}

func (Nop) RecordSyncStarted(string, string)                        {}
func (Nop) RecordSyncOutcome(string, string, string, time.Duration) {}
func (Nop) RecordRecordsFetched(string, int)                        {}
func (Nop) RecordDroppedValues(string, int)                         {}
func (Nop) RecordReaped(int)                                        {}
func (Nop) SetRegisteredTeams(int)                                  {}
