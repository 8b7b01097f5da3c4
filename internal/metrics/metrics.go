// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// エラー種別（challengebot_errors_totalのkindラベル）
const (
	ErrorFeedFetch = "feed_fetch"
	ErrorSend      = "send"
	ErrorRecord    = "record"
	ErrorTick      = "tick" // フィード取得以外の理由で失敗したティック
	ErrorMigration = "migration"
	ErrorTransport = "transport"
)

// 配信結果（challengebot_room_outcomes_totalのresultラベル）
const (
	OutcomeDelivered    = "delivered"
	OutcomeGated        = "gated"
	OutcomeNoCandidate  = "no_candidate"
	OutcomeSendFailed   = "send_failed"
	OutcomeRecordFailed = "record_failed"
	OutcomeVanished     = "vanished"
	OutcomeReadFailed   = "read_failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやボット層から利用する。
type MetricsCollector interface {
	RecordTick(duration time.Duration)
	RecordError(kind string)
	RecordRoomOutcomes(result string, count int)
	SetTrackedRooms(count int)
	SetFeedItems(count int)
	RecordPrunedRooms(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	errors       *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	trackedRooms prometheus.Gauge
	feedItems    prometheus.Gauge
	prunedRooms  prometheus.Counter
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "challengebot_ticks_total",
			Help: "完了した配信ティックの合計数",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "challengebot_tick_duration_seconds",
			Help:    "配信ティックの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challengebot_errors_total",
			Help: "種別ごとのエラー数",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challengebot_room_outcomes_total",
			Help: "ティックごとのルーム処理結果の合計数",
		}, []string{"result"}),
		trackedRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "challengebot_tracked_rooms",
			Help: "追跡中のルーム数",
		}),
		feedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "challengebot_feed_items",
			Help: "直近のフィード取得で得たお題の数",
		}),
		prunedRooms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "challengebot_pruned_rooms_total",
			Help: "退出済みとして追跡を解除したルームの合計数",
		}),
	}

	reg.MustRegister(
		c.ticks,
		c.tickDuration,
		c.errors,
		c.outcomes,
		c.trackedRooms,
		c.feedItems,
		c.prunedRooms,
	)

	return c
}

// RecordTick は完了したティックとその所要時間を記録する。
func (c *Collector) RecordTick(duration time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(duration.Seconds())
}

// RecordError は種別ごとのエラーを記録する。
func (c *Collector) RecordError(kind string) {
	c.errors.WithLabelValues(kind).Inc()
}

// RecordRoomOutcomes はルーム処理結果を件数分記録する。
func (c *Collector) RecordRoomOutcomes(result string, count int) {
	if count <= 0 {
		return
	}
	c.outcomes.WithLabelValues(result).Add(float64(count))
}

// SetTrackedRooms は追跡中のルーム数を設定する。
func (c *Collector) SetTrackedRooms(count int) {
	c.trackedRooms.Set(float64(count))
}

// SetFeedItems は直近のフィード取得で得たお題数を設定する。
func (c *Collector) SetFeedItems(count int) {
	c.feedItems.Set(float64(count))
}

// RecordPrunedRooms は追跡を解除したルーム数を記録する。
func (c *Collector) RecordPrunedRooms(count int) {
	c.prunedRooms.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
