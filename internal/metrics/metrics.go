package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActiveSessions 当前在线的传输会话数。
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zchat",
		Name:      "active_sessions",
		Help:      "Number of live transport sessions.",
	})

	// BroadcastDelivered 按事件类型统计成功入队的广播。
	BroadcastDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zchat",
		Name:      "broadcast_delivered_total",
		Help:      "Broadcast envelopes queued to a session, by event type.",
	}, []string{"event"})

	// BroadcastDropped 因队列满或会话关闭而丢弃的广播。
	BroadcastDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zchat",
		Name:      "broadcast_dropped_total",
		Help:      "Broadcast envelopes dropped, by event type.",
	}, []string{"event"})

	// OriginUnresolved 来源会话已断开、广播退化为全量投递的次数。
	OriginUnresolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zchat",
		Name:      "broadcast_origin_unresolved_total",
		Help:      "Broadcasts whose origin session could not be resolved.",
	})

	// MessagesSubmitted 按结果统计用户消息提交。
	MessagesSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zchat",
		Name:      "messages_submitted_total",
		Help:      "User message submissions, by outcome.",
	}, []string{"outcome"})

	// CacheInvalidationFailures 失败但被忽略的缓存失效。
	CacheInvalidationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zchat",
		Name:      "cache_invalidation_failures_total",
		Help:      "Cache invalidations that failed open.",
	})
)

// Register 把全部指标注册到 reg。
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ActiveSessions,
		BroadcastDelivered,
		BroadcastDropped,
		OriginUnresolved,
		MessagesSubmitted,
		CacheInvalidationFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
