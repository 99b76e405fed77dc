// Package metrics 定義 Prometheus 指標。
//
// 指標以套件層級變數註冊到預設 registry，各元件直接引用。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turnroom"

var (
	// RoomsCreated 建立的房間數
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rooms_created_total",
		Help:      "Number of rooms created.",
	})

	// RoomsReclaimed 被清理的空房間數
	RoomsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rooms_reclaimed_total",
		Help:      "Number of empty rooms reclaimed by the cleanup loop.",
	})

	// Rooms 依狀態統計的房間數
	Rooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Rooms currently held in memory by status.",
	}, []string{"status"})

	MatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_started_total",
		Help:      "Number of matches started.",
	})

	MatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_finished_total",
		Help:      "Number of matches finished by outcome.",
	}, []string{"outcome"})

	// Actions 玩家動作結果（applied / 各拒絕代碼）
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Player actions by outcome.",
	}, []string{"outcome"})

	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_total",
		Help:      "Anomalies recorded by kind and severity.",
	}, []string{"kind", "severity"})

	Tickets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matchmaking_tickets_total",
		Help:      "Matchmaking ticket transitions.",
	}, []string{"state"})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open WebSocket connections.",
	})

	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_frames_received_total",
		Help:      "Frames received by opcode.",
	}, []string{"opcode"})

	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_protocol_violations_total",
		Help:      "Connections closed for protocol violations.",
	}, []string{"reason"})

	// SlowConsumers 因 outbound queue 滿而被關閉的連線
	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_slow_consumers_total",
		Help:      "Connections closed because their outbound queue overflowed.",
	})

	AuditExports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_exports_total",
		Help:      "Audit entries exported by exporter and result.",
	}, []string{"exporter", "result"})
)

// Handler 回傳 /metrics 處理器
func Handler() http.Handler {
	return promhttp.Handler()
}
