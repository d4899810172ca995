// Package metrics defines the Prometheus collectors updated by the pipeline.
//
// Counters the operator dashboards rely on:
//   - bus_publish_errors_total{topic}        – publishes dropped after retries
//   - consume_malformed_total{topic}         – messages rejected at validation
//   - feed_reconnects_total{exchange,kind}   – watch loop restarts
//   - late_trades_total{symbol}              – trades past their bar's grace window
//   - footprint_candles_total{exchange,symbol} – finalized candles emitted
//   - strategy_signals_total{kind,side}      – trading signals published
//   - executor_orders_placed_total{exchange,side} – orders accepted by the exchange
//   - executor_orders_rejected_total{reason} – signals refused before placement
//   - executor_duplicate_signals_total       – signals dropped by client-order-id dedup
//   - oracle_insights_total{direction}       – insights published per direction
//
// All collectors are registered in init() and served by the ops HTTP listener
// at /metrics (Prometheus text exposition format).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publish_errors_total",
			Help: "Messages dropped after the bounded publish retry was exhausted",
		},
		[]string{"topic"},
	)

	Malformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consume_malformed_total",
			Help: "Messages rejected at validation and acknowledged without processing",
		},
		[]string{"topic"},
	)

	FeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Market-data watch loop restarts",
		},
		[]string{"exchange", "kind"},
	)

	FeedForcedRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_forced_restarts_total",
			Help: "Watch loops restarted by the health checker after going silent",
		},
		[]string{"exchange", "kind"},
	)

	// LateTrades label is the bare symbol; late arrivals are counted once and
	// discarded, so this is the only trace they leave.
	LateTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "late_trades_total",
			Help: "Trades that arrived after their bar was finalized",
		},
		[]string{"symbol"},
	)

	CandlesEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "footprint_candles_total",
			Help: "Finalized footprint candles written and published",
		},
		[]string{"exchange", "symbol"},
	)

	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_signals_total",
			Help: "Trading signals published to the bus",
		},
		[]string{"kind", "side"},
	)

	StrategyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_eval_errors_total",
			Help: "Strategy evaluations that ended in error",
		},
		[]string{"kind"},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_orders_placed_total",
			Help: "Orders accepted by an exchange",
		},
		[]string{"exchange", "side"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_orders_rejected_total",
			Help: "Signals refused before or during placement, by terminal reason",
		},
		[]string{"reason"},
	)

	DuplicateSignals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "executor_duplicate_signals_total",
			Help: "Signals acknowledged without placement because the client order id was already recorded",
		},
	)

	OracleInsights = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_insights_total",
			Help: "Order book insights published, by direction",
		},
		[]string{"direction"},
	)

	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsdb_query_retries_total",
			Help: "Store queries retried after a retryable error",
		},
	)
)

func init() {
	prometheus.MustRegister(PublishErrors, Malformed)
	prometheus.MustRegister(FeedReconnects, FeedForcedRestarts)
	prometheus.MustRegister(LateTrades, CandlesEmitted)
	prometheus.MustRegister(SignalsEmitted, StrategyErrors)
	prometheus.MustRegister(OrdersPlaced, OrdersRejected, DuplicateSignals)
	prometheus.MustRegister(OracleInsights, StoreRetries)
}
