// Package bus wraps the Kafka client used as the pipeline's message bus.
//
// Producer publishes JSON payloads with acks=all and a bounded retry; Consumer
// runs a consumer group and commits offsets only after the per-message handler
// succeeds (at-least-once delivery). Topic helpers build the shared topic
// namespace so producers and consumers never disagree on names.
package bus

import (
	"fmt"
	"strings"
	"time"

	"tickflow/pkg/types"
)

// Fixed topics. Market-data and footprint topics are per-instrument and built
// by the helpers below.
const (
	TopicSignals  = "trading.signals"
	TopicInsights = "market.insights"
)

// NormalizeSymbol rewrites a canonical symbol ("BTC/USDT") into its
// topic-name form ("BTC-USDT"). Kafka topic names cannot contain '/'; message
// keys and payloads keep the canonical form.
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// MarketDataTopic returns the topic carrying one (exchange, symbol, kind)
// stream, e.g. "marketdata.binance.BTC-USDT.trades".
func MarketDataTopic(exchange, symbol string, kind types.SubKind) string {
	return fmt.Sprintf("marketdata.%s.%s.%s", exchange, NormalizeSymbol(symbol), kind)
}

// FootprintTopic returns the topic carrying finalized footprint candles for
// one (exchange, symbol, interval), e.g.
// "footprints.processed.binance.BTC-USDT.1m".
func FootprintTopic(exchange, symbol string, interval time.Duration) string {
	return fmt.Sprintf("footprints.processed.%s.%s.%s",
		exchange, NormalizeSymbol(symbol), types.IntervalLabel(interval))
}
