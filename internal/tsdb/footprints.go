package tsdb

import (
	"context"
	"encoding/json"
	"fmt"

	"tickflow/pkg/types"
)

const upsertFootprintSQL = `
	INSERT INTO footprints_futures (
		symbol_id, exchange, interval_type, start_time, end_time,
		open, high, low, close,
		total_volume, total_delta, poc, value_area_high, value_area_low,
		trade_count, footprint_data, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
	ON CONFLICT (symbol_id, exchange, interval_type, start_time) DO UPDATE SET
		end_time = EXCLUDED.end_time,
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		total_volume = EXCLUDED.total_volume,
		total_delta = EXCLUDED.total_delta,
		poc = EXCLUDED.poc,
		value_area_high = EXCLUDED.value_area_high,
		value_area_low = EXCLUDED.value_area_low,
		trade_count = EXCLUDED.trade_count,
		footprint_data = EXCLUDED.footprint_data,
		updated_at = now()`

// UpsertFootprint stores one closed footprint candle. The per-bucket volume
// map travels as a JSONB document; the scalar aggregates are columns so SQL
// consumers can query them directly.
func (s *Store) UpsertFootprint(ctx context.Context, symbolID int64, c *types.FootprintCandle) error {
	buckets, err := json.Marshal(c.Buckets)
	if err != nil {
		return fmt.Errorf("encode buckets: %w", err)
	}

	return s.withRetry(ctx, "upsert footprint", func() error {
		_, err := s.db.ExecContext(ctx, upsertFootprintSQL,
			symbolID, c.Exchange, c.Interval,
			types.MSToTime(c.StartTime), types.MSToTime(c.EndTime),
			c.Open, c.High, c.Low, c.Close,
			c.TotalVolume, c.TotalDelta, c.POC, c.ValueAreaHigh, c.ValueAreaLow,
			c.TradeCount, buckets)
		return err
	})
}
