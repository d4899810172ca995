package tsdb

import (
	"context"
	"encoding/json"

	"tickflow/pkg/types"
)

const activeStrategiesSQL = `
	SELECT id, user_id, name, kind, exchange, symbol, exchange_config_id,
	       params, eval_interval_ms, desired_active, status, health_message,
	       consecutive_errors, last_evaluated_at, state
	FROM bot_strategies
	WHERE desired_active = TRUE OR status IN ('pending_start', 'running')
	ORDER BY id`

// ActiveStrategies returns every instance the engine must look at: rows the
// owner wants running, plus rows whose status still says running so a
// restarted engine can stop them and settle the row. The engine reconciles
// this set against its in-memory runners.
func (s *Store) ActiveStrategies(ctx context.Context) ([]types.StrategyInstance, error) {
	var instances []types.StrategyInstance
	err := s.withRetry(ctx, "active strategies", func() error {
		instances = instances[:0]
		return s.db.SelectContext(ctx, &instances, activeStrategiesSQL)
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

const updateStrategyStatusSQL = `
	UPDATE bot_strategies
	SET status = $2, health_message = $3, consecutive_errors = $4, updated_at = now()
	WHERE id = $1`

// UpdateStrategyStatus persists an engine-side status transition.
func (s *Store) UpdateStrategyStatus(ctx context.Context, id int64, status types.InstanceStatus, healthMessage string, consecutiveErrors int) error {
	return s.withRetry(ctx, "update strategy status", func() error {
		_, err := s.db.ExecContext(ctx, updateStrategyStatusSQL,
			id, string(status), healthMessage, consecutiveErrors)
		return err
	})
}

const disableStrategySQL = `
	UPDATE bot_strategies
	SET desired_active = FALSE, status = $2, health_message = $3, updated_at = now()
	WHERE id = $1`

// DisableStrategy stops an instance for good: desired_active is cleared so
// the reconcile loop will not restart it.
func (s *Store) DisableStrategy(ctx context.Context, id int64, status types.InstanceStatus, healthMessage string) error {
	return s.withRetry(ctx, "disable strategy", func() error {
		_, err := s.db.ExecContext(ctx, disableStrategySQL, id, string(status), healthMessage)
		return err
	})
}

const saveStrategyStateSQL = `
	UPDATE bot_strategies
	SET state = $2, last_evaluated_at = now(), updated_at = now()
	WHERE id = $1`

// SaveStrategyState persists the opaque per-instance state blob after a
// successful evaluation.
func (s *Store) SaveStrategyState(ctx context.Context, id int64, state json.RawMessage) error {
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	return s.withRetry(ctx, "save strategy state", func() error {
		_, err := s.db.ExecContext(ctx, saveStrategyStateSQL, id, []byte(state))
		return err
	})
}
