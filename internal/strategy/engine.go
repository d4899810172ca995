// Package strategy runs user-configured strategy instances against the
// hot market-data cache and turns their decisions into signals on the
// bus.
//
// The engine reconciles the desired state in the database with its
// in-memory runners:
//
//  1. load the instances the engine must look at (desired active, plus
//     rows a previous process left marked running)
//  2. stop runners whose row disappeared or was deactivated
//  3. start instances that should run but do not
//  4. restart running instances whose definition materially changed
//
// Each runner evaluates on its own interval. An evaluation error flips
// the row to error status; MaxConsecutiveErrors of them in a row stop
// the instance and clear its desired-active flag so it stays down until
// the owner intervenes.
package strategy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/internal/bus"
	"tickflow/internal/config"
	"tickflow/internal/metrics"
	"tickflow/pkg/types"
)

// Store is the slice of the relational store the engine needs.
type Store interface {
	ActiveStrategies(ctx context.Context) ([]types.StrategyInstance, error)
	UpdateStrategyStatus(ctx context.Context, id int64, status types.InstanceStatus, healthMessage string, consecutiveErrors int) error
	DisableStrategy(ctx context.Context, id int64, status types.InstanceStatus, healthMessage string) error
	SaveStrategyState(ctx context.Context, id int64, state json.RawMessage) error
}

// HotCache is the market-data view evaluators read.
type HotCache interface {
	OrderBook(ctx context.Context, exchange, symbol string) (*types.OrderBookSnapshot, bool, error)
	RecentTrades(ctx context.Context, exchange, symbol string, n int64) ([]types.TradeEvent, error)
}

// Publisher pushes signals onto the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Engine owns one runner per active strategy instance.
type Engine struct {
	store  Store
	hot    HotCache
	pub    Publisher
	cfg    config.StrategyConfig
	logger *slog.Logger

	mu      sync.Mutex
	runners map[int64]*runner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// runner is one live instance. Lock order is Engine.mu before runner.mu;
// evaluate never takes Engine.mu.
type runner struct {
	cancel context.CancelFunc
	done   atomic.Bool // auto-stopped; the row is final, leave it alone

	mu     sync.Mutex
	inst   types.StrategyInstance
	eval   Evaluator
	errors int // consecutive evaluation failures
}

func NewEngine(store Store, hot HotCache, pub Publisher, cfg config.StrategyConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		hot:     hot,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With("component", "strategy"),
		runners: make(map[int64]*runner),
	}
}

// Start runs one synchronous reconcile so a broken store surfaces at
// boot, then keeps reconciling on ManageInterval until Stop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.reconcile(runCtx); err != nil {
		cancel()
		return fmt.Errorf("initial reconcile: %w", err)
	}

	e.wg.Add(1)
	go e.manageLoop(runCtx)
	e.logger.Info("strategy engine started", "manage_interval", e.cfg.ManageInterval)
	return nil
}

// Stop cancels every runner and waits for them to drain. Rows keep their
// running status; the next process settles them through reconcile.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()

	e.mu.Lock()
	for id, r := range e.runners {
		r.cancel()
		delete(e.runners, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("strategy engine stopped")
}

func (e *Engine) manageLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ManageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.reconcile(ctx); err != nil {
				e.logger.Error("reconcile failed", "error", err)
			}
		}
	}
}

func (e *Engine) reconcile(ctx context.Context) error {
	insts, err := e.store.ActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[int64]bool, len(insts))
	for i := range insts {
		inst := insts[i]
		seen[inst.ID] = true

		if !inst.DesiredActive {
			// Row left marked running by a previous process.
			if r, ok := e.runners[inst.ID]; ok {
				e.stopLocked(ctx, r)
			} else if err := e.store.UpdateStrategyStatus(ctx, inst.ID, types.StatusStopped, "stopped", 0); err != nil {
				e.logger.Error("settle stale strategy row", "strategy_id", inst.ID, "error", err)
			}
			continue
		}

		if r, ok := e.runners[inst.ID]; ok {
			e.refreshLocked(ctx, r, inst)
			continue
		}
		e.startLocked(ctx, inst)
	}

	for id, r := range e.runners {
		if !seen[id] {
			e.stopLocked(ctx, r)
		}
	}
	return nil
}

// startLocked builds the evaluator and launches the run loop. Instances
// that cannot even be constructed are disabled outright so the reconcile
// loop does not retry them forever.
func (e *Engine) startLocked(ctx context.Context, inst types.StrategyInstance) {
	eval, err := NewEvaluator(&inst, e.hot)
	if err != nil {
		e.logger.Error("rejecting strategy",
			"strategy_id", inst.ID, "kind", inst.Kind, "error", err)
		if derr := e.store.DisableStrategy(ctx, inst.ID, types.StatusError, err.Error()); derr != nil {
			e.logger.Error("persist strategy rejection", "strategy_id", inst.ID, "error", derr)
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &runner{cancel: cancel, inst: inst, eval: eval}
	e.runners[inst.ID] = r

	if err := e.store.UpdateStrategyStatus(ctx, inst.ID, types.StatusRunning, "running", 0); err != nil {
		e.logger.Error("mark strategy running", "strategy_id", inst.ID, "error", err)
	}
	e.logger.Info("strategy started",
		"strategy_id", inst.ID, "kind", inst.Kind,
		"exchange", inst.Exchange, "symbol", inst.Symbol)

	e.wg.Add(1)
	go e.runLoop(runCtx, r)
}

// stopLocked tears a runner down and settles its row, unless the runner
// already finalized the row itself by auto-stopping.
func (e *Engine) stopLocked(ctx context.Context, r *runner) {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(e.runners, r.inst.ID)
	if r.done.Load() {
		return
	}
	if err := e.store.UpdateStrategyStatus(ctx, r.inst.ID, types.StatusStopped, "stopped", 0); err != nil {
		e.logger.Error("mark strategy stopped", "strategy_id", r.inst.ID, "error", err)
	}
	e.logger.Info("strategy stopped", "strategy_id", r.inst.ID, "kind", r.inst.Kind)
}

// refreshLocked restarts the runner when the stored definition no longer
// matches what it was started with.
func (e *Engine) refreshLocked(ctx context.Context, r *runner, inst types.StrategyInstance) {
	r.mu.Lock()
	changed := materialChange(&r.inst, &inst)
	r.mu.Unlock()
	if !changed {
		return
	}
	e.logger.Info("strategy definition changed, restarting", "strategy_id", inst.ID)
	e.stopLocked(ctx, r)
	e.startLocked(ctx, inst)
}

func materialChange(a, b *types.StrategyInstance) bool {
	return a.Kind != b.Kind ||
		a.Exchange != b.Exchange ||
		a.Symbol != b.Symbol ||
		a.EvalIntervalMS != b.EvalIntervalMS ||
		!bytes.Equal(a.Params, b.Params)
}

func (e *Engine) runLoop(ctx context.Context, r *runner) {
	defer e.wg.Done()

	interval := e.cfg.EvalInterval
	if ms := r.inst.EvalIntervalMS; ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.evaluate(ctx, r)
	for {
		if r.done.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluate(ctx, r)
		}
	}
}

// evaluate runs one round: decide, publish if the decision carries a
// signal, persist state. A publish failure counts as an evaluation
// failure; a clean round clears the error streak.
func (e *Engine) evaluate(ctx context.Context, r *runner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.eval.Evaluate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrNoData) {
			e.logger.Debug("strategy waiting for data", "strategy_id", r.inst.ID)
			return
		}
		e.evalFailedLocked(ctx, r, err)
		return
	}

	if d.Signal != nil {
		if err := e.emitLocked(ctx, r, d); err != nil {
			e.evalFailedLocked(ctx, r, err)
			return
		}
	}

	if r.errors > 0 {
		r.errors = 0
		if err := e.store.UpdateStrategyStatus(ctx, r.inst.ID, types.StatusRunning, "running", 0); err != nil {
			e.logger.Error("clear strategy error status", "strategy_id", r.inst.ID, "error", err)
		}
	}
	if err := e.store.SaveStrategyState(ctx, r.inst.ID, d.State); err != nil {
		e.logger.Error("persist strategy state", "strategy_id", r.inst.ID, "error", err)
	}
}

func (e *Engine) emitLocked(ctx context.Context, r *runner, d *Decision) error {
	sig := d.Signal
	sig.StrategyID = r.inst.ID
	sig.UserID = r.inst.UserID
	sig.ExchangeConfigID = r.inst.ExchangeConfigID
	sig.Timestamp = time.Now().UnixMilli()
	sig.StateDigest = stateDigest(d.State)

	if err := sig.Validate(); err != nil {
		return err
	}
	if err := e.pub.Publish(ctx, bus.TopicSignals, sig.Symbol, sig); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	metrics.SignalsEmitted.WithLabelValues(r.inst.Kind, string(sig.Side)).Inc()
	e.logger.Info("signal emitted",
		"strategy_id", r.inst.ID, "kind", r.inst.Kind, "symbol", sig.Symbol,
		"side", sig.Side, "reason", sig.Reason)
	return nil
}

// evalFailedLocked advances the error streak. Below the cap the row goes
// to error status and stays scheduled; at the cap the instance is
// disabled for good and the runner retires.
func (e *Engine) evalFailedLocked(ctx context.Context, r *runner, evalErr error) {
	r.errors++
	metrics.StrategyErrors.WithLabelValues(r.inst.Kind).Inc()
	e.logger.Error("strategy evaluation failed",
		"strategy_id", r.inst.ID, "kind", r.inst.Kind,
		"consecutive", r.errors, "error", evalErr)

	if r.errors >= e.cfg.MaxConsecutiveErrors {
		msg := fmt.Sprintf("auto-stopped after %d consecutive errors: %v", r.errors, evalErr)
		if err := e.store.DisableStrategy(ctx, r.inst.ID, types.StatusStopped, msg); err != nil {
			e.logger.Error("persist strategy auto-stop", "strategy_id", r.inst.ID, "error", err)
		}
		e.logger.Warn("strategy auto-stopped",
			"strategy_id", r.inst.ID, "kind", r.inst.Kind, "consecutive", r.errors)
		r.done.Store(true)
		r.cancel()
		return
	}

	if err := e.store.UpdateStrategyStatus(ctx, r.inst.ID, types.StatusError, evalErr.Error(), r.errors); err != nil {
		e.logger.Error("persist strategy error status", "strategy_id", r.inst.ID, "error", err)
	}
}

// stateDigest fingerprints the state blob behind a signal. The executor
// folds it into the client order id, so replaying the same decision
// dedupes downstream.
func stateDigest(state json.RawMessage) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:8])
}
