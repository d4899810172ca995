package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"tickflow/internal/bus"
	"tickflow/internal/config"
	"tickflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type statusCall struct {
	id     int64
	status types.InstanceStatus
	msg    string
	errors int
}

type disableCall struct {
	id     int64
	status types.InstanceStatus
	msg    string
}

type fakeStore struct {
	mu       sync.Mutex
	active   []types.StrategyInstance
	loadErr  error
	statuses []statusCall
	disables []disableCall
	states   map[int64]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[int64]json.RawMessage)}
}

func (s *fakeStore) setActive(insts ...types.StrategyInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = insts
}

func (s *fakeStore) ActiveStrategies(context.Context) ([]types.StrategyInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]types.StrategyInstance, len(s.active))
	copy(out, s.active)
	return out, nil
}

func (s *fakeStore) UpdateStrategyStatus(_ context.Context, id int64, status types.InstanceStatus, msg string, errs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusCall{id, status, msg, errs})
	return nil
}

func (s *fakeStore) DisableStrategy(_ context.Context, id int64, status types.InstanceStatus, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disables = append(s.disables, disableCall{id, status, msg})
	return nil
}

func (s *fakeStore) SaveStrategyState(_ context.Context, id int64, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = state
	return nil
}

func (s *fakeStore) statusCalls() []statusCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statusCall, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func (s *fakeStore) disableCalls() []disableCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]disableCall, len(s.disables))
	copy(out, s.disables)
	return out
}

func (s *fakeStore) stateFor(id int64) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

type published struct {
	topic, key string
	payload    any
}

type capturePub struct {
	mu       sync.Mutex
	failures int
	msgs     []published
}

func (p *capturePub) Publish(_ context.Context, topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker down")
	}
	p.msgs = append(p.msgs, published{topic, key, payload})
	return nil
}

func (p *capturePub) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// scriptEval fails a fixed number of rounds, then returns its decision.
type scriptEval struct {
	mu       sync.Mutex
	failures int
	dec      Decision
}

func (s *scriptEval) Evaluate(context.Context) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("cache exploded")
	}
	d := s.dec
	if len(d.State) == 0 {
		d.State = json.RawMessage(`{}`)
	}
	return &d, nil
}

type noDataEval struct{}

func (noDataEval) Evaluate(context.Context) (*Decision, error) { return nil, ErrNoData }

func newTestEngine(store *fakeStore, hot *fakeHot, pub *capturePub) *Engine {
	cfg := config.StrategyConfig{
		ManageInterval:       time.Hour,
		EvalInterval:         time.Hour,
		MaxConsecutiveErrors: 5,
	}
	return NewEngine(store, hot, pub, cfg, testLogger())
}

func testRunner(inst types.StrategyInstance, eval Evaluator) *runner {
	_, cancel := context.WithCancel(context.Background())
	return &runner{cancel: cancel, inst: inst, eval: eval}
}

func runnableInst(id int64, params string) types.StrategyInstance {
	return types.StrategyInstance{
		ID: id, UserID: 11, ExchangeConfigID: 3,
		Kind: KindMomentum, Exchange: "binance", Symbol: "BTC/USDT",
		Params: json.RawMessage(params), DesiredActive: true,
		EvalIntervalMS: time.Hour.Milliseconds(),
	}
}

func TestEngineAutoStopsAfterConsecutiveErrors(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeHot(), &capturePub{})
	r := testRunner(runnableInst(41, `{"amount":"1"}`), &scriptEval{failures: 5})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		e.evaluate(ctx, r)
	}

	calls := store.statusCalls()
	if len(calls) != 4 {
		t.Fatalf("want 4 status writes before the cap, got %d", len(calls))
	}
	for i, call := range calls {
		if call.id != 41 || call.status != types.StatusError || call.errors != i+1 {
			t.Fatalf("write %d: id=%d status=%s errors=%d, want 41/error/%d",
				i, call.id, call.status, call.errors, i+1)
		}
		if !strings.Contains(call.msg, "cache exploded") {
			t.Fatalf("write %d: health message %q should carry the cause", i, call.msg)
		}
	}
	if len(store.disableCalls()) != 0 {
		t.Fatal("must not disable below the cap")
	}

	e.evaluate(ctx, r) // fifth failure

	dis := store.disableCalls()
	if len(dis) != 1 {
		t.Fatalf("want 1 disable at the cap, got %d", len(dis))
	}
	if dis[0].id != 41 || dis[0].status != types.StatusStopped {
		t.Fatalf("disable = %+v, want id 41 stopped", dis[0])
	}
	if !strings.Contains(dis[0].msg, "auto-stopped after 5 consecutive errors") {
		t.Fatalf("health message %q should describe the auto-stop", dis[0].msg)
	}
	if !r.done.Load() {
		t.Fatal("runner must retire after auto-stop")
	}
	if len(store.statusCalls()) != 4 {
		t.Fatal("the final failure must disable, not write another error status")
	}
}

func TestEngineClearsErrorStreakOnSuccess(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeHot(), &capturePub{})
	r := testRunner(runnableInst(42, `{"amount":"1"}`), &scriptEval{failures: 2})

	ctx := context.Background()
	e.evaluate(ctx, r)
	e.evaluate(ctx, r)
	e.evaluate(ctx, r) // clean round

	if r.errors != 0 {
		t.Fatalf("streak = %d, want 0 after a clean round", r.errors)
	}
	calls := store.statusCalls()
	last := calls[len(calls)-1]
	if last.status != types.StatusRunning || last.errors != 0 {
		t.Fatalf("last write = %+v, want running with errors reset", last)
	}
	if store.stateFor(42) == nil {
		t.Fatal("clean round must persist state")
	}
}

func TestEngineSkipsRoundsWithoutData(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeHot(), &capturePub{})
	r := testRunner(runnableInst(43, `{"amount":"1"}`), noDataEval{})

	e.evaluate(context.Background(), r)

	if r.errors != 0 {
		t.Fatalf("no-data rounds must not count as failures, streak = %d", r.errors)
	}
	if n := len(store.statusCalls()); n != 0 {
		t.Fatalf("no-data rounds must not touch the row, got %d writes", n)
	}
}

func TestEngineStampsAndPublishesSignals(t *testing.T) {
	store := newFakeStore()
	pub := &capturePub{}
	e := newTestEngine(store, newFakeHot(), pub)

	sig := &types.TradingSignal{
		Exchange: "binance", Symbol: "BTC/USDT",
		Side: types.SideBuy, Kind: types.OrderMarket,
		Amount: d("0.5"), Reason: "drift",
	}
	r := testRunner(runnableInst(44, `{"amount":"0.5"}`),
		&scriptEval{dec: Decision{Signal: sig, State: json.RawMessage(`{"sma":"100"}`)}})

	e.evaluate(context.Background(), r)

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("want 1 published signal, got %d", len(msgs))
	}
	if msgs[0].topic != bus.TopicSignals || msgs[0].key != "BTC/USDT" {
		t.Fatalf("published to %s key %s", msgs[0].topic, msgs[0].key)
	}
	got := msgs[0].payload.(*types.TradingSignal)
	if got.StrategyID != 44 || got.UserID != 11 || got.ExchangeConfigID != 3 {
		t.Fatalf("identity not stamped: %+v", got)
	}
	if got.Timestamp <= 0 {
		t.Fatal("timestamp not stamped")
	}
	if len(got.StateDigest) != 16 {
		t.Fatalf("state digest %q, want 16 hex chars", got.StateDigest)
	}
	if store.stateFor(44) == nil {
		t.Fatal("state must persist after emission")
	}
}

func TestEnginePublishFailureCountsAsError(t *testing.T) {
	store := newFakeStore()
	pub := &capturePub{failures: 1}
	e := newTestEngine(store, newFakeHot(), pub)

	sig := &types.TradingSignal{
		Exchange: "binance", Symbol: "BTC/USDT",
		Side: types.SideBuy, Kind: types.OrderMarket, Amount: d("1"),
	}
	r := testRunner(runnableInst(45, `{"amount":"1"}`),
		&scriptEval{dec: Decision{Signal: sig, State: json.RawMessage(`{}`)}})

	e.evaluate(context.Background(), r)

	if r.errors != 1 {
		t.Fatalf("streak = %d, want 1 after a publish failure", r.errors)
	}
	calls := store.statusCalls()
	if len(calls) != 1 || calls[0].status != types.StatusError {
		t.Fatalf("want one error-status write, got %+v", calls)
	}
	if !strings.Contains(calls[0].msg, "publish signal") {
		t.Fatalf("health message %q should name the publish failure", calls[0].msg)
	}
}

func TestStateDigestIsStableAndShort(t *testing.T) {
	a := stateDigest(json.RawMessage(`{"sma":"100"}`))
	b := stateDigest(json.RawMessage(`{"sma":"100"}`))
	c := stateDigest(json.RawMessage(`{"sma":"101"}`))
	if a != b {
		t.Fatalf("same state must digest identically: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("different state must digest differently")
	}
	if len(a) != 16 {
		t.Fatalf("digest %q, want 16 chars", a)
	}
}

func TestReconcileStartsAndStopsRunners(t *testing.T) {
	store := newFakeStore()
	store.setActive(runnableInst(1, `{"amount":"1"}`))
	e := newTestEngine(store, newFakeHot(), &capturePub{})
	defer e.Stop()

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	_, ok := e.runners[1]
	e.mu.Unlock()
	if !ok {
		t.Fatal("runner for instance 1 must exist after reconcile")
	}
	calls := store.statusCalls()
	if len(calls) == 0 || calls[0].status != types.StatusRunning {
		t.Fatalf("start must mark the row running, got %+v", calls)
	}

	store.setActive() // row deleted
	if err := e.reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	n := len(e.runners)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("want 0 runners after removal, got %d", n)
	}
	calls = store.statusCalls()
	last := calls[len(calls)-1]
	if last.id != 1 || last.status != types.StatusStopped {
		t.Fatalf("removal must settle the row to stopped, got %+v", last)
	}
}

func TestReconcileRejectsUnknownKind(t *testing.T) {
	store := newFakeStore()
	inst := runnableInst(2, `{}`)
	inst.Kind = "martingale"
	store.setActive(inst)
	e := newTestEngine(store, newFakeHot(), &capturePub{})

	if err := e.reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	n := len(e.runners)
	e.mu.Unlock()
	if n != 0 {
		t.Fatal("unloadable instance must not get a runner")
	}
	dis := store.disableCalls()
	if len(dis) != 1 || dis[0].status != types.StatusError {
		t.Fatalf("want one error-status disable, got %+v", dis)
	}
	if !strings.Contains(dis[0].msg, "unknown strategy kind") {
		t.Fatalf("health message %q should name the failure", dis[0].msg)
	}
}

func TestReconcileRestartsOnDefinitionChange(t *testing.T) {
	store := newFakeStore()
	store.setActive(runnableInst(3, `{"amount":"1"}`))
	e := newTestEngine(store, newFakeHot(), &capturePub{})
	defer e.Stop()

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Same row, new params.
	changed := runnableInst(3, `{"amount":"2"}`)
	store.setActive(changed)
	if err := e.reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.mu.Lock()
	r := e.runners[3]
	e.mu.Unlock()
	if r == nil {
		t.Fatal("runner must survive a definition change")
	}
	r.mu.Lock()
	params := string(r.inst.Params)
	r.mu.Unlock()
	if params != `{"amount":"2"}` {
		t.Fatalf("runner params = %s, want the refreshed definition", params)
	}

	var stopped, restarted bool
	for _, c := range store.statusCalls() {
		if c.id == 3 && c.status == types.StatusStopped {
			stopped = true
		}
		if c.id == 3 && c.status == types.StatusRunning && stopped {
			restarted = true
		}
	}
	if !stopped || !restarted {
		t.Fatal("definition change must stop then restart the instance")
	}

	// Reconciling an unchanged definition must not thrash.
	before := len(store.statusCalls())
	if err := e.reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if after := len(store.statusCalls()); after != before {
		t.Fatalf("unchanged definition caused %d extra writes", after-before)
	}
}

func TestReconcileSettlesStaleRows(t *testing.T) {
	store := newFakeStore()
	stale := runnableInst(4, `{"amount":"1"}`)
	stale.DesiredActive = false
	stale.Status = types.StatusRunning // left behind by a dead process
	store.setActive(stale)
	e := newTestEngine(store, newFakeHot(), &capturePub{})

	if err := e.reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	n := len(e.runners)
	e.mu.Unlock()
	if n != 0 {
		t.Fatal("deactivated row must not start")
	}
	calls := store.statusCalls()
	if len(calls) != 1 || calls[0].id != 4 || calls[0].status != types.StatusStopped {
		t.Fatalf("stale row must settle to stopped, got %+v", calls)
	}
}

func TestStartFailsWhenStoreIsDown(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("db down")
	e := newTestEngine(store, newFakeHot(), &capturePub{})

	err := e.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "initial reconcile") {
		t.Fatalf("want initial-reconcile error, got %v", err)
	}
	e.Stop()
}
