package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/pkg/engine"
	"tradepilot/pkg/exchange/sim"
	"tradepilot/pkg/market"
	"tradepilot/pkg/prompt"
	"tradepilot/pkg/risk"
	"tradepilot/pkg/session"
)

const btc = "BTC/USDT:USDT"

type scriptedGateway struct {
	reply string
	err   error
	calls atomic.Int64
}

func (g *scriptedGateway) Chat(_ context.Context, _, _ string, _ float64) (string, error) {
	g.calls.Add(1)
	return g.reply, g.err
}

func testRiskParams() risk.Params {
	return risk.Params{
		MaxLeverage:         10,
		MaxNotionalPerTrade: 5000,
		MaxDrawdownPct:      5,
		MaxPositions:        5,
		MaxTotalExposure:    50000,
	}
}

func testRequest() StartRequest {
	return StartRequest{
		Symbols:        []string{btc},
		Risk:           testRiskParams(),
		Interval:       30 * time.Millisecond,
		InitialCapital: 10000,
	}
}

func newFixture(t *testing.T, gw *scriptedGateway) (*Supervisor, *session.MemStore) {
	t.Helper()
	venue := sim.NewWithEquity(10000)
	venue.SetMarkPrice(btc, 50000)

	tmpl, err := prompt.Parse("trader", "cycle {{.CycleNumber}}", nil)
	require.NoError(t, err)

	store := session.NewMemStore()
	runner := engine.NewRunner(venue, market.NewAssembler(venue, tmpl), gw, store,
		engine.WithOrderPause(0),
	)
	return New(store, runner, WithStopTimeout(2*time.Second)), store
}

func holdGateway() *scriptedGateway {
	return &scriptedGateway{reply: "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"hold"}]` + "\n```"}
}

func waitForCycles(t *testing.T, store session.Store, id int64, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := store.FindSession(context.Background(), id)
		return err == nil && s.CycleCount >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartNewRunsCyclesAndStops(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 2)

	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, session.BgRunning, status.BgStatus)
	assert.NotNil(t, status.StartedAt)
	assert.Contains(t, sup.ListRunning(), sess.ID)

	require.NoError(t, sup.Stop(ctx, sess.ID))

	status, err = sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgStopped, status.BgStatus)
	assert.Equal(t, session.StatusStopped, status.Status)
	assert.Empty(t, sup.ListRunning())

	// No more cycles after stop.
	frozen := status.CycleCount
	time.Sleep(100 * time.Millisecond)
	status, _ = sup.Status(ctx, sess.ID)
	assert.Equal(t, frozen, status.CycleCount)
}

func TestCreateRejectsSecondRunningSession(t *testing.T) {
	sup, _ := newFixture(t, holdGateway())
	ctx := context.Background()

	first, err := sup.Create(ctx, testRequest())
	require.NoError(t, err)

	_, err = sup.Create(ctx, testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAlreadyRunning)

	// After the first stops, a new one may be created.
	require.NoError(t, sup.store.SetSessionStatus(ctx, first.ID, session.StatusStopped, ""))
	_, err = sup.Create(ctx, testRequest())
	assert.NoError(t, err)
}

func TestStartRejectsWhileRunning(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 1)

	err = sup.Start(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, sup.Stop(ctx, sess.ID))
}

func TestStopIsIdempotent(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 1)

	require.NoError(t, sup.Stop(ctx, sess.ID))
	require.NoError(t, sup.Stop(ctx, sess.ID))
	require.NoError(t, sup.Stop(ctx, 9999)) // unknown id is a no-op too

	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgStopped, status.BgStatus)
}

func TestRestartAfterStop(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 1)
	require.NoError(t, sup.Stop(ctx, sess.ID))

	stopped, _ := sup.Status(ctx, sess.ID)
	base := stopped.CycleCount

	require.NoError(t, sup.Start(ctx, sess.ID))
	waitForCycles(t, store, sess.ID, base+1)
	require.NoError(t, sup.Stop(ctx, sess.ID))
}

func TestStatusNilBeforeFirstStart(t *testing.T) {
	sup, _ := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.Create(ctx, testRequest())
	require.NoError(t, err)

	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, status)

	_, err = sup.Status(ctx, 12345)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCycleErrorsDoNotCrashWorker(t *testing.T) {
	gw := &scriptedGateway{err: errors.New("model unavailable")}
	sup, store := newFixture(t, gw)
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 2)

	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgRunning, status.BgStatus)
	assert.Contains(t, status.LastError, "llm_failed")

	require.NoError(t, sup.Stop(ctx, sess.ID))
}

// cancellableStore mimics a SQL-backed store: once armed, reads park on the
// caller's context and abort with its error, the way pgx queries do.
type cancellableStore struct {
	session.Store
	armed   atomic.Bool
	entered chan struct{}
}

func newCancellableStore() *cancellableStore {
	return &cancellableStore{Store: session.NewMemStore(), entered: make(chan struct{}, 1)}
}

func (c *cancellableStore) FindSession(ctx context.Context, id int64) (*session.Session, error) {
	if c.armed.Load() {
		select {
		case c.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.Store.FindSession(ctx, id)
}

func TestStopDuringStoreCallEndsStopped(t *testing.T) {
	venue := sim.NewWithEquity(10000)
	venue.SetMarkPrice(btc, 50000)
	tmpl, err := prompt.Parse("trader", "cycle {{.CycleNumber}}", nil)
	require.NoError(t, err)

	store := newCancellableStore()
	runner := engine.NewRunner(venue, market.NewAssembler(venue, tmpl), holdGateway(), store,
		engine.WithOrderPause(0),
	)
	sup := New(store, runner, WithStopTimeout(2*time.Second))
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 1)

	// Park the worker inside a store read, then stop. The aborted read must
	// resolve as a graceful exit, not a crash.
	store.armed.Store(true)
	<-store.entered
	require.NoError(t, sup.Stop(ctx, sess.ID))
	store.armed.Store(false)

	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgStopped, status.BgStatus)
	assert.Equal(t, session.StatusStopped, status.Status)
	assert.NotContains(t, status.LastError, "context canceled")
	assert.Empty(t, sup.ListRunning())
}

// failingStore drops cycle-record writes once armed, leaving everything else
// to the in-memory store.
type failingStore struct {
	session.Store
	failAppend atomic.Bool
}

func (f *failingStore) AppendCycleRecord(ctx context.Context, rec *session.CycleRecord) error {
	if f.failAppend.Load() {
		return errors.New("disk full")
	}
	return f.Store.AppendCycleRecord(ctx, rec)
}

func TestRepeatedPersistFailuresCrashWorker(t *testing.T) {
	venue := sim.NewWithEquity(10000)
	venue.SetMarkPrice(btc, 50000)
	tmpl, err := prompt.Parse("trader", "cycle {{.CycleNumber}}", nil)
	require.NoError(t, err)

	store := &failingStore{Store: session.NewMemStore()}
	runner := engine.NewRunner(venue, market.NewAssembler(venue, tmpl), holdGateway(), store,
		engine.WithOrderPause(0),
	)
	sup := New(store, runner, WithStopTimeout(2*time.Second))
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 1)

	store.failAppend.Store(true)

	require.Eventually(t, func() bool {
		s, err := store.FindSession(ctx, sess.ID)
		return err == nil && s.BgStatus == session.BgCrashed
	}, 5*time.Second, 10*time.Millisecond)

	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCrashed, status.Status)
	assert.Contains(t, status.LastError, "persist")
	assert.Empty(t, sup.ListRunning())
}

func TestRecoverMarksOrphanedSessionsCrashed(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	// Simulate a session left behind by a previous process: durable state
	// says running, but no worker exists here.
	sess := &session.Session{
		Symbols:  []string{btc},
		Risk:     testRiskParams(),
		Interval: time.Minute,
	}
	require.NoError(t, store.CreateSession(ctx, sess))
	require.NoError(t, store.UpdateBgStatus(ctx, sess.ID, session.BgStarting))
	require.NoError(t, store.UpdateBgStatus(ctx, sess.ID, session.BgRunning))

	require.NoError(t, sup.Recover(ctx))

	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgCrashed, status.BgStatus)
	assert.Equal(t, session.StatusCrashed, status.Status)
	assert.Equal(t, "process restart", status.LastError)

	// A crashed session may be restarted by the operator.
	require.NoError(t, sup.Start(ctx, sess.ID))
	waitForCycles(t, store, sess.ID, 1)
	require.NoError(t, sup.Stop(ctx, sess.ID))
}

func TestRecoverLeavesLiveWorkersAlone(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 1)

	require.NoError(t, sup.Recover(ctx))
	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgRunning, status.BgStatus)

	require.NoError(t, sup.Stop(ctx, sess.ID))
}

func TestShutdownStopsEverything(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 1)

	sup.Shutdown(ctx)

	assert.Empty(t, sup.ListRunning())
	status, err := sup.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgStopped, status.BgStatus)
	assert.Equal(t, session.StatusStopped, status.Status)
}

func TestCycleLogAndTimeline(t *testing.T) {
	sup, store := newFixture(t, holdGateway())
	ctx := context.Background()

	sess, err := sup.StartNew(ctx, testRequest())
	require.NoError(t, err)
	waitForCycles(t, store, sess.ID, 2)
	require.NoError(t, sup.Stop(ctx, sess.ID))

	records, err := sup.CycleLog(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	// Newest first; every record carries the session's audit fields.
	assert.GreaterOrEqual(t, records[0].CycleNumber, records[len(records)-1].CycleNumber)
	assert.Equal(t, sess.ID, records[0].SessionID)

	limited, err := sup.CycleLog(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	timeline, err := sup.AssetTimeline(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, timeline)
	assert.Equal(t, "hold", timeline[0].DecisionType)

	sessions, err := sup.List(ctx, session.ListFilter{Status: session.StatusStopped})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)

	_, err = sup.CycleLog(ctx, 404, 0)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = sup.AssetTimeline(ctx, 404)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCreateValidatesRequest(t *testing.T) {
	sup, _ := newFixture(t, holdGateway())
	ctx := context.Background()

	req := testRequest()
	req.Symbols = nil
	_, err := sup.Create(ctx, req)
	assert.Error(t, err)

	req = testRequest()
	req.Interval = 0
	_, err = sup.Create(ctx, req)
	assert.Error(t, err)

	req = testRequest()
	req.Risk.MaxLeverage = 0
	_, err = sup.Create(ctx, req)
	assert.Error(t, err)
}

func TestBgTransitions(t *testing.T) {
	legal := [][2]session.BgStatus{
		{session.BgIdle, session.BgStarting},
		{session.BgStarting, session.BgRunning},
		{session.BgStarting, session.BgStopping}, // stop issued during startup
		{session.BgRunning, session.BgStopping},
		{session.BgStopping, session.BgStopped},
		{session.BgRunning, session.BgCrashed},
		{session.BgStopped, session.BgStarting},
		{session.BgCrashed, session.BgStarting},
	}
	for _, tc := range legal {
		assert.True(t, session.CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	illegal := [][2]session.BgStatus{
		{session.BgIdle, session.BgRunning},
		{session.BgStopped, session.BgRunning},
		{session.BgCrashed, session.BgStopped},
		{session.BgRunning, session.BgStarting},
	}
	for _, tc := range illegal {
		assert.False(t, session.CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}
