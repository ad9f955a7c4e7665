package engine

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/pkg/decision"
	"tradepilot/pkg/exchange"
	"tradepilot/pkg/exchange/sim"
	"tradepilot/pkg/market"
	"tradepilot/pkg/prompt"
	"tradepilot/pkg/risk"
	"tradepilot/pkg/session"
)

const btc = "BTC/USDT:USDT"

type fakeGateway struct {
	reply string
	err   error

	gotSystem string
	gotUser   string
	gotTemp   float64
	calls     int
}

func (f *fakeGateway) Chat(_ context.Context, system, user string, temperature float64) (string, error) {
	f.calls++
	f.gotSystem, f.gotUser, f.gotTemp = system, user, temperature
	return f.reply, f.err
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

type fixture struct {
	venue  *sim.Provider
	store  *session.MemStore
	gw     *fakeGateway
	runner *Runner
	sess   *session.Session
}

func newFixture(t *testing.T, reply string, gwErr error) *fixture {
	t.Helper()
	venue := sim.NewWithEquity(10000)
	venue.SetMarkPrice(btc, 50000)

	tmpl, err := prompt.Parse("trader", "cycle {{.CycleNumber}}: {{.InstrumentBlocks}}", nil)
	require.NoError(t, err)

	store := session.NewMemStore()
	sess := &session.Session{
		InitialCapital: 10000,
		Symbols:        []string{btc},
		Risk:           testRiskParams(),
		Interval:       time.Minute,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	gw := &fakeGateway{reply: reply, err: gwErr}
	runner := NewRunner(venue, market.NewAssembler(venue, tmpl), gw, store,
		WithSystemPrompt("you are a trader", "digest-1"),
		WithTemperature(0.7),
		WithOrderPause(0),
	)
	return &fixture{venue: venue, store: store, gw: gw, runner: runner, sess: sess}
}

func openLongReply(notional float64) string {
	return "going long\n```json\n" +
		`[{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":5,` +
		`"position_size_usd":` + strconv.FormatFloat(notional, 'f', -1, 64) +
		`,"stop_loss_pct":2,"take_profit_pct":5,"confidence":80,` +
		`"risk_usd":20,"reasoning":"test"}]` +
		"\n```"
}

func TestRunCycleOpensPosition(t *testing.T) {
	f := newFixture(t, openLongReply(2000), nil)
	ctx := context.Background()

	rec, err := f.runner.RunCycle(ctx, f.sess, 1)
	require.NoError(t, err)

	assert.Equal(t, "you are a trader", f.gw.gotSystem)
	assert.Contains(t, f.gw.gotUser, "cycle 1")
	assert.Equal(t, 0.7, f.gw.gotTemp)

	assert.Empty(t, rec.FailedStage)
	assert.Equal(t, "digest-1", rec.PromptDigest)
	assert.Equal(t, "going long", rec.Thinking)
	require.Len(t, rec.Decisions, 1)
	require.Len(t, rec.Verdicts, 1)
	assert.Equal(t, risk.VerdictApproved, rec.Verdicts[0].Kind)

	require.Len(t, rec.Executions, 1)
	exec := rec.Executions[0]
	assert.True(t, exec.Success)
	assert.NotEmpty(t, exec.OrderID)
	assert.InDelta(t, 2000.0/50000, exec.Quantity, 1e-9)

	// The venue received exactly one market order: no resting TP/SL, no
	// reduce-only flag on an open.
	orders := f.venue.Orders()
	require.Len(t, orders, 1)
	assert.False(t, orders[0].ReduceOnly)
	assert.Equal(t, 5, orders[0].Leverage)

	stored, err := f.store.FindSession(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.CycleCount)
	assert.Empty(t, stored.LastError)
}

func TestRunCycleUnparseableReply(t *testing.T) {
	f := newFixture(t, "no trades for me, thanks", nil)
	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	assert.Empty(t, rec.FailedStage)
	assert.Empty(t, rec.Decisions)
	assert.Empty(t, rec.Executions)
	assert.NotEmpty(t, rec.ParseErrors)

	stored, _ := f.store.FindSession(context.Background(), f.sess.ID)
	assert.Equal(t, int64(1), stored.CycleCount)
	assert.Empty(t, stored.LastError)
}

func TestRunCycleLLMFailure(t *testing.T) {
	f := newFixture(t, "", errors.New("upstream 500"))
	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	assert.Equal(t, session.StageLLMFailed, rec.FailedStage)
	assert.Contains(t, rec.Error, "upstream 500")
	assert.NotEmpty(t, rec.UserPrompt) // assembly succeeded before the failure

	stored, _ := f.store.FindSession(context.Background(), f.sess.ID)
	assert.Equal(t, int64(1), stored.CycleCount)
	assert.Contains(t, stored.LastError, "llm_failed")
}

func TestRunCycleAssembleFailure(t *testing.T) {
	f := newFixture(t, openLongReply(1000), nil)
	f.venue.FailNext("get_klines", exchange.KindNetwork)

	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	assert.Equal(t, session.StageAssembleFailed, rec.FailedStage)
	assert.Zero(t, f.gw.calls)
	assert.Empty(t, rec.Executions)

	stored, _ := f.store.FindSession(context.Background(), f.sess.ID)
	assert.Equal(t, int64(1), stored.CycleCount)
	assert.Contains(t, stored.LastError, "assemble_failed")
}

func TestRunCycleCloseWithoutPosition(t *testing.T) {
	reply := "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"close_long"}]` + "\n```"
	f := newFixture(t, reply, nil)

	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	require.Len(t, rec.Executions, 1)
	assert.False(t, rec.Executions[0].Success)
	assert.Equal(t, "position_not_found", rec.Executions[0].Error)
	assert.Empty(t, rec.FailedStage)

	stored, _ := f.store.FindSession(context.Background(), f.sess.ID)
	assert.Equal(t, int64(1), stored.CycleCount)
}

func TestRunCycleCloseIsReduceOnly(t *testing.T) {
	reply := "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"close_long"}]` + "\n```"
	f := newFixture(t, reply, nil)
	_, err := f.venue.OpenLong(context.Background(), exchange.OpenRequest{Symbol: btc, Quantity: 0.05, Leverage: 5})
	require.NoError(t, err)

	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	require.Len(t, rec.Executions, 1)
	assert.True(t, rec.Executions[0].Success)
	assert.Equal(t, 0.05, rec.Executions[0].Quantity)

	orders := f.venue.Orders()
	last := orders[len(orders)-1]
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, exchange.SideShort, last.Side)
}

func TestRunCycleRejectedDecisionNotExecuted(t *testing.T) {
	// Over-sized, over-levered and under-confident: three warnings reject.
	reply := "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":20,` +
		`"position_size_usd":8000,"confidence":40}]` + "\n```"
	f := newFixture(t, reply, nil)

	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	require.Len(t, rec.Verdicts, 1)
	assert.Equal(t, risk.VerdictRejected, rec.Verdicts[0].Kind)
	assert.Empty(t, rec.Executions)
	assert.Empty(t, f.venue.Orders())
}

func TestRunCycleIsolatesExecutionFailures(t *testing.T) {
	reply := "```json\n" + `[
		{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":5,"position_size_usd":1000,"confidence":80},
		{"symbol":"BTC/USDT:USDT","action":"hold"}
	]` + "\n```"
	f := newFixture(t, reply, nil)
	f.venue.FailNext("open", exchange.KindRateLimit)

	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	require.Len(t, rec.Executions, 2)
	assert.False(t, rec.Executions[0].Success)
	assert.Contains(t, rec.Executions[0].Error, "rate_limit")
	assert.True(t, rec.Executions[1].Success)
	assert.Equal(t, decision.ActionHold, rec.Executions[1].Action)
}

func TestRunCycleHoldAndWaitAreNoOps(t *testing.T) {
	reply := "```json\n" + `[
		{"symbol":"BTC/USDT:USDT","action":"hold"},
		{"symbol":"BTC/USDT:USDT","action":"wait"}
	]` + "\n```"
	f := newFixture(t, reply, nil)

	rec, err := f.runner.RunCycle(context.Background(), f.sess, 1)
	require.NoError(t, err)

	require.Len(t, rec.Executions, 2)
	for _, exec := range rec.Executions {
		assert.True(t, exec.Success)
	}
	assert.Empty(t, f.venue.Orders())
}

func TestAdvisoryStopProjection(t *testing.T) {
	assert.Equal(t, 61000.0, advisoryStop(61000, 3, 50000, true, true))
	assert.InDelta(t, 49000.0, advisoryStop(0, 2, 50000, true, true), 1e-9)  // long stop below
	assert.InDelta(t, 52500.0, advisoryStop(0, 5, 50000, true, false), 1e-9) // long target above
	assert.InDelta(t, 51000.0, advisoryStop(0, 2, 50000, false, true), 1e-9) // short stop above
	assert.Zero(t, advisoryStop(0, 0, 50000, true, true))
}
