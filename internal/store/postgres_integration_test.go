//go:build integration
// +build integration

package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/internal/store"
	"tradepilot/pkg/decision"
	"tradepilot/pkg/risk"
	"tradepilot/pkg/session"
)

// The tests need a disposable database with schema.sql applied:
//
//	psql "$TRADEPILOT_PG_DSN" -f internal/store/schema.sql
//	go test -tags integration ./internal/store/...
func newIntegrationStore(t *testing.T) *store.Postgres {
	t.Helper()
	dsn := os.Getenv("TRADEPILOT_PG_DSN")
	if dsn == "" {
		t.Skip("Postgres not configured (TRADEPILOT_PG_DSN empty)")
	}
	p, err := store.Open(dsn)
	require.NoError(t, err, "open postgres store")
	return p
}

func testSession() *session.Session {
	return &session.Session{
		InitialCapital: 10000,
		Symbols:        []string{"BTC/USDT:USDT"},
		Risk: risk.Params{
			MaxLeverage:         10,
			MaxNotionalPerTrade: 5000,
			MaxDrawdownPct:      5,
			MaxPositions:        5,
			MaxTotalExposure:    50000,
		},
		Interval: 3 * time.Minute,
	}
}

func stopLeftovers(t *testing.T, p *store.Postgres) {
	t.Helper()
	ctx := context.Background()
	running, err := p.ListSessions(ctx, session.ListFilter{Status: session.StatusRunning})
	require.NoError(t, err)
	for _, s := range running {
		require.NoError(t, p.SetSessionStatus(ctx, s.ID, session.StatusStopped, "integration cleanup"))
	}
}

func TestSessionLifecycleRoundTrip(t *testing.T) {
	p := newIntegrationStore(t)
	stopLeftovers(t, p)
	ctx := context.Background()

	sess := testSession()
	require.NoError(t, p.CreateSession(ctx, sess))
	require.Positive(t, sess.ID)
	t.Cleanup(func() {
		_ = p.SetSessionStatus(context.Background(), sess.ID, session.StatusStopped, "integration cleanup")
	})

	// The partial unique index admits one running session at a time.
	err := p.CreateSession(ctx, testSession())
	assert.ErrorIs(t, err, session.ErrAlreadyRunning)

	found, err := p.FindSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, found.Status)
	assert.Equal(t, session.BgIdle, found.BgStatus)
	assert.Equal(t, sess.Symbols, found.Symbols)
	assert.Equal(t, sess.Risk.MaxLeverage, found.Risk.MaxLeverage)
	assert.Equal(t, 3*time.Minute, found.Interval)

	assert.ErrorIs(t, p.UpdateBgStatus(ctx, sess.ID, session.BgRunning), session.ErrBadTransition)
	require.NoError(t, p.UpdateBgStatus(ctx, sess.ID, session.BgStarting))
	require.NoError(t, p.UpdateBgStatus(ctx, sess.ID, session.BgRunning))

	found, err = p.FindSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.BgRunning, found.BgStatus)
	assert.NotNil(t, found.StartedAt)

	require.NoError(t, p.MarkCycle(ctx, sess.ID, time.Now().UTC(), "llm_failed: upstream 500"))
	require.NoError(t, p.MarkCycle(ctx, sess.ID, time.Now().UTC(), ""))

	found, err = p.FindSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), found.CycleCount)
	assert.Empty(t, found.LastError)
	assert.NotNil(t, found.LastCycleAt)

	require.NoError(t, p.UpdateBgStatus(ctx, sess.ID, session.BgStopping))
	require.NoError(t, p.UpdateBgStatus(ctx, sess.ID, session.BgStopped))
	require.NoError(t, p.SetSessionStatus(ctx, sess.ID, session.StatusStopped, ""))

	found, err = p.FindSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, found.Status)
	assert.NotNil(t, found.StoppedAt)
}

func TestCycleRecordRoundTrip(t *testing.T) {
	p := newIntegrationStore(t)
	stopLeftovers(t, p)
	ctx := context.Background()

	sess := testSession()
	require.NoError(t, p.CreateSession(ctx, sess))
	t.Cleanup(func() {
		_ = p.SetSessionStatus(context.Background(), sess.ID, session.StatusStopped, "integration cleanup")
	})

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 1; i <= 2; i++ {
		rec := &session.CycleRecord{
			ID:           uuid.NewString(),
			SessionID:    sess.ID,
			CycleNumber:  int64(i),
			Ts:           base.Add(time.Duration(i) * time.Minute),
			PromptDigest: "digest-1",
			UserPrompt:   "cycle prompt",
			RawReply:     `[{"symbol":"BTC/USDT:USDT","action":"open_long"}]`,
			Decisions: []decision.Decision{
				{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Leverage: 5, PositionSizeUSD: 1000},
			},
			Executions: []session.ExecutionResult{
				{Symbol: "BTC/USDT:USDT", Action: decision.ActionOpenLong, Success: true, OrderID: "42", Quantity: 0.02, Price: 50000},
			},
			Account:  session.AccountSummary{Equity: 10000, TotalAsset: 10000 + float64(i)*50, AvailableCash: 9000},
			Snapshot: []byte{0x92, 0x01, 0x02},
		}
		require.NoError(t, p.AppendCycleRecord(ctx, rec))
	}

	recs, err := p.ListCycleRecords(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].CycleNumber) // newest first
	assert.Equal(t, "digest-1", recs[0].PromptDigest)
	require.Len(t, recs[0].Decisions, 1)
	assert.Equal(t, decision.ActionOpenLong, recs[0].Decisions[0].Action)
	require.Len(t, recs[0].Executions, 1)
	assert.Equal(t, "42", recs[0].Executions[0].OrderID)
	assert.Equal(t, []byte{0x92, 0x01, 0x02}, recs[0].Snapshot)

	limited, err := p.ListCycleRecords(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	timeline, err := p.AssetTimeline(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, 10050.0, timeline[0].TotalAsset) // oldest first
	assert.Equal(t, string(decision.ActionOpenLong), timeline[0].DecisionType)
}
