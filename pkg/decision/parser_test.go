package decision

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFencedJSON(t *testing.T) {
	raw := "Market looks overextended on the 4h.\n\n```json\n" +
		`[{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":5,` +
		`"position_size_usd":1000,"stop_loss_pct":2,"take_profit_pct":5,` +
		`"confidence":72,"risk_usd":20,"reasoning":"momentum"}]` +
		"\n```"

	out := Parse(raw)
	require.Len(t, out.Decisions, 1)
	assert.Empty(t, out.ParseErrors)
	assert.Equal(t, "Market looks overextended on the 4h.", out.Thinking)

	d := out.Decisions[0]
	assert.Equal(t, ActionOpenLong, d.Action)
	assert.Equal(t, 5, d.Leverage)
	assert.Equal(t, 1000.0, d.PositionSizeUSD)
	assert.Equal(t, 72, d.Confidence)
}

func TestParseRoundTrip(t *testing.T) {
	original := []Decision{
		{
			Symbol: "BTC/USDT:USDT", Action: ActionOpenLong, Leverage: 5,
			PositionSizeUSD: 1500, StopLossPct: 2, TakeProfitPct: 6,
			Confidence: 80, RiskUSD: 30, Reasoning: "breakout",
		},
		{Symbol: "ETH/USDT:USDT", Action: ActionCloseShort},
		{Symbol: "SOL/USDT:USDT", Action: ActionHold},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)

	out := Parse("thinking\n```json\n" + string(data) + "\n```")
	assert.Empty(t, out.ParseErrors)
	assert.Equal(t, original, out.Decisions)
}

func TestParseUnfencedFallback(t *testing.T) {
	raw := `Here is my call: [{"symbol":"ETH/USDT:USDT","action":"hold"}] done.`
	out := Parse(raw)
	require.Len(t, out.Decisions, 1)
	assert.Equal(t, ActionHold, out.Decisions[0].Action)
	assert.Equal(t, "Here is my call:", out.Thinking)
}

func TestParseGenericFenceWithBrackets(t *testing.T) {
	raw := "thinking...\n```\n[{\"symbol\":\"BTC/USDT:USDT\",\"action\":\"wait\"}]\n```"
	out := Parse(raw)
	require.Len(t, out.Decisions, 1)
	assert.Equal(t, ActionWait, out.Decisions[0].Action)
}

func TestParseTrailingCommaRepair(t *testing.T) {
	raw := "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"hold",},]` + "\n```"
	out := Parse(raw)
	require.Len(t, out.Decisions, 1)
	assert.Empty(t, out.ParseErrors)
}

func TestParseNoArray(t *testing.T) {
	out := Parse("I would rather not trade today.")
	assert.Empty(t, out.Decisions)
	require.Len(t, out.ParseErrors, 1)
	assert.Contains(t, out.ParseErrors[0], "no JSON array")
	assert.Equal(t, "I would rather not trade today.", out.Thinking)
}

func TestParseIrreparableJSON(t *testing.T) {
	out := Parse("```json\n[{\"symbol\": oops}]\n```")
	assert.Empty(t, out.Decisions)
	require.NotEmpty(t, out.ParseErrors)
	assert.Contains(t, out.ParseErrors[0], "invalid JSON array")
}

func TestParseDropsInvalidEntriesOnly(t *testing.T) {
	raw := "```json\n" + `[
		{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":3,"position_size_usd":500,"confidence":80},
		{"symbol":"","action":"open_short","leverage":2,"position_size_usd":100,"confidence":50},
		{"symbol":"ETH/USDT:USDT","action":"teleport"},
		{"symbol":"SOL/USDT:USDT","action":"close_long"}
	]` + "\n```"

	out := Parse(raw)
	require.Len(t, out.Decisions, 2)
	assert.Equal(t, ActionOpenLong, out.Decisions[0].Action)
	assert.Equal(t, ActionCloseLong, out.Decisions[1].Action)
	require.Len(t, out.ParseErrors, 2)
	assert.Contains(t, out.ParseErrors[0], "decision[1]")
	assert.Contains(t, out.ParseErrors[1], "unknown action")
}

func TestParseCoercesStringNumbers(t *testing.T) {
	raw := "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"open_short",
		"leverage":"4","position_size_usd":"250.5","confidence":"65","stop_loss_pct":"1.5"}]` + "\n```"
	out := Parse(raw)
	require.Len(t, out.Decisions, 1)
	d := out.Decisions[0]
	assert.Equal(t, 4, d.Leverage)
	assert.Equal(t, 250.5, d.PositionSizeUSD)
	assert.Equal(t, 65, d.Confidence)
	assert.Equal(t, 1.5, d.StopLossPct)
}

func TestParseAbsoluteStopWinsOverPct(t *testing.T) {
	raw := "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":2,
		"position_size_usd":100,"confidence":70,"stop_loss":61000,"stop_loss_pct":3,
		"take_profit":70000,"take_profit_pct":8}]` + "\n```"
	out := Parse(raw)
	require.Len(t, out.Decisions, 1)
	d := out.Decisions[0]
	assert.Equal(t, 61000.0, d.StopLoss)
	assert.Zero(t, d.StopLossPct)
	assert.Equal(t, 70000.0, d.TakeProfit)
	assert.Zero(t, d.TakeProfitPct)
}

func TestParseOpenValidation(t *testing.T) {
	raw := "```json\n" + `[{"symbol":"BTC/USDT:USDT","action":"open_long","leverage":0,
		"position_size_usd":-5,"confidence":130}]` + "\n```"
	out := Parse(raw)
	assert.Empty(t, out.Decisions)
	require.Len(t, out.ParseErrors, 1)
	for _, want := range []string{"leverage", "position_size_usd", "confidence"} {
		assert.True(t, strings.Contains(out.ParseErrors[0], want), "missing %q in %q", want, out.ParseErrors[0])
	}
}
