package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTC/USDT:USDT",
		"ETHUSDC":       "ETH/USDC:USDC",
		"btcusdt":       "BTC/USDT:USDT",
		"BTC/USDT":      "BTC/USDT:USDT",
		"BTC/USDT:USDT": "BTC/USDT:USDT",
	}
	for in, want := range cases {
		got, err := CanonicalSymbol(in)
		assert.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	for _, bad := range []string{"", "USDT", "FOO-BAR"} {
		_, err := CanonicalSymbol(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestMarketSymbolRoundTrip(t *testing.T) {
	assert.Equal(t, "BTCUSDT", MarketSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "BTC", BaseAsset("BTC/USDT:USDT"))
}

func TestIntervalSet(t *testing.T) {
	for _, iv := range []string{"1m", "15m", "4h", "1d", "1w", "1M"} {
		assert.True(t, ValidInterval(iv), iv)
	}
	for _, iv := range []string{"2m", "45m", "1y", ""} {
		assert.False(t, ValidInterval(iv), iv)
	}
	assert.Error(t, CheckInterval("7h"))
	assert.NoError(t, CheckInterval("1h"))
}

func TestErrorKindClassification(t *testing.T) {
	err := NewError(KindRateLimit, "get_klines", assert.AnError)
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.True(t, IsTransient(err))

	err = NewError(KindInvalidOrder, "open", assert.AnError)
	assert.False(t, IsTransient(err))
	assert.Equal(t, KindOther, KindOf(assert.AnError))
}
