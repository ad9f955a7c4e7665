package exchange

import (
	"fmt"
	"strings"
)

// Symbols flow through the core in canonical "BASE/QUOTE:QUOTE" form
// (e.g. "BTC/USDT:USDT" for the USDT-margined BTC perpetual). Venues use
// their own spelling; adapters translate at the boundary.

// CanonicalSymbol normalizes sym into "BASE/QUOTE:QUOTE" form. Accepted
// inputs are the canonical form itself, "BASE/QUOTE", and the concatenated
// venue form "BASEQUOTE" for the known quote currencies.
func CanonicalSymbol(sym string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if s == "" {
		return "", fmt.Errorf("exchange: empty symbol")
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		base, quote := s[:i], s[i+1:]
		if base == "" || quote == "" {
			return "", fmt.Errorf("exchange: malformed symbol %q", sym)
		}
		return base + "/" + quote + ":" + quote, nil
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			base := strings.TrimSuffix(s, quote)
			return base + "/" + quote + ":" + quote, nil
		}
	}
	return "", fmt.Errorf("exchange: cannot canonicalize symbol %q", sym)
}

// MarketSymbol converts a canonical symbol into the concatenated venue form,
// e.g. "BTC/USDT:USDT" -> "BTCUSDT".
func MarketSymbol(canonical string) string {
	s := canonical
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "/", "")
}

// BaseAsset extracts the base currency from a canonical symbol.
func BaseAsset(canonical string) string {
	if i := strings.IndexByte(canonical, '/'); i >= 0 {
		return canonical[:i]
	}
	return canonical
}

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD"}
