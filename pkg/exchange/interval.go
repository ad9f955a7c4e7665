package exchange

import "fmt"

// Kline intervals form a closed set shared by every adapter.
var validIntervals = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

// ValidInterval reports whether interval belongs to the supported set.
func ValidInterval(interval string) bool {
	_, ok := validIntervals[interval]
	return ok
}

// CheckInterval returns a structured invalid_order error for unknown intervals.
func CheckInterval(interval string) error {
	if !ValidInterval(interval) {
		return NewError(KindInvalidOrder, "get_klines", fmt.Errorf("unsupported interval %q", interval))
	}
	return nil
}
