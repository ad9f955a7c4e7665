package binance

import (
	"tradepilot/pkg/exchange"
)

func init() {
	exchange.RegisterProvider("binance", func(name string, cfg *exchange.ProviderConfig) (exchange.Provider, error) {
		opts := []ClientOption{}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		return NewClient(cfg.APIKey, cfg.APISecret, cfg.Testnet, cfg.Timeout, opts...), nil
	})
}

var _ exchange.Provider = (*Client)(nil)
