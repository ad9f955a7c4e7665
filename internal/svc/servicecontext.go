package svc

import (
	"log"
	"os"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradepilot/internal/config"
	"tradepilot/internal/store"
	"tradepilot/pkg/confkit"
	"tradepilot/pkg/engine"
	exchangepkg "tradepilot/pkg/exchange"
	_ "tradepilot/pkg/exchange/binance"
	_ "tradepilot/pkg/exchange/sim"
	llmpkg "tradepilot/pkg/llm"
	"tradepilot/pkg/market"
	"tradepilot/pkg/prompt"
	"tradepilot/pkg/session"
	"tradepilot/pkg/supervisor"
)

// ServiceContext wires configuration into the live collaborators: exchange
// providers, the LLM gateway, the prompt template, the session store and the
// supervisor.
type ServiceContext struct {
	Config config.Config

	ExchangeProviders map[string]exchangepkg.Provider
	DefaultExchange   exchangepkg.Provider
	LLMClient         *llmpkg.Client
	PromptTemplate    *prompt.Template
	SystemPrompt      string

	Store      session.Store
	Runner     *engine.Runner
	Supervisor *supervisor.Supervisor
}

func NewServiceContext(c config.Config, mainConfigPath string) *ServiceContext {
	svc := &ServiceContext{Config: c}
	baseDir := confkit.BaseDir(mainConfigPath)

	if c.Exchange.Value == nil {
		log.Fatal("exchange config section is required")
	}
	if c.IsTestEnv() {
		for _, provider := range c.Exchange.Value.Providers {
			provider.Testnet = true
		}
	}
	providers, err := c.Exchange.Value.BuildProviders()
	if err != nil {
		log.Fatalf("failed to build exchange providers: %v", err)
	}
	svc.ExchangeProviders = providers
	svc.DefaultExchange = providers[c.Exchange.Value.Default]
	if svc.DefaultExchange == nil {
		log.Fatalf("default exchange provider %q is not configured", c.Exchange.Value.Default)
	}

	if c.LLM.Value == nil {
		log.Fatal("llm config section is required")
	}
	svc.LLMClient, err = llmpkg.NewClient(c.LLM.Value)
	if err != nil {
		log.Fatalf("failed to init llm client: %v", err)
	}

	svc.PromptTemplate, err = prompt.New(confkit.ResolvePath(baseDir, c.Trader.PromptTemplate), nil)
	if err != nil {
		log.Fatalf("failed to load prompt template: %v", err)
	}
	systemText, err := os.ReadFile(confkit.ResolvePath(baseDir, c.Trader.SystemPrompt))
	if err != nil {
		log.Fatalf("failed to read system prompt: %v", err)
	}
	svc.SystemPrompt = string(systemText)

	if c.Postgres.DSN != "" {
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		svc.Store = store.New(conn)
	} else {
		// No database configured: keep state in process. Useful for dry
		// runs against the sim provider.
		svc.Store = session.NewMemStore()
	}

	assembler := market.NewAssembler(svc.DefaultExchange, svc.PromptTemplate)
	svc.Runner = engine.NewRunner(
		svc.DefaultExchange, assembler, svc.LLMClient, svc.Store,
		engine.WithSystemPrompt(svc.SystemPrompt, svc.PromptTemplate.Digest()),
		engine.WithTemperature(c.Trader.Temperature),
	)
	svc.Supervisor = supervisor.New(svc.Store, svc.Runner)
	return svc
}
