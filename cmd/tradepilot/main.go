package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradepilot/internal/config"
	"tradepilot/internal/svc"
	"tradepilot/pkg/supervisor"
)

var configFile = flag.String("f", "etc/tradepilot.yaml", "the config file")

func main() {
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	cfg.MustSetUp()
	defer logx.Close()

	ctx := svc.NewServiceContext(*cfg, *configFile)

	rootCtx := context.Background()
	// Sessions the store still believes are live belong to a previous
	// process; mark them crashed before starting anything new.
	if err := ctx.Supervisor.Recover(rootCtx); err != nil {
		log.Fatalf("recover sessions: %v", err)
	}

	if len(cfg.Trader.Symbols) == 0 {
		log.Fatal("trader.symbols must name at least one instrument")
	}
	if cfg.Risk.Value == nil {
		log.Fatal("risk config section is required")
	}

	sess, err := ctx.Supervisor.StartNew(rootCtx, supervisor.StartRequest{
		Symbols:        cfg.Trader.Symbols,
		Risk:           *cfg.Risk.Value,
		Interval:       time.Duration(cfg.Trader.IntervalSeconds) * time.Second,
		InitialCapital: cfg.Trader.InitialCapital,
	})
	if err != nil {
		log.Fatalf("start session: %v", err)
	}
	fmt.Printf("session %d started: %v every %ds\n", sess.ID, sess.Symbols, cfg.Trader.IntervalSeconds)

	sigCtx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	fmt.Println("shutting down...")
	ctx.Supervisor.Shutdown(rootCtx)
}
