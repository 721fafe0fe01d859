package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/gtequant/market-maker/internal/config"
	"github.com/gtequant/market-maker/internal/exchange"
	"github.com/gtequant/market-maker/internal/journal"
	"github.com/gtequant/market-maker/internal/maker"
	"github.com/gtequant/market-maker/internal/notifier"
	"github.com/gtequant/market-maker/internal/store"
)

func main() {
	// Credentials usually live in .env during development; absence is fine.
	if err := godotenv.Load(); err == nil {
		log.Println("Main | Loaded environment from .env")
	}

	cfg := config.MustLoad()
	log.Printf("Main | Starting market maker for %s (dry_run=%v)", cfg.Symbol, cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jr journal.Journaler = journal.NewMemory()
	if cfg.DBConnStr != "" {
		pg, err := journal.NewPostgres(ctx, cfg.DBConnStr)
		if err != nil {
			log.Fatalf("Main | Journal init failed: %v", err)
		}
		jr = pg
		log.Println("Main | Journaling to Postgres")
	}
	defer jr.Close()

	var nt notifier.Notifier = notifier.NewNoop()
	if cfg.TelegramToken != "" {
		nt = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, 3, 0)
		log.Println("Main | Telegram notifications enabled")
	}

	var transport exchange.Transport
	if cfg.DryRun {
		transport = exchange.NewDryRun()
	} else {
		transport = exchange.NewClient(cfg.RESTURL, cfg.APIKey, cfg.APISecret, cfg.InstrumentType)
	}

	m := maker.New(cfg, store.New(), transport, jr, nt)
	if err := m.Run(ctx); err != nil {
		log.Fatalf("Main | Market maker stopped with error: %v", err)
	}
	log.Println("Main | Shutdown complete")
}
