package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/heysalad/cash/internal/config"
	"github.com/heysalad/cash/internal/daemon"
	"github.com/heysalad/cash/internal/db"
	"github.com/heysalad/cash/internal/model"
	"github.com/heysalad/cash/internal/payments"
)

// walletFlags collects repeatable -wallet merchant:chain:address bindings.
type walletFlags []model.MerchantWallet

func (w *walletFlags) String() string {
	parts := make([]string, 0, len(*w))
	for _, b := range *w {
		parts = append(parts, fmt.Sprintf("%s:%s:%s", b.MerchantID, b.Chain, b.WalletAddress))
	}
	return strings.Join(parts, ",")
}

func (w *walletFlags) Set(v string) error {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("expected merchant:chain:address, got %q", v)
	}
	chain, err := payments.ChainByName(parts[1])
	if err != nil {
		return err
	}
	address, err := payments.NormalizeAddress(parts[2])
	if err != nil {
		return err
	}
	merchant := strings.TrimSpace(parts[0])
	if merchant == "" {
		return fmt.Errorf("merchant id is required in %q", v)
	}
	*w = append(*w, model.MerchantWallet{
		MerchantID:    merchant,
		Chain:         chain.Name,
		WalletAddress: address.Hex(),
	})
	return nil
}

func main() {
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	applyEnv(&cfg)

	var wallets walletFlags
	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "HTTP listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.DurationVar(&cfg.FreshnessWindow, "freshness-window", cfg.FreshnessWindow, "how recently a terminal must have polled to count as online")
	flag.DurationVar(&cfg.ProcessingTimeout, "processing-timeout", cfg.ProcessingTimeout, "how long a claimed command may stay in processing")
	flag.DurationVar(&cfg.RequeueInterval, "requeue-interval", cfg.RequeueInterval, "how often to sweep stuck commands")
	flag.Int64Var(&cfg.MaxDeliveries, "max-deliveries", cfg.MaxDeliveries, "delivery attempts before a stuck command fails")
	flag.Var(&wallets, "wallet", "merchant wallet binding merchant:chain:address (repeatable)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	now := time.Now().UTC()
	for _, w := range wallets {
		w.UpdatedAt = now
		if err := store.UpsertMerchantWallet(ctx, w); err != nil {
			fatal(fmt.Errorf("seed wallet %s/%s: %w", w.MerchantID, w.Chain, err))
		}
	}

	srv := daemon.NewServer(cfg, store)
	go srv.RunRequeueLoop(ctx)

	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

// applyEnv overlays CASHD_* variables onto the defaults; flags still win.
func applyEnv(cfg *config.Config) {
	if v := strings.TrimSpace(os.Getenv("CASHD_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CASHD_DB")); v != "" {
		cfg.DBPath = v
	}
	if v := envDuration("CASHD_FRESHNESS_WINDOW"); v > 0 {
		cfg.FreshnessWindow = v
	}
	if v := envDuration("CASHD_PROCESSING_TIMEOUT"); v > 0 {
		cfg.ProcessingTimeout = v
	}
	if v := envDuration("CASHD_REQUEUE_INTERVAL"); v > 0 {
		cfg.RequeueInterval = v
	}
	if v := strings.TrimSpace(os.Getenv("CASHD_MAX_DELIVERIES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxDeliveries = n
		}
	}
}

func envDuration(name string) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "cashd: %v\n", err)
	os.Exit(1)
}
