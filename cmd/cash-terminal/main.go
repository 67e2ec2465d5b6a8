package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/heysalad/cash/internal/agent"
	"github.com/heysalad/cash/internal/appclient"
	"github.com/heysalad/cash/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	addr := cfg.ListenAddr
	if v := strings.TrimSpace(os.Getenv("CASHD_ADDR")); v != "" {
		addr = v
	}

	terminalID := flag.String("terminal", "", "terminal id to register as")
	flag.StringVar(&addr, "addr", addr, "daemon address")
	interval := flag.Duration("poll-interval", cfg.DevicePollInterval, "how often to poll for work")
	flag.Parse()

	if strings.TrimSpace(*terminalID) == "" {
		fatal(fmt.Errorf("-terminal is required"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deviceInfo, err := json.Marshal(map[string]string{
		"agent": "cash-terminal",
		"os":    runtime.GOOS,
		"arch":  runtime.GOARCH,
	})
	if err != nil {
		fatal(err)
	}

	client := appclient.New(addr).WithUnaryTimeout(cfg.RequestTimeout)
	if _, err := client.Health(ctx); err != nil {
		fatal(fmt.Errorf("daemon unreachable at %s: %w", addr, err))
	}

	a, err := agent.New(client, agent.ConsoleDisplay{W: os.Stdout}, agent.Options{
		TerminalID:   *terminalID,
		DeviceInfo:   deviceInfo,
		PollInterval: *interval,
		LogWriter:    os.Stderr,
	})
	if err != nil {
		fatal(err)
	}

	_, _ = fmt.Fprintf(os.Stderr, "cash-terminal: polling %s as %s every %s\n", addr, *terminalID, *interval)
	if err := a.Run(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "cash-terminal: %v\n", err)
	os.Exit(1)
}
