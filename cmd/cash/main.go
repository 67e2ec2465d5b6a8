package main

import (
	"context"
	"os"
	"strings"

	"github.com/heysalad/cash/internal/cli"
	"github.com/heysalad/cash/internal/config"
)

func main() {
	addr := strings.TrimSpace(os.Getenv("CASHD_ADDR"))
	if addr == "" {
		addr = config.DefaultConfig().ListenAddr
	}
	r := cli.NewRunner(addr, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
