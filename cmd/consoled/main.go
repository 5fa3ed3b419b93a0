package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/consoled/internal/config"
	"github.com/danmuck/consoled/internal/daemon"
	"github.com/danmuck/consoled/internal/logging"
	"github.com/danmuck/consoled/internal/securemem"
)

func main() {
	configPath := flag.String("config", "/etc/consoled/consoled.toml", "server config file")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "consoled: %v\n", err)
		securemem.Purge()
		os.Exit(1)
	}
	securemem.Purge()
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	log := logging.For("consoled")
	log.Info().Str("path", configPath).Msg("loaded server config")

	svc, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
