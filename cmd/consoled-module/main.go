package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/consoled/internal/config"
	"github.com/danmuck/consoled/internal/logging"
	"github.com/danmuck/consoled/internal/modserver"
	"github.com/danmuck/consoled/internal/modules"
	"github.com/danmuck/consoled/internal/securemem"
)

func main() {
	module := flag.String("m", "", "module to serve")
	socket := flag.String("s", "", "unix socket to listen on")
	locale := flag.String("l", "", "initial locale")
	registryPath := flag.String("registry", "", "system registry file for module timeouts")
	workers := flag.Int("workers", 1, "handler goroutines")
	flag.Parse()

	logging.ConfigureRuntime()
	securemem.Setup()
	if err := run(*module, *socket, *locale, *registryPath, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "consoled-module: %v\n", err)
		securemem.Purge()
		os.Exit(1)
	}
	securemem.Purge()
}

func run(module, socket, locale, registryPath string, workers int) error {
	mod, ok := modules.Builtin().Module(module)
	if !ok {
		return fmt.Errorf("unknown module %q", module)
	}
	cfg := modserver.Config{Module: mod, Socket: socket, Locale: locale, Workers: workers}
	if registryPath != "" {
		reg, err := config.LoadRegistry(registryPath)
		if err != nil {
			return err
		}
		cfg.IdleTimeout = reg.GetDuration(config.KeyModuleIdle, 0)
		cfg.WatchdogTimeout = reg.GetDuration(config.KeyModuleWatchdog, 0)
	}
	srv, err := modserver.New(cfg)
	if err != nil {
		return err
	}
	// Signals are left to securemem, which wipes credentials and exits.
	return srv.Serve(context.Background())
}
