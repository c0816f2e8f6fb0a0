// vigild is the monitoring server daemon. It accepts secure sessions from
// peers, stores the values they send and evaluates trigger functions on
// request.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/vigil/internal/loader"
	"github.com/xtxerr/vigil/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "vigil.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "metastore database path (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	watch := flag.Bool("watch", false, "reload config and credential files on change")
	check := flag.Bool("check", false, "validate the configuration and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("vigild", Version)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Metastore.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}
	if *check {
		fmt.Println("configuration is valid")
		return
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log.Info("vigild starting", "version", Version, "config", *cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, *cfgPath, cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	err = d.run(ctx, *watch)
	d.close()
	if err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("vigild stopped")
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig(path string) (*loader.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logging.Info("no config file found, using defaults", "path", path)
		return loader.DefaultConfig(), nil
	}
	return loader.Load(path)
}
