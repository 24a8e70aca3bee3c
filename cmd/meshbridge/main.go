// Command meshbridge runs the mesh-to-MQTT bridge daemon: radio link,
// broker session, REST/WebSocket API and the SQLite store, until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/bridge"
	"github.com/meshcourier/meshcourier/internal/config"
	"github.com/meshcourier/meshcourier/internal/logging"
	"github.com/meshcourier/meshcourier/internal/store"
)

func usage() {
	fmt.Fprint(flag.CommandLine.Output(), `Usage: meshbridge [flags]

Runs the bridge daemon. Configuration comes from defaults, an optional
YAML file and MESHCOURIER_* environment overrides.

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshbridge:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "config file (default: meshcourier.yaml in the working directory, if present)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		return fmt.Errorf("unexpected argument %q", flag.Arg(0))
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	b, err := bridge.New(cfg, db, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("meshbridge starting",
		zap.String("device", cfg.Device.Addr),
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("api", cfg.API.ListenAddr))
	return b.Start(ctx)
}
