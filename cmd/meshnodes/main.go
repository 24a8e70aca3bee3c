package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/config"
	"github.com/meshcourier/meshcourier/internal/logging"
	"github.com/meshcourier/meshcourier/internal/proto"
	"github.com/meshcourier/meshcourier/internal/sender"
	"github.com/meshcourier/meshcourier/internal/state"
)

// The node database streams in during and after the config dump; give
// stragglers a moment to arrive before reading it.
const settleDelay = 5 * time.Second

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: meshnodes [flags] <addr>

Connects to a radio, reads its node database and prints a roster
report, most recently heard first.

  addr  radio address, host or host:port (default port %d)

Flags:
`, proto.DefaultTCPPort)
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshnodes:", err)
		os.Exit(1)
	}
}

func run() error {
	csvPath := flag.String("csv", "", "also write the roster to this CSV file")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("expected <addr>")
	}
	addr := flag.Arg(0)

	level := "info"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(config.LogConfig{Level: level})
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snd := sender.New(addr, sender.Config{}, log)
	if err := snd.Connect(); err != nil {
		return err
	}
	defer snd.Close()

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(settleDelay):
	}

	lk := snd.Link()
	if lk == nil {
		return errors.New("link lost before the node database could be read")
	}

	roster, err := state.New(nil)
	if err != nil {
		return err
	}
	for _, ni := range lk.Nodes() {
		if err := roster.ApplyNodeInfo(ni); err != nil {
			log.Warn("node skipped", zap.Uint32("num", ni.Num), zap.Error(err))
		}
	}

	nodes := roster.ListNodes()
	state.WriteReport(os.Stdout, nodes)

	if *csvPath != "" {
		if err := writeCSVFile(*csvPath, nodes); err != nil {
			return err
		}
		log.Info("roster saved", zap.String("path", *csvPath), zap.Int("nodes", len(nodes)))
	}
	return nil
}

func writeCSVFile(path string, nodes []*state.Node) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := state.WriteCSV(f, nodes); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
