// Command meshhaiku generates short poems through a local LLM endpoint
// and broadcasts them on a mesh channel, recording every outcome in the
// haiku history.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/config"
	"github.com/meshcourier/meshcourier/internal/haiku"
	"github.com/meshcourier/meshcourier/internal/logging"
	"github.com/meshcourier/meshcourier/internal/proto"
	"github.com/meshcourier/meshcourier/internal/sender"
	"github.com/meshcourier/meshcourier/internal/stamp"
	"github.com/meshcourier/meshcourier/internal/store"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: meshhaiku [flags] <addr> <channel>

Generates a haiku through a local chat-completions endpoint, cleans it
for the radio and broadcasts it on a mesh channel. With --repeat-every
a failed send keeps the same haiku for the next cycle; a confirmed one
generates a fresh haiku and advances the #N sequence.

  addr     radio address, host or host:port (default port %d)
  channel  channel index 1-7 (0 is the primary slot, reserved)

Flags:
`, proto.DefaultTCPPort)
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshhaiku:", err)
		os.Exit(1)
	}
}

func run() error {
	repeatEvery := flag.Int("repeat-every", 0, "generate and send every N seconds (0 sends once)")
	endpoint := flag.String("endpoint", haiku.DefaultEndpoint, "chat completions endpoint")
	model := flag.String("model", haiku.DefaultModel, "model name")
	dbPath := flag.String("db", "meshcourier.db", "SQLite file for haiku history")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		return errors.New("expected <addr> <channel>")
	}
	addr := flag.Arg(0)
	channel, err := parseChannel(flag.Arg(1))
	if err != nil {
		return err
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(config.LogConfig{Level: level})
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	client := haiku.NewClient(haiku.Options{Endpoint: *endpoint, Model: *model}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snd := sender.New(addr, sender.Config{}, log)
	if err := snd.Connect(); err != nil {
		return err
	}
	defer snd.Close()

	record := func(body string, seq int, rcpt sender.Receipt) {
		if _, err := db.InsertHaiku(&store.HaikuRecord{
			Body:     body,
			Channel:  channel,
			Sequence: seq,
			Outcome:  rcpt.Outcome.String(),
		}); err != nil {
			log.Warn("haiku not recorded", zap.Error(err))
		}
	}

	if *repeatEvery <= 0 {
		body, err := compose(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		rcpt := snd.SendAndConfirm(channel, stamp.Message(time.Now(), body), false)
		record(body, 0, rcpt)
		fmt.Printf("%s: %s\n", rcpt.Outcome, body)
		if !rcpt.OK() {
			return fmt.Errorf("send %s", rcpt.Outcome)
		}
		return nil
	}

	every := time.Duration(*repeatEvery) * time.Second
	log.Info("repeating haikus", zap.Duration("every", every), zap.Uint32("channel", channel))

	seq := 0
	pending := "" // cleaned haiku waiting for a successful send
	cycle := func() {
		if pending == "" {
			body, err := compose(ctx, client)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("no haiku this cycle", zap.Error(err))
				}
				return
			}
			pending = body
		}
		rcpt := snd.SendAndConfirm(channel, stamp.Sequenced(time.Now(), seq, pending), false)
		record(pending, seq, rcpt)
		if rcpt.OK() {
			pending = ""
			seq = stamp.NextSeq(seq)
		} else {
			log.Warn("send failed, same haiku goes out next cycle",
				zap.Int("seq", seq),
				zap.String("outcome", rcpt.Outcome.String()))
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	cycle()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopped")
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}

// compose generates one haiku and cleans it down to the radio-safe
// character set.
func compose(ctx context.Context, client *haiku.Client) (string, error) {
	raw, err := client.Generate(ctx)
	if err != nil {
		return "", err
	}
	return haiku.CleanHaiku(raw)
}

func parseChannel(s string) (uint32, error) {
	ch, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("channel %q is not a number", s)
	}
	if ch == 0 {
		return 0, errors.New("channel 0 is reserved for the primary slot; use 1-7")
	}
	if ch > 7 {
		return 0, fmt.Errorf("channel %d out of range 1-7", ch)
	}
	return uint32(ch), nil
}
