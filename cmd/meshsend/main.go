package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/config"
	"github.com/meshcourier/meshcourier/internal/logging"
	"github.com/meshcourier/meshcourier/internal/proto"
	"github.com/meshcourier/meshcourier/internal/sender"
	"github.com/meshcourier/meshcourier/internal/stamp"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: meshsend [flags] <addr> <channel> <message>

Broadcasts a text message on a mesh channel and waits for the radio's
transmit-queue verdict. The message is prefixed with a compact
M/D/YY@HHMM stamp; with --repeat-every it also carries a #N sequence
marker that advances only on confirmed sends.

  addr     radio address, host or host:port (default port %d)
  channel  channel index 1-7 (0 is the primary slot, reserved)

Flags:
`, proto.DefaultTCPPort)
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshsend:", err)
		os.Exit(1)
	}
}

func run() error {
	repeatEvery := flag.Int("repeat-every", 0, "repeat the send every N seconds (0 sends once)")
	noWait := flag.Bool("no-wait", false, "hand the message to the radio without waiting for its verdict")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 3 {
		flag.Usage()
		return errors.New("expected <addr> <channel> <message>")
	}
	addr := flag.Arg(0)
	channel, err := parseChannel(flag.Arg(1))
	if err != nil {
		return err
	}
	text := flag.Arg(2)
	if strings.TrimSpace(text) == "" {
		return errors.New("message must not be empty")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snd := sender.New(addr, sender.Config{}, log)
	if err := snd.Connect(); err != nil {
		return err
	}
	defer snd.Close()

	if *repeatEvery <= 0 {
		rcpt := snd.SendAndConfirm(channel, stamp.Message(time.Now(), text), *noWait)
		fmt.Printf("%s: packet %d, %d attempt(s), %.1fs\n",
			rcpt.Outcome, rcpt.PacketID, rcpt.Attempts, rcpt.Elapsed.Seconds())
		if !rcpt.OK() {
			return fmt.Errorf("send %s", rcpt.Outcome)
		}
		return nil
	}

	every := time.Duration(*repeatEvery) * time.Second
	log.Info("repeating send", zap.Duration("every", every), zap.Uint32("channel", channel))

	seq := 0
	sendOnce := func() {
		rcpt := snd.SendAndConfirm(channel, stamp.Sequenced(time.Now(), seq, text), *noWait)
		if rcpt.OK() {
			log.Info("sent",
				zap.Int("seq", seq),
				zap.String("outcome", rcpt.Outcome.String()),
				zap.Uint32("packet_id", rcpt.PacketID))
			seq = stamp.NextSeq(seq)
		} else {
			log.Warn("send failed, sequence number held for the next cycle",
				zap.Int("seq", seq),
				zap.String("outcome", rcpt.Outcome.String()),
				zap.Int("attempts", rcpt.Attempts))
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	sendOnce()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopped")
			return nil
		case <-ticker.C:
			sendOnce()
		}
	}
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
