// Package sender implements the reliable-send connection manager: it
// owns the device link, supervises its construction, tracks transmit
// acknowledgments through a per-epoch queue, and recovers from
// transport failures with bounded retries. At most one confirmed send
// is in flight per Sender.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/link"
	"github.com/meshcourier/meshcourier/internal/proto"
)

// Default tunables. The confirmation deadline and poll interval bound
// the wait for the radio's queue-status verdict; connect attempts and
// delay govern link establishment.
const (
	DefaultConnectAttempts = 3
	DefaultRetryDelay      = 5 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
	DefaultStabilizeDelay  = 2 * time.Second
	DefaultSendAttempts    = 3
	DefaultConfirmTimeout  = 10 * time.Second
	DefaultAckPoll         = 500 * time.Millisecond
)

// errNoIdentity: the link came up but the radio never presented its
// own node record, which counts as a failed connect attempt.
var errNoIdentity = errors.New("sender: radio reported no local node identity")

// Config adjusts a Sender. Zero fields take the package defaults.
type Config struct {
	ConnectAttempts int
	RetryDelay      time.Duration
	ConnectTimeout  time.Duration // supervised link-construction budget
	StabilizeDelay  time.Duration // settle time after a link comes up
	SendAttempts    int           // total tries per send call
	ConfirmTimeout  time.Duration
	AckPoll         time.Duration

	// Dial produces the device link. Defaults to the TCP link.
	Dial link.Dialer

	// OnLink, when set, runs after every successful (re)connect with
	// the fresh link, before the Sender reports ready. Observers use
	// it to reinstall their taps across reconnects. Must not block.
	OnLink func(link.Link)
}

func (c Config) withDefaults(log *zap.Logger) Config {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.StabilizeDelay <= 0 {
		c.StabilizeDelay = DefaultStabilizeDelay
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.AckPoll <= 0 {
		c.AckPoll = DefaultAckPoll
	}
	if c.Dial == nil {
		c.Dial = link.NewDialer(log)
	}
	return c
}

// Sender is the connection manager. Methods are safe for concurrent
// use; sends are serialized so only one confirmation wait runs at a
// time.
type Sender struct {
	addr string
	cfg  Config
	log  *zap.Logger

	sendMu sync.Mutex // one in-flight send

	mu     sync.Mutex // guards the connection epoch below
	lk     link.Link
	acks   *ackQueue
	unsubs []func()
}

// New builds a Sender for the radio at addr. The link is not dialed
// until Connect.
func New(addr string, cfg Config, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{addr: addr, cfg: cfg.withDefaults(log), log: log}
}

// Addr returns the device address this Sender manages.
func (s *Sender) Addr() string { return s.addr }

// ── Connect ───────────────────────────────────────────────────────────────

// Connect establishes a fresh connection, replacing any live one. Up
// to ConnectAttempts attempts separated by RetryDelay; every failure
// kind is retried here. The last error is returned wrapped.
func (s *Sender) Connect() error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		if attempt > 1 {
			s.log.Info("sender: retrying connect",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.cfg.ConnectAttempts),
				zap.Duration("delay", s.cfg.RetryDelay),
			)
			time.Sleep(s.cfg.RetryDelay)
		}
		err := s.connectOnce()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Warn("sender: connect attempt failed",
			zap.Int("attempt", attempt),
			zap.String("kind", link.Classify(err).String()),
			zap.Error(err),
		)
	}
	return fmt.Errorf("sender: connect %s after %d attempts: %w",
		s.addr, s.cfg.ConnectAttempts, lastErr)
}

// connectOnce performs one full establishment cycle: supervised dial,
// identity check, acknowledgment taps, keepalive neutralization,
// stabilization delay.
func (s *Sender) connectOnce() error {
	s.Close() // never layer a new epoch over a live one

	lk, err := s.superviseDial()
	if err != nil {
		return err
	}

	num, ok := lk.LocalNodeNum()
	if !ok {
		lk.Close() //nolint:errcheck
		return errNoIdentity
	}

	q := newAckQueue()
	unPackets := lk.TapPackets(func(p *proto.MeshPacket) {
		q.push(event{packet: p, at: time.Now()})
	})
	unFrames := lk.TapFrames(func(fr *proto.FromRadio) {
		if fr.QueueStatus != nil {
			q.push(event{ack: fr.QueueStatus, at: time.Now()})
		}
	})

	// The link's own heartbeat can reset a marginal session mid-send;
	// the manager takes over liveness responsibility.
	lk.StopKeepalive()

	time.Sleep(s.cfg.StabilizeDelay)

	s.mu.Lock()
	s.lk = lk
	s.acks = q
	s.unsubs = []func(){unPackets, unFrames}
	s.mu.Unlock()

	if s.cfg.OnLink != nil {
		s.cfg.OnLink(lk)
	}
	s.log.Info("sender: link ready",
		zap.String("addr", s.addr),
		zap.String("local_node", proto.NodeIDString(num)),
	)
	return nil
}

// superviseDial bounds link construction. Past the budget the attempt
// is abandoned, never force-killed: the dial goroutine finishes in the
// background and a late-arriving link is closed and discarded.
func (s *Sender) superviseDial() (link.Link, error) {
	type result struct {
		lk  link.Link
		err error
	}
	ch := make(chan result, 1)
	go func() {
		lk, err := s.cfg.Dial(context.Background(), s.addr)
		ch <- result{lk: lk, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("sender: dial: %w", r.err)
		}
		return r.lk, nil
	case <-time.After(s.cfg.ConnectTimeout):
		go func() {
			r := <-ch
			if r.lk != nil {
				r.lk.Close() //nolint:errcheck
			}
			s.log.Debug("sender: abandoned dial finished", zap.Error(r.err))
		}()
		return nil, fmt.Errorf("sender: dial %s: construction exceeded %s: %w",
			s.addr, s.cfg.ConnectTimeout, context.DeadlineExceeded)
	}
}

// ── Health & accessors ────────────────────────────────────────────────────

// Healthy reports whether the current link still presents the local
// node identity. False once closed, never dialed, or the reader died.
func (s *Sender) Healthy() bool {
	s.mu.Lock()
	lk := s.lk
	s.mu.Unlock()
	if lk == nil {
		return false
	}
	_, ok := lk.LocalNodeNum()
	return ok
}

// Link exposes the live link for observers (rosters, monitors). May
// be nil. Ownership stays with the Sender; callers must not Close it.
func (s *Sender) Link() link.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lk
}

func (s *Sender) current() (link.Link, *ackQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lk, s.acks
}

// ── Send ──────────────────────────────────────────────────────────────────

// SendAndConfirm broadcasts body on a channel and waits for the
// radio's queue-status verdict unless skipConfirm is set. Transport
// failures during the send trigger a full teardown, reconnect and
// another attempt, up to SendAttempts total. An ack timeout or an
// explicit rejection is final for this call: repeating it is the
// caller's policy, not the manager's.
func (s *Sender) SendAndConfirm(channel uint32, body string, skipConfirm bool) Receipt {
	return s.send(proto.BroadcastAddr, channel, body, skipConfirm)
}

// SendDirect sends body to a single node on the primary channel slot,
// with the same confirmation and retry semantics as SendAndConfirm.
func (s *Sender) SendDirect(dest uint32, body string, skipConfirm bool) Receipt {
	return s.send(dest, 0, body, skipConfirm)
}

func (s *Sender) send(dest, channel uint32, body string, skipConfirm bool) Receipt {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	start := time.Now()
	rcpt := Receipt{Outcome: OutcomeFailed}

	for attempt := 1; attempt <= s.cfg.SendAttempts; attempt++ {
		rcpt.Attempts = attempt

		if !s.Healthy() {
			s.log.Warn("sender: link unhealthy, reconnecting before send",
				zap.Int("attempt", attempt))
			if err := s.Connect(); err != nil {
				s.log.Error("sender: recovery connect failed", zap.Error(err))
				break
			}
		}

		lk, acks := s.current()
		if lk == nil {
			continue
		}

		id, err := lk.SendTextTo(dest, channel, body)
		if err != nil {
			s.log.Error("sender: send failed",
				zap.Int("attempt", attempt),
				zap.String("kind", link.Classify(err).String()),
				zap.Error(err),
			)
			s.Close()
			continue
		}
		if id == 0 {
			s.log.Error("sender: radio produced no packet id", zap.Int("attempt", attempt))
			s.Close()
			continue
		}
		rcpt.PacketID = id

		if skipConfirm {
			rcpt.Outcome = OutcomeAccepted
			s.log.Info("sender: sent without confirmation",
				zap.Uint32("packet_id", id),
				zap.Uint32("channel", channel),
			)
			break
		}

		rcpt.Outcome, rcpt.ResultCode = s.awaitVerdict(acks, id)
		break
	}

	rcpt.Elapsed = time.Since(start)
	return rcpt
}

// awaitVerdict drains the acknowledgment queue until a queue-status
// record matches id or the confirmation deadline passes. Non-matching
// records are discarded. A timeout verdict never fires before the
// deadline and overshoots it by at most one poll interval.
func (s *Sender) awaitVerdict(q *ackQueue, id uint32) (Outcome, int32) {
	deadline := time.Now().Add(s.cfg.ConfirmTimeout)
	for {
		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			qs := ev.ack
			if qs == nil {
				continue // mesh traffic, not a queue verdict
			}
			if qs.MeshPacketID != id {
				s.log.Debug("sender: unrelated queue status discarded",
					zap.Uint32("mesh_packet_id", qs.MeshPacketID),
					zap.Uint32("awaiting", id),
				)
				continue
			}
			if qs.Res == 0 {
				s.log.Info("sender: delivery confirmed",
					zap.Uint32("packet_id", id),
					zap.Uint32("queue_free", qs.Free),
				)
				return OutcomeConfirmed, 0
			}
			s.log.Warn("sender: radio rejected packet",
				zap.Uint32("packet_id", id),
				zap.Int32("res", qs.Res),
			)
			return OutcomeRejected, qs.Res
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			s.log.Warn("sender: confirmation timed out",
				zap.Uint32("packet_id", id),
				zap.Duration("waited", s.cfg.ConfirmTimeout),
			)
			return OutcomeTimedOut, 0
		}
		wait := s.cfg.AckPoll
		if remain < wait {
			wait = remain
		}
		select {
		case <-q.wake():
		case <-time.After(wait):
		}
	}
}

// ── Close ─────────────────────────────────────────────────────────────────

// Close tears down the current connection: taps removed, link released
// unconditionally, all errors logged and swallowed. Safe in any state,
// any number of times. The closed link's own flag makes late keepalive
// ticks and receive callbacks no-ops.
func (s *Sender) Close() {
	s.mu.Lock()
	lk := s.lk
	unsubs := s.unsubs
	s.lk = nil
	s.acks = nil
	s.unsubs = nil
	s.mu.Unlock()

	if lk == nil {
		return
	}
	for _, un := range unsubs {
		un()
	}
	if err := lk.Close(); err != nil {
		s.log.Warn("sender: link close", zap.Error(err))
	}
	s.log.Info("sender: connection closed", zap.String("addr", s.addr))
}
