package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/proto"
)

// TCPLink speaks the Meshtastic client API over TCP (default port
// 4403). One dial, one reader goroutine, one keepalive goroutine; when
// the reader terminates the link is dead and Done() is closed.
type TCPLink struct {
	addr string
	log  *zap.Logger

	conn   net.Conn
	state  atomic.Int32 // ConnectionState
	closed atomic.Bool

	wmu sync.Mutex // serializes frame writes

	tapsMu     sync.RWMutex
	packetTaps map[uint64]func(*proto.MeshPacket)
	frameTaps  map[uint64]func(*proto.FromRadio)
	nextTap    uint64

	nodesMu sync.RWMutex
	myInfo  *proto.MyNodeInfo
	nodes   map[uint32]*proto.NodeInfo

	cfgNonce uint32
	cfgOnce  sync.Once
	cfgDone  chan struct{}

	packetID atomic.Uint32

	hbStop chan struct{}
	hbOnce sync.Once

	wg   sync.WaitGroup
	done chan struct{}

	errMu   sync.Mutex
	readErr error
}

// Dial connects to a radio, performs the config handshake and starts
// the keepalive. addr may omit the port; the client API default is
// assumed.
func Dial(ctx context.Context, addr string, log *zap.Logger) (*TCPLink, error) {
	hostport := ensurePort(addr)
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", hostport, err)
	}

	l := newTCPLink(conn, hostport, log)
	l.wg.Add(1)
	go l.readLoop()

	if err := l.handshake(ctx); err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	l.state.Store(int32(StateConnected))
	l.startKeepalive()
	l.log.Info("link: connected",
		zap.String("addr", hostport),
		zap.String("local_node", l.localIDString()),
		zap.Int("known_nodes", l.NodeCount()),
	)
	return l, nil
}

// NewDialer adapts Dial to the Dialer signature with a fixed logger.
func NewDialer(log *zap.Logger) Dialer {
	return func(ctx context.Context, addr string) (Link, error) {
		return Dial(ctx, addr, log)
	}
}

func newTCPLink(conn net.Conn, addr string, log *zap.Logger) *TCPLink {
	l := &TCPLink{
		addr:       addr,
		log:        log,
		conn:       conn,
		packetTaps: make(map[uint64]func(*proto.MeshPacket)),
		frameTaps:  make(map[uint64]func(*proto.FromRadio)),
		nodes:      make(map[uint32]*proto.NodeInfo),
		cfgDone:    make(chan struct{}),
		hbStop:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	l.state.Store(int32(StateConnecting))
	l.packetID.Store(rand.Uint32())
	return l
}

func ensurePort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(proto.DefaultTCPPort))
}

// ── Handshake ─────────────────────────────────────────────────────────────

func (l *TCPLink) handshake(ctx context.Context) error {
	nonce := rand.Uint32()
	if nonce == 0 {
		nonce = 1
	}
	l.cfgNonce = nonce
	if err := l.writeFrame(proto.EncodeWantConfig(nonce)); err != nil {
		return fmt.Errorf("link: want_config: %w", err)
	}
	select {
	case <-l.cfgDone:
		return nil
	case <-l.done:
		return fmt.Errorf("link: handshake: %w", l.Err())
	case <-ctx.Done():
		return fmt.Errorf("link: handshake: %w", ctx.Err())
	case <-time.After(handshakeTimeout):
		return fmt.Errorf("link: config handshake: %w", context.DeadlineExceeded)
	}
}

// ── State & identity ──────────────────────────────────────────────────────

// State reports the current connection state.
func (l *TCPLink) State() ConnectionState {
	return ConnectionState(l.state.Load())
}

// LocalNodeNum reports the radio's own node number once known. It goes
// false again when the link closes or the reader dies, which is what
// the connection manager's health check keys on.
func (l *TCPLink) LocalNodeNum() (uint32, bool) {
	if l.closed.Load() || l.State() != StateConnected {
		return 0, false
	}
	l.nodesMu.RLock()
	defer l.nodesMu.RUnlock()
	if l.myInfo == nil {
		return 0, false
	}
	return l.myInfo.MyNodeNum, true
}

// MyInfo returns a copy of the radio's identity record.
func (l *TCPLink) MyInfo() (proto.MyNodeInfo, bool) {
	l.nodesMu.RLock()
	defer l.nodesMu.RUnlock()
	if l.myInfo == nil {
		return proto.MyNodeInfo{}, false
	}
	return *l.myInfo, true
}

// Nodes snapshots the radio's node database as collected from the
// config dump and live NodeInfo frames. Entries are read-only.
func (l *TCPLink) Nodes() []*proto.NodeInfo {
	l.nodesMu.RLock()
	defer l.nodesMu.RUnlock()
	out := make([]*proto.NodeInfo, 0, len(l.nodes))
	for _, ni := range l.nodes {
		out = append(out, ni)
	}
	return out
}

// NodeCount reports how many nodes the radio has told us about.
func (l *TCPLink) NodeCount() int {
	l.nodesMu.RLock()
	defer l.nodesMu.RUnlock()
	return len(l.nodes)
}

func (l *TCPLink) localIDString() string {
	l.nodesMu.RLock()
	defer l.nodesMu.RUnlock()
	if l.myInfo == nil {
		return "?"
	}
	return proto.NodeIDString(l.myInfo.MyNodeNum)
}

// Done is closed once the reader has terminated for any reason.
func (l *TCPLink) Done() <-chan struct{} { return l.done }

// Err reports why the reader terminated, nil while it is running.
func (l *TCPLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.readErr
}

// ── Taps ──────────────────────────────────────────────────────────────────

// TapPackets registers fn for every decoded mesh packet. fn runs on
// the reader goroutine and must not block or call Close.
func (l *TCPLink) TapPackets(fn func(*proto.MeshPacket)) func() {
	l.tapsMu.Lock()
	defer l.tapsMu.Unlock()
	id := l.nextTap
	l.nextTap++
	l.packetTaps[id] = fn
	return func() {
		l.tapsMu.Lock()
		defer l.tapsMu.Unlock()
		delete(l.packetTaps, id)
	}
}

// TapFrames registers fn for every FromRadio envelope, decoded or not.
// Same constraints as TapPackets.
func (l *TCPLink) TapFrames(fn func(*proto.FromRadio)) func() {
	l.tapsMu.Lock()
	defer l.tapsMu.Unlock()
	id := l.nextTap
	l.nextTap++
	l.frameTaps[id] = fn
	return func() {
		l.tapsMu.Lock()
		defer l.tapsMu.Unlock()
		delete(l.frameTaps, id)
	}
}

// ── Sending ───────────────────────────────────────────────────────────────

// SendText broadcasts body on the given channel index and returns the
// client-assigned packet id.
func (l *TCPLink) SendText(channel uint32, body string) (uint32, error) {
	return l.SendTextTo(proto.BroadcastAddr, channel, body)
}

// SendTextTo sends body to a specific destination node.
func (l *TCPLink) SendTextTo(dest, channel uint32, body string) (uint32, error) {
	id := l.nextPacketID()
	pkt := &proto.MeshPacket{
		To:       dest,
		Channel:  channel,
		ID:       id,
		HopLimit: defaultHopLimit,
		Decoded: &proto.Data{
			PortNum: proto.PortTextMessage,
			Payload: []byte(body),
		},
	}
	raw, err := proto.EncodeMeshPacket(pkt)
	if err != nil {
		return 0, fmt.Errorf("link: %w: %s", ErrProtocol, err)
	}
	if err := l.writeFrame(raw); err != nil {
		return 0, err
	}
	l.log.Debug("link: text queued to radio",
		zap.Uint32("packet_id", id),
		zap.Uint32("channel", channel),
		zap.String("to", proto.NodeIDString(dest)),
		zap.Int("bytes", len(body)),
	)
	return id, nil
}

// Packet ids are client-assigned: random start, then increment, zero
// skipped so "no id" stays unambiguous.
func (l *TCPLink) nextPacketID() uint32 {
	for {
		if id := l.packetID.Add(1); id != 0 {
			return id
		}
	}
}

func (l *TCPLink) writeFrame(payload []byte) error {
	buf, err := proto.WrapFrame(payload)
	if err != nil {
		return fmt.Errorf("link: %w: %s", ErrProtocol, err)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.closed.Load() {
		return fmt.Errorf("link: write: %w", net.ErrClosed)
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if _, err := l.conn.Write(buf); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// ── Keepalive ─────────────────────────────────────────────────────────────

func (l *TCPLink) startKeepalive() {
	if keepaliveInterval <= 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		t := time.NewTicker(keepaliveInterval)
		defer t.Stop()
		for {
			select {
			case <-l.hbStop:
				return
			case <-l.done:
				return
			case <-t.C:
				if l.closed.Load() {
					return
				}
				if err := l.writeFrame(proto.EncodeHeartbeat()); err != nil {
					l.log.Warn("link: heartbeat failed", zap.Error(err))
					return
				}
				l.log.Debug("link: heartbeat sent")
			}
		}
	}()
}

// StopKeepalive cancels the heartbeat task. The empirical reason to do
// this before supervised sends: heartbeat writes racing a dying socket
// can reset the session mid-send.
func (l *TCPLink) StopKeepalive() {
	l.hbOnce.Do(func() { close(l.hbStop) })
}

// ── Close ─────────────────────────────────────────────────────────────────

// Close marks the link closed first, so late keepalive ticks and tap
// dispatches observe the flag, then stops the heartbeat, sends a
// best-effort disconnect notice, releases the socket and waits for the
// reader. All errors are swallowed after logging.
func (l *TCPLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.StopKeepalive()

	if frame, err := proto.WrapFrame(proto.EncodeDisconnect()); err == nil {
		l.wmu.Lock()
		l.conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		_, werr := l.conn.Write(frame)
		l.wmu.Unlock()
		if werr != nil {
			l.log.Debug("link: disconnect notice failed", zap.Error(werr))
		}
	}
	if err := l.conn.Close(); err != nil {
		l.log.Debug("link: socket close", zap.Error(err))
	}
	l.wg.Wait()
	l.state.Store(int32(StateDisconnected))
	l.log.Info("link: closed", zap.String("addr", l.addr))
	return nil
}

// ── Reader ────────────────────────────────────────────────────────────────

func (l *TCPLink) readLoop() {
	defer l.wg.Done()
	defer close(l.done)

	br := bufio.NewReaderSize(l.conn, readBufSize)
	hdr := make([]byte, 2)
	for {
		b, err := br.ReadByte()
		if err != nil {
			l.readerExit(err)
			return
		}
		if b != proto.Start1 {
			continue
		}
		b, err = br.ReadByte()
		if err != nil {
			l.readerExit(err)
			return
		}
		if b != proto.Start2 {
			// stream noise, keep scanning for the next magic
			continue
		}
		if _, err := io.ReadFull(br, hdr); err != nil {
			l.readerExit(err)
			return
		}
		n := binary.BigEndian.Uint16(hdr)
		if n > proto.MaxPayloadLen {
			l.log.Warn("link: oversized frame, resyncing", zap.Uint16("size", n))
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			l.readerExit(err)
			return
		}
		fr, err := proto.DecodeFromRadio(payload)
		if err != nil {
			l.log.Warn("link: undecodable frame", zap.Error(err))
			continue
		}
		l.dispatch(fr)
	}
}

func (l *TCPLink) readerExit(err error) {
	l.errMu.Lock()
	l.readErr = err
	l.errMu.Unlock()
	if l.closed.Load() {
		l.state.Store(int32(StateDisconnected))
		return
	}
	l.state.Store(int32(StateFailed))
	l.log.Warn("link: reader terminated",
		zap.Error(err),
		zap.String("kind", Classify(err).String()),
	)
}

// dispatch hands the envelope to taps first, then to the link's own
// bookkeeping, mirroring how interceptors are expected to see events
// before default processing.
func (l *TCPLink) dispatch(fr *proto.FromRadio) {
	if l.closed.Load() {
		return
	}

	l.tapsMu.RLock()
	frameFns := make([]func(*proto.FromRadio), 0, len(l.frameTaps))
	for _, fn := range l.frameTaps {
		frameFns = append(frameFns, fn)
	}
	var packetFns []func(*proto.MeshPacket)
	if fr.Packet != nil {
		packetFns = make([]func(*proto.MeshPacket), 0, len(l.packetTaps))
		for _, fn := range l.packetTaps {
			packetFns = append(packetFns, fn)
		}
	}
	l.tapsMu.RUnlock()

	for _, fn := range frameFns {
		fn(fr)
	}
	for _, fn := range packetFns {
		fn(fr.Packet)
	}

	switch {
	case fr.MyInfo != nil:
		l.nodesMu.Lock()
		l.myInfo = fr.MyInfo
		l.nodesMu.Unlock()
		l.log.Debug("link: my_info",
			zap.String("node", proto.NodeIDString(fr.MyInfo.MyNodeNum)))
	case fr.Node != nil:
		l.nodesMu.Lock()
		l.nodes[fr.Node.Num] = fr.Node
		l.nodesMu.Unlock()
	case fr.Variant == proto.VariantConfigComplete:
		if fr.ConfigCompleteID == l.cfgNonce {
			l.cfgOnce.Do(func() { close(l.cfgDone) })
		} else {
			l.log.Debug("link: stale config_complete_id",
				zap.Uint32("got", fr.ConfigCompleteID))
		}
	case fr.Rebooted:
		l.log.Warn("link: radio reports reboot")
	}
}
