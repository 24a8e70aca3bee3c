// Package link implements the device link to a Meshtastic radio: TCP
// stream framing, the want_config_id handshake, tap registration for
// inbound events, the periodic keepalive, and the closed error-kind
// taxonomy the reconnect logic matches on.
package link

import (
	"context"
	"time"

	"github.com/meshcourier/meshcourier/internal/proto"
)

// ConnectionState describes the current link status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Link is the device handle the connection manager drives. A Link is
// single-shot: once its reader terminates or Close is called it never
// reconnects; callers dial a fresh one.
type Link interface {
	// LocalNodeNum reports the radio's own node number. ok is false
	// until the config handshake delivered it, and false again once
	// the link is closed or its reader has died.
	LocalNodeNum() (num uint32, ok bool)

	// SendText broadcasts a text message on a channel and returns the
	// client-assigned packet id the device will echo in queue status.
	SendText(channel uint32, body string) (uint32, error)

	// SendTextTo sends a text message to a specific node.
	SendTextTo(dest, channel uint32, body string) (uint32, error)

	// TapPackets registers an observer for every decoded mesh packet.
	// The link's own processing is unaffected. The returned func
	// removes the tap; it is safe to call more than once.
	TapPackets(fn func(*proto.MeshPacket)) (remove func())

	// TapFrames registers an observer for every FromRadio envelope.
	TapFrames(fn func(*proto.FromRadio)) (remove func())

	// Nodes snapshots the radio's node database.
	Nodes() []*proto.NodeInfo

	// StopKeepalive cancels the periodic heartbeat task. Idempotent.
	StopKeepalive()

	// Close marks the link closed, stops the keepalive, releases the
	// socket and waits for the reader. Errors are logged, not
	// returned; Close never fails.
	Close() error
}

// Dialer produces a ready Link. The connection manager supervises the
// call with its own construction timeout; implementations should still
// bound each phase so an abandoned dial eventually finishes on its own.
type Dialer func(ctx context.Context, addr string) (Link, error)

// Link-level tunables. The connection manager layers its own retry
// and supervision budget on top of these.
const (
	dialTimeout       = 5 * time.Second
	handshakeTimeout  = 15 * time.Second
	writeTimeout      = 10 * time.Second
	keepaliveInterval = 5 * time.Minute
	readBufSize       = 4096
	defaultHopLimit   = 3
)
