package link

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrProtocol marks failures that are wire-protocol violations rather
// than transport faults (oversized frames, unencodable messages).
var ErrProtocol = errors.New("protocol violation")

// ErrorKind is the closed taxonomy of link failures. Retry decisions
// match on kinds, never on error strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindReset
	KindAborted
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindReset:
		return "reset"
	case KindAborted:
		return "aborted"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Classify normalizes an error from any link operation into its kind.
// Unrecognized errors are KindUnknown, which retry logic treats the
// same as a transport fault.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrProtocol) {
		return KindProtocol
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindReset
	}
	if errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, net.ErrClosed) {
		return KindAborted
	}
	return KindUnknown
}
