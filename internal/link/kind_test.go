package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("weird"), KindUnknown},
		{"reset wrapped", fmt.Errorf("link: write: %w", syscall.ECONNRESET), KindReset},
		{"broken pipe", syscall.EPIPE, KindReset},
		{"eof", io.EOF, KindReset},
		{"unexpected eof", io.ErrUnexpectedEOF, KindReset},
		{"aborted", syscall.ECONNABORTED, KindAborted},
		{"use of closed", fmt.Errorf("link: write: %w", net.ErrClosed), KindAborted},
		{"ctx deadline", context.DeadlineExceeded, KindTimeout},
		{"io deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), KindTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: fakeTimeoutErr{}}, KindTimeout},
		{"protocol", fmt.Errorf("link: %w: oversized frame", ErrProtocol), KindProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "reset", KindReset.String())
	assert.Equal(t, "aborted", KindAborted.String())
	assert.Equal(t, "protocol", KindProtocol.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "unknown", ErrorKind(42).String())
}
