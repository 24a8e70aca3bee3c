package sender

import (
	"sync"
	"time"

	"github.com/meshcourier/meshcourier/internal/proto"
)

// event is one entry of the acknowledgment channel: a decoded packet
// or a transmit-queue status record, stamped on arrival.
type event struct {
	packet *proto.MeshPacket
	ack    *proto.QueueStatus
	at     time.Time
}

// ackQueue is the acknowledgment channel: an unbounded,
// order-preserving FIFO fed by link taps and drained by the
// confirmation wait. Each connection epoch gets a fresh queue, so late
// pushes from a discarded epoch land in an orphaned queue and are
// never seen by newer sends.
type ackQueue struct {
	mu    sync.Mutex
	items []event
	wakeC chan struct{}
}

func newAckQueue() *ackQueue {
	return &ackQueue{wakeC: make(chan struct{}, 1)}
}

func (q *ackQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wakeC <- struct{}{}:
	default:
	}
}

func (q *ackQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// wake signals that at least one push happened since the last drain.
func (q *ackQueue) wake() <-chan struct{} { return q.wakeC }
