package sender

import (
	"encoding/json"
	"time"
)

// Outcome classifies how a send concluded.
type Outcome int

const (
	// OutcomeFailed means the message never reached the radio: link or
	// recovery failure after all allowed attempts.
	OutcomeFailed Outcome = iota
	// OutcomeConfirmed means the radio accepted the packet into its
	// transmit queue (queue-status res == 0).
	OutcomeConfirmed
	// OutcomeAccepted means the packet was handed to the radio and
	// confirmation was skipped by request.
	OutcomeAccepted
	// OutcomeRejected means the radio reported a non-zero queue
	// status for this packet. Never retried automatically.
	OutcomeRejected
	// OutcomeTimedOut means no queue status for this packet arrived
	// before the confirmation deadline. Never retried automatically.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Receipt is the typed result of one send call.
type Receipt struct {
	Outcome    Outcome       `json:"outcome"`
	PacketID   uint32        `json:"packet_id,omitempty"`
	ResultCode int32         `json:"result_code,omitempty"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// OK collapses the receipt to its pass/fail meaning.
func (r Receipt) OK() bool {
	return r.Outcome == OutcomeConfirmed || r.Outcome == OutcomeAccepted
}
