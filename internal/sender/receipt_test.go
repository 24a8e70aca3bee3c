package sender

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptOK(t *testing.T) {
	cases := []struct {
		outcome Outcome
		ok      bool
		label   string
	}{
		{OutcomeConfirmed, true, "confirmed"},
		{OutcomeAccepted, true, "accepted"},
		{OutcomeRejected, false, "rejected"},
		{OutcomeTimedOut, false, "timed_out"},
		{OutcomeFailed, false, "failed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, Receipt{Outcome: tc.outcome}.OK())
		assert.Equal(t, tc.label, tc.outcome.String())
	}
}

func TestReceiptJSON(t *testing.T) {
	raw, err := json.Marshal(Receipt{
		Outcome:    OutcomeRejected,
		PacketID:   42,
		Attempts:   1,
		Elapsed:    time.Second,
		ResultCode: 3,
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"outcome":"rejected","packet_id":42,"result_code":3,"attempts":1,"elapsed_ns":1000000000}`,
		string(raw))
}
