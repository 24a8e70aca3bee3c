// Package stamp renders the compact timestamps prefixed to outbound
// mesh messages. The format favors LoRa airtime: two-digit year, no
// zero padding on the date, and a #N sequence marker for repeating
// senders so receivers can spot gaps.
package stamp

import (
	"fmt"
	"time"
)

// Compact renders t as M/D/YY@HHMM. Month, day and year carry no zero
// padding; the clock does.
func Compact(t time.Time) string {
	return fmt.Sprintf("%d/%d/%d@%02d%02d",
		int(t.Month()), t.Day(), t.Year()%100, t.Hour(), t.Minute())
}

// Message prefixes msg with the compact timestamp.
func Message(t time.Time, msg string) string {
	return Compact(t) + " " + msg
}

// Sequenced prefixes msg with the compact timestamp and a #N sequence
// marker.
func Sequenced(t time.Time, seq int, msg string) string {
	return fmt.Sprintf("%s #%d %s", Compact(t), seq, msg)
}

// NextSeq advances a message sequence number, wrapping at 1000.
func NextSeq(n int) int {
	return (n + 1) % 1000
}
