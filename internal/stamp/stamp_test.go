package stamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompact(t *testing.T) {
	require.Equal(t, "8/25/26@1405",
		Compact(time.Date(2026, 8, 25, 14, 5, 0, 0, time.UTC)))
	// No zero padding on month, day or year.
	require.Equal(t, "1/2/3@0304",
		Compact(time.Date(2003, 1, 2, 3, 4, 0, 0, time.UTC)))
}

func TestMessageAndSequenced(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 5, 0, 0, time.UTC)
	require.Equal(t, "8/25/26@1405 hello mesh", Message(at, "hello mesh"))
	require.Equal(t, "8/25/26@1405 #7 hello mesh", Sequenced(at, 7, "hello mesh"))
}

func TestNextSeq(t *testing.T) {
	require.Equal(t, 1, NextSeq(0))
	require.Equal(t, 999, NextSeq(998))
	require.Equal(t, 0, NextSeq(999))
}
