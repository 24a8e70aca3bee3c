package inference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func singleNode(e *Engine, n Snapshot) {
	e.UpdateNodes([]Snapshot{n})
}

func TestSignalScoring(t *testing.T) {
	cases := []struct {
		name      string
		nodeSNR   float64
		packetSNR float64
		want      float64
		match     bool
	}{
		{"exact match", -10.5, -10.5, 1.0, true},
		{"half window", -10, -12.5, 0.5, true},
		{"edge of window", 0.5, 5.5, 0.0, true},
		{"outside window", -10, -16, 0, false},
		{"node snr unknown", 0, -10, 0, false},
		{"packet snr unknown", -10, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(0, 0)
			singleNode(e, Snapshot{NodeID: "!aa000001", SNR: tc.nodeSNR})

			got := e.InferSender(Features{SNR: tc.packetSNR})
			if !tc.match {
				require.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			require.InDelta(t, tc.want, got[0].Score, 1e-9)
			require.Contains(t, got[0].Reason, "SNR match")
		})
	}
}

func TestLocationScoring(t *testing.T) {
	e := NewEngine(0, 0)
	singleNode(e, Snapshot{
		NodeID:   "!aa000001",
		Latitude: 37.7749, Longitude: -122.4194, HasFix: true,
	})

	// Roughly 14 metres away: near-full score.
	got := e.InferSender(Features{Latitude: 37.7750, Longitude: -122.4195})
	require.Len(t, got, 1)
	require.InDelta(t, 0.986, got[0].Score, 0.01)
	require.Contains(t, got[0].Reason, "Location proximity")

	// About 1.1 km: the 10 km band.
	got = e.InferSender(Features{Latitude: 37.7849, Longitude: -122.4194})
	require.Len(t, got, 1)
	require.InDelta(t, 0.444, got[0].Score, 0.01)

	// Beyond 10 km: no result.
	got = e.InferSender(Features{Latitude: 38.7749, Longitude: -122.4194})
	require.Empty(t, got)
}

func TestLocationScoreFloor(t *testing.T) {
	e := NewEngine(0, 0)
	singleNode(e, Snapshot{NodeID: "!aa000001", Latitude: 37.0, Longitude: -122.0, HasFix: true})

	// ~0.95 km away: the raw 1-d score dips under the floor.
	got := e.InferSender(Features{Latitude: 37.00859, Longitude: -122.0})
	require.Len(t, got, 1)
	require.InDelta(t, 0.1, got[0].Score, 0.02)
}

func TestRecencyScoring(t *testing.T) {
	e := NewEngine(0, 0)

	singleNode(e, Snapshot{NodeID: "!aa000001", LastHeard: time.Now().Add(-60 * time.Second)})
	got := e.InferSender(Features{})
	require.Len(t, got, 1)
	require.InDelta(t, 0.8, got[0].Score, 0.01)
	require.Contains(t, got[0].Reason, "Recent activity")

	singleNode(e, Snapshot{NodeID: "!aa000001", LastHeard: time.Now().Add(-30 * time.Minute)})
	got = e.InferSender(Features{})
	require.Len(t, got, 1)
	require.InDelta(t, 0.25, got[0].Score, 0.01)

	singleNode(e, Snapshot{NodeID: "!aa000001", LastHeard: time.Now().Add(-2 * time.Hour)})
	require.Empty(t, e.InferSender(Features{}))
}

func TestContentScoring(t *testing.T) {
	e := NewEngine(0, 0)
	singleNode(e, Snapshot{
		NodeID:     "!aa000001",
		UptimeSecs: 9040,
		Latitude:   37.7, Longitude: -122.4, HasFix: true,
	})

	got := e.InferSender(Features{Port: "TELEMETRY_APP"})
	require.Len(t, got, 1)
	require.InDelta(t, 0.3, got[0].Score, 1e-9)

	got = e.InferSender(Features{Port: "POSITION_APP"})
	require.Len(t, got, 1)
	require.InDelta(t, 0.2, got[0].Score, 1e-9)

	require.Empty(t, e.InferSender(Features{Port: "TEXT_MESSAGE_APP"}))
}

func TestInferSenderAveragesAcrossAlgorithms(t *testing.T) {
	e := NewEngine(0, 0)
	singleNode(e, Snapshot{NodeID: "!aa000001", SNR: -10, UptimeSecs: 100})

	// Signal gives 1.0, content gives 0.3: averaged to 0.65.
	got := e.InferSender(Features{SNR: -10, Port: "TELEMETRY_APP"})
	require.Len(t, got, 1)
	require.InDelta(t, 0.65, got[0].Score, 1e-9)
	require.Contains(t, got[0].Reason, "SNR match")
	require.Contains(t, got[0].Reason, "; ")
	require.Contains(t, got[0].Reason, "uptime data")
}

func TestInferSenderRankingAndCap(t *testing.T) {
	e := NewEngine(10, 2)
	e.UpdateNodes([]Snapshot{
		{NodeID: "!aa000001", SNR: -10},   // diff 0 -> 1.0
		{NodeID: "!aa000002", SNR: -12.5}, // diff 2.5 -> 0.5
		{NodeID: "!aa000003", SNR: -14},   // diff 4 -> 0.2
	})

	got := e.InferSender(Features{SNR: -10})
	require.Len(t, got, 2)
	require.Equal(t, "!aa000001", got[0].NodeID)
	require.Equal(t, "!aa000002", got[1].NodeID)
	require.Greater(t, got[0].Score, got[1].Score)
}

func TestSignalProfileRollingWindow(t *testing.T) {
	e := NewEngine(10, 0)
	for i := 1; i <= 12; i++ {
		e.UpdateSignalProfile("!aa000001", float64(i), 0)
	}

	p, ok := e.SignalProfile("!aa000001")
	require.True(t, ok)
	require.Equal(t, 10, p.Samples)
	// Last ten readings are 3..12, mean 7.5.
	require.InDelta(t, 7.5, p.AvgSNR, 1e-9)

	_, ok = e.SignalProfile("!unknown0")
	require.False(t, ok)
}

func TestSignalProfileStats(t *testing.T) {
	e := NewEngine(10, 0)
	e.UpdateSignalProfile("!aa000001", 1, -80)
	e.UpdateSignalProfile("!aa000001", 3, -90)

	p, ok := e.SignalProfile("!aa000001")
	require.True(t, ok)
	require.InDelta(t, 2.0, p.AvgSNR, 1e-9)
	require.InDelta(t, 1.0, p.SNRStd, 1e-9)
	require.InDelta(t, -85.0, p.AvgRSSI, 1e-9)
	require.InDelta(t, 5.0, p.RSSIStd, 1e-9)
}

func TestHaversine(t *testing.T) {
	// One degree of longitude on the equator.
	require.InDelta(t, 111.19, Haversine(0, 0, 0, 1), 0.01)
	// San Francisco to Los Angeles.
	require.InDelta(t, 559.1, Haversine(37.7749, -122.4194, 34.0522, -118.2437), 1.0)
	require.InDelta(t, 0, Haversine(37.7749, -122.4194, 37.7749, -122.4194), 1e-9)
}

func TestEstimateDistanceFromRSSI(t *testing.T) {
	require.InDelta(t, 1.0, EstimateDistanceFromRSSI(-60), 1e-9)
	require.InDelta(t, 10.0, EstimateDistanceFromRSSI(-80), 1e-9)
	require.InDelta(t, 100.0, EstimateDistanceFromRSSI(-100), 1e-9)
	// At or above the reference transmit power there is nothing to estimate.
	require.Equal(t, 0.0, EstimateDistanceFromRSSI(-20))
	require.Equal(t, 0.0, EstimateDistanceFromRSSI(-5))
}

func TestResolveOrigin(t *testing.T) {
	e := NewEngine(0, 0)
	e.UpdateNodes([]Snapshot{
		{NodeID: "!aa000001", Latitude: 37.7749, Longitude: -122.4194, Altitude: 100, HasFix: true},
		{NodeID: "!aa000002"},
	})

	require.Equal(t, "Lat: 37.774900, Lon: -122.419400, Alt: 100m", e.ResolveOrigin("!aa000001", -80))
	require.Equal(t, "Estimated distance from gateway: ~10.0m (based on RSSI: -80dB)",
		e.ResolveOrigin("!aa000002", -80))
	require.Equal(t, "unknown", e.ResolveOrigin("!aa000002", 0))
	require.Equal(t, "unknown", e.ResolveOrigin("!absent00", 0))
}
