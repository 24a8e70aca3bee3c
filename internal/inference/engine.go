// Package inference ranks likely senders for mesh packets whose origin
// needs resolving. It combines signal-strength matching, location
// proximity, recency of activity and content heuristics over a
// snapshot of the known-node roster, and keeps rolling per-node signal
// profiles.
package inference

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultProfileWindow is how many SNR/RSSI samples are kept per node.
	DefaultProfileWindow = 10
	// DefaultMaxCandidates caps the ranked list InferSender returns.
	DefaultMaxCandidates = 5

	earthRadiusKm = 6371

	// Free-space path-loss model for the RSSI distance estimate.
	rssiTxPower      = -20.0
	pathLossExponent = 2.0
)

// Snapshot is the view of one known node the engine scores against.
// Zero values mean unknown, matching the roster's empty cells.
type Snapshot struct {
	NodeID     string
	SNR        float64
	Latitude   float64
	Longitude  float64
	Altitude   int32
	HasFix     bool
	LastHeard  time.Time
	UptimeSecs uint32
}

// Features describes the packet being attributed. Zero values mean the
// feature was absent from the packet.
type Features struct {
	SNR         float64
	RSSI        float64
	Latitude    float64
	Longitude   float64
	Port        string // canonical app label, e.g. "TELEMETRY_APP"
	PayloadSize int
}

// Candidate is one ranked attribution.
type Candidate struct {
	NodeID string  `json:"node_id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Profile summarizes a node's rolling signal history.
type Profile struct {
	AvgSNR  float64
	SNRStd  float64
	AvgRSSI float64
	RSSIStd float64
	Samples int
}

// Engine holds the inference state. All methods are safe for
// concurrent use.
type Engine struct {
	window        int
	maxCandidates int

	mu       sync.RWMutex
	nodes    map[string]*Snapshot
	profiles map[string]*signalHistory
}

type signalHistory struct {
	snr  []float64
	rssi []float64
}

// NewEngine constructs an Engine. Non-positive arguments take the
// package defaults.
func NewEngine(profileWindow, maxCandidates int) *Engine {
	if profileWindow <= 0 {
		profileWindow = DefaultProfileWindow
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	return &Engine{
		window:        profileWindow,
		maxCandidates: maxCandidates,
		nodes:         make(map[string]*Snapshot),
		profiles:      make(map[string]*signalHistory),
	}
}

// UpdateNodes replaces the known-node snapshot set.
func (e *Engine) UpdateNodes(nodes []Snapshot) {
	fresh := make(map[string]*Snapshot, len(nodes))
	for i := range nodes {
		n := nodes[i]
		fresh[n.NodeID] = &n
	}
	e.mu.Lock()
	e.nodes = fresh
	e.mu.Unlock()
}

// UpdateSignalProfile appends one SNR/RSSI observation to a node's
// rolling history. Zero readings are skipped.
func (e *Engine) UpdateSignalProfile(nodeID string, snr, rssi float64) {
	if nodeID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.profiles[nodeID]
	if !ok {
		h = &signalHistory{}
		e.profiles[nodeID] = h
	}
	if snr != 0 {
		h.snr = appendCapped(h.snr, snr, e.window)
	}
	if rssi != 0 {
		h.rssi = appendCapped(h.rssi, rssi, e.window)
	}
}

// SignalProfile reports the mean and standard deviation of a node's
// recent signal history.
func (e *Engine) SignalProfile(nodeID string) (Profile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.profiles[nodeID]
	if !ok || (len(h.snr) == 0 && len(h.rssi) == 0) {
		return Profile{}, false
	}
	p := Profile{Samples: len(h.snr)}
	if len(h.snr) > 0 {
		p.AvgSNR, p.SNRStd = meanStd(h.snr)
	}
	if len(h.rssi) > 0 {
		p.AvgRSSI, p.RSSIStd = meanStd(h.rssi)
		if len(h.rssi) > p.Samples {
			p.Samples = len(h.rssi)
		}
	}
	return p, true
}

// InferSender ranks the known nodes by how plausibly each one sent a
// packet with the given features. Per-node scores are the average of
// the algorithms that produced a result for that node.
func (e *Engine) InferSender(f Features) []Candidate {
	type tally struct {
		total   float64
		reasons []string
	}
	acc := make(map[string]*tally)
	add := func(nodeID string, score float64, reason string) {
		t, ok := acc[nodeID]
		if !ok {
			t = &tally{}
			acc[nodeID] = t
		}
		t.total += score
		t.reasons = append(t.reasons, reason)
	}

	now := time.Now()
	e.mu.RLock()
	for id, n := range e.nodes {
		if score, reason, ok := scoreSignal(f, n); ok {
			add(id, score, reason)
		}
		if score, reason, ok := scoreLocation(f, n); ok {
			add(id, score, reason)
		}
		if score, reason, ok := scoreRecency(now, n); ok {
			add(id, score, reason)
		}
		if score, reason, ok := scoreContent(f, n); ok {
			add(id, score, reason)
		}
	}
	e.mu.RUnlock()

	out := make([]Candidate, 0, len(acc))
	for id, t := range acc {
		out = append(out, Candidate{
			NodeID: id,
			Score:  t.total / float64(len(t.reasons)),
			Reason: joinReasons(t.reasons),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	if len(out) > e.maxCandidates {
		out = out[:e.maxCandidates]
	}
	return out
}

// ResolveOrigin describes where a packet came from: the node's stored
// position when known, else a path-loss distance estimate from RSSI,
// else "unknown".
func (e *Engine) ResolveOrigin(nodeID string, rssi float64) string {
	e.mu.RLock()
	n, ok := e.nodes[nodeID]
	e.mu.RUnlock()
	if ok && n.HasFix {
		return fmt.Sprintf("Lat: %.6f, Lon: %.6f, Alt: %dm", n.Latitude, n.Longitude, n.Altitude)
	}
	if rssi != 0 {
		return fmt.Sprintf("Estimated distance from gateway: ~%.1fm (based on RSSI: %sdB)",
			EstimateDistanceFromRSSI(rssi), trimFloat(rssi))
	}
	return "unknown"
}

// EstimateDistanceFromRSSI converts a received signal strength into a
// rough distance in metres using a simplified free-space path-loss
// model. Readings at or above the reference transmit power map to 0.
func EstimateDistanceFromRSSI(rssi float64) float64 {
	if rssi >= rssiTxPower {
		return 0
	}
	pathLoss := rssiTxPower - rssi
	return math.Pow(10, (pathLoss-40)/(10*pathLossExponent))
}

// ── scoring algorithms ────────────────────────────────────────────────────

func scoreSignal(f Features, n *Snapshot) (float64, string, bool) {
	if f.SNR == 0 || n.SNR == 0 {
		return 0, "", false
	}
	diff := math.Abs(f.SNR - n.SNR)
	if diff > 5 {
		return 0, "", false
	}
	score := math.Max(0, 1-diff/5)
	reason := fmt.Sprintf("SNR match (%sdB vs %sdB)", trimFloat(f.SNR), trimFloat(n.SNR))
	return score, reason, true
}

func scoreLocation(f Features, n *Snapshot) (float64, string, bool) {
	if f.Latitude == 0 || f.Longitude == 0 || !n.HasFix {
		return 0, "", false
	}
	d := Haversine(f.Latitude, f.Longitude, n.Latitude, n.Longitude)
	var score float64
	switch {
	case d <= 1:
		score = math.Max(0.1, 1-d)
	case d <= 10:
		score = math.Max(0.05, 0.5-d/20)
	default:
		return 0, "", false
	}
	return score, fmt.Sprintf("Location proximity (%.2fkm away)", d), true
}

func scoreRecency(now time.Time, n *Snapshot) (float64, string, bool) {
	if n.LastHeard.IsZero() {
		return 0, "", false
	}
	dt := now.Sub(n.LastHeard).Seconds()
	if dt < 0 {
		dt = 0
	}
	switch {
	case dt <= 300:
		return math.Max(0.1, 1-dt/300), fmt.Sprintf("Recent activity (%ds ago)", int(dt)), true
	case dt <= 3600:
		return math.Max(0.05, 0.5-dt/7200), fmt.Sprintf("Recent activity (%dmin ago)", int(dt/60)), true
	}
	return 0, "", false
}

func scoreContent(f Features, n *Snapshot) (float64, string, bool) {
	var score float64
	var reasons []string
	if f.Port == "TELEMETRY_APP" && n.UptimeSecs != 0 {
		score += 0.3
		reasons = append(reasons, "Telemetry packet from node with uptime data")
	}
	if f.Port == "POSITION_APP" && n.HasFix {
		score += 0.2
		reasons = append(reasons, "Position packet from node with known location")
	}
	if len(reasons) == 0 {
		return 0, "", false
	}
	return score, joinReasons(reasons), true
}

// Haversine returns the great-circle distance between two coordinates
// in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dlat := radians(lat2 - lat1)
	dlon := radians(lon2 - lon1)
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// ── helpers ───────────────────────────────────────────────────────────────

func appendCapped(s []float64, v float64, limit int) []float64 {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

func meanStd(s []float64) (mean, std float64) {
	for _, v := range s {
		mean += v
	}
	mean /= float64(len(s))
	for _, v := range s {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(s)))
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
