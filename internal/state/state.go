// Package state maintains the node roster: every mesh participant seen
// on the link, with identity, position, telemetry and signal data. It
// keeps a hot in-memory index (map) and optionally persists via the
// store package.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshcourier/meshcourier/internal/proto"
	"github.com/meshcourier/meshcourier/internal/store"
)

// Node is a known mesh participant. The JSON shape is served verbatim
// by the API.
type Node struct {
	Num       uint32    `json:"num"`
	ID        string    `json:"id"` // canonical "!%08x" form
	LongName  string    `json:"long_name"`
	ShortName string    `json:"short_name"`
	HwModel   string    `json:"hw_model,omitempty"`
	SNR       float32   `json:"snr"`
	LastHeard time.Time `json:"last_heard"`
	// Latest position (degrees * 1e7)
	HasPosition bool  `json:"has_position"`
	LatitudeI   int32 `json:"latitude_i,omitempty"`
	LongitudeI  int32 `json:"longitude_i,omitempty"`
	Altitude    int32 `json:"altitude,omitempty"` // metres
	// Latest device metrics
	BatteryLevel uint32  `json:"battery_level,omitempty"`
	Voltage      float32 `json:"voltage,omitempty"`
	ChannelUtil  float32 `json:"channel_util,omitempty"`
	AirUtilTx    float32 `json:"air_util_tx,omitempty"`
	UptimeSecs   uint32  `json:"uptime_secs,omitempty"`
}

// Latitude returns the position in decimal degrees.
func (n *Node) Latitude() float64 { return float64(n.LatitudeI) / 1e7 }

// Longitude returns the position in decimal degrees.
func (n *Node) Longitude() float64 { return float64(n.LongitudeI) / 1e7 }

// DisplayName returns the friendliest available name for the node.
func (n *Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return n.ID
}

// Manager holds the runtime roster. All exported methods are safe for
// concurrent use. A nil db keeps the roster memory-only; the monitor
// and display tools run without a database.
type Manager struct {
	db    *store.DB
	mu    sync.RWMutex
	nodes map[uint32]*Node // keyed by numeric node number
}

// New creates a Manager and, when db is non-nil, hydrates the roster
// from the database.
func New(db *store.DB) (*Manager, error) {
	m := &Manager{
		db:    db,
		nodes: make(map[uint32]*Node),
	}
	if db != nil {
		if err := m.loadNodes(); err != nil {
			return nil, fmt.Errorf("state: load nodes: %w", err)
		}
	}
	return m, nil
}

// ── Roster updates ────────────────────────────────────────────────────────

// ApplyNodeInfo merges one node-database entry from the radio into the
// roster. This is the richest update source: identity, position and
// device metrics arrive together.
func (m *Manager) ApplyNodeInfo(ni *proto.NodeInfo) error {
	if ni == nil || ni.Num == 0 {
		return nil
	}

	m.mu.Lock()
	n := m.ensureLocked(ni.Num)
	if ni.User != nil {
		if ni.User.ID != "" {
			n.ID = ni.User.ID
		}
		n.LongName = ni.User.LongName
		n.ShortName = ni.User.ShortName
		n.HwModel = proto.HardwareModelName(ni.User.HwModel)
	}
	if ni.Position != nil {
		applyPositionLocked(n, ni.Position)
	}
	if ni.DeviceMetrics != nil {
		applyMetricsLocked(n, ni.DeviceMetrics)
	}
	if ni.SNR != 0 {
		n.SNR = ni.SNR
	}
	if ni.LastHeard != 0 {
		heard := time.Unix(int64(ni.LastHeard), 0).UTC()
		if heard.After(n.LastHeard) {
			n.LastHeard = heard
		}
	}
	rec := recordLocked(n)
	m.mu.Unlock()

	return m.persist(rec)
}

// ApplyPosition merges a POSITION_APP payload for a node.
func (m *Manager) ApplyPosition(num uint32, pos *proto.Position) error {
	if num == 0 || pos == nil {
		return nil
	}
	m.mu.Lock()
	n := m.ensureLocked(num)
	applyPositionLocked(n, pos)
	rec := recordLocked(n)
	m.mu.Unlock()
	return m.persist(rec)
}

// ApplyTelemetry merges a TELEMETRY_APP payload for a node.
func (m *Manager) ApplyTelemetry(num uint32, tel *proto.Telemetry) error {
	if num == 0 || tel == nil || tel.Device == nil {
		return nil
	}
	m.mu.Lock()
	n := m.ensureLocked(num)
	applyMetricsLocked(n, tel.Device)
	rec := recordLocked(n)
	m.mu.Unlock()
	return m.persist(rec)
}

// Touch marks a node as heard from, updating last-heard and SNR from
// packet headers. Memory-only; the next Apply* call persists it.
func (m *Manager) Touch(num uint32, snr float32, at time.Time) {
	if num == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.ensureLocked(num)
	if snr != 0 {
		n.SNR = snr
	}
	if at.After(n.LastHeard) {
		n.LastHeard = at.UTC()
	}
}

// ── Roster queries ────────────────────────────────────────────────────────

// GetNode retrieves a copy of a node by numeric node number.
func (m *Manager) GetNode(num uint32) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[num]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// GetByID retrieves a copy of a node by its "!%08x" identifier.
func (m *Manager) GetByID(id string) (*Node, bool) {
	num, err := proto.ParseNodeID(id)
	if err != nil {
		return nil, false
	}
	return m.GetNode(num)
}

// ListNodes returns a snapshot of all known nodes, most recently heard
// first. Nodes never heard sort last, by node number.
func (m *Manager) ListNodes() []*Node {
	m.mu.RLock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeard.Equal(out[j].LastHeard) {
			return out[i].LastHeard.After(out[j].LastHeard)
		}
		return out[i].Num < out[j].Num
	})
	return out
}

// NodeCount returns how many nodes are currently known.
func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// DisplayName resolves a node number to its friendliest name, falling
// back to the "!%08x" form for nodes not in the roster.
func (m *Manager) DisplayName(num uint32) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nodes[num]; ok {
		return n.DisplayName()
	}
	return proto.NodeIDString(num)
}

// ── internal ──────────────────────────────────────────────────────────────

// ensureLocked returns the roster entry for num, creating a skeleton
// entry when the node has not been seen before. Caller holds m.mu.
func (m *Manager) ensureLocked(num uint32) *Node {
	n, ok := m.nodes[num]
	if !ok {
		n = &Node{Num: num, ID: proto.NodeIDString(num)}
		m.nodes[num] = n
	}
	return n
}

func applyPositionLocked(n *Node, pos *proto.Position) {
	if pos.LatitudeI == 0 && pos.LongitudeI == 0 {
		return
	}
	n.HasPosition = true
	n.LatitudeI = pos.LatitudeI
	n.LongitudeI = pos.LongitudeI
	n.Altitude = pos.Altitude
}

func applyMetricsLocked(n *Node, dm *proto.DeviceMetrics) {
	n.BatteryLevel = dm.BatteryLevel
	n.Voltage = dm.Voltage
	n.ChannelUtil = dm.ChannelUtilization
	n.AirUtilTx = dm.AirUtilTx
	if dm.UptimeSeconds != 0 {
		n.UptimeSecs = dm.UptimeSeconds
	}
}

// recordLocked snapshots a roster entry into its persistence row.
// Caller holds m.mu; the returned record is safe to use after unlock.
func recordLocked(n *Node) *store.NodeRecord {
	rec := &store.NodeRecord{
		NodeID:       n.ID,
		NodeNum:      n.Num,
		LongName:     n.LongName,
		ShortName:    n.ShortName,
		HwModel:      n.HwModel,
		SNR:          float64(n.SNR),
		HasPosition:  n.HasPosition,
		LatitudeI:    n.LatitudeI,
		LongitudeI:   n.LongitudeI,
		Altitude:     n.Altitude,
		BatteryLevel: n.BatteryLevel,
		Voltage:      float64(n.Voltage),
		ChannelUtil:  float64(n.ChannelUtil),
		AirUtilTx:    float64(n.AirUtilTx),
		UptimeSecs:   n.UptimeSecs,
		UpdatedAt:    time.Now().UTC().Unix(),
	}
	if !n.LastHeard.IsZero() {
		rec.LastHeard = n.LastHeard.Unix()
	}
	return rec
}

func (m *Manager) persist(rec *store.NodeRecord) error {
	if m.db == nil {
		return nil
	}
	return m.db.UpsertNode(rec)
}

func (m *Manager) loadNodes() error {
	recs, err := m.db.LoadNodes()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		n := &Node{
			Num:          rec.NodeNum,
			ID:           rec.NodeID,
			LongName:     rec.LongName,
			ShortName:    rec.ShortName,
			HwModel:      rec.HwModel,
			SNR:          float32(rec.SNR),
			HasPosition:  rec.HasPosition,
			LatitudeI:    rec.LatitudeI,
			LongitudeI:   rec.LongitudeI,
			Altitude:     rec.Altitude,
			BatteryLevel: rec.BatteryLevel,
			Voltage:      float32(rec.Voltage),
			ChannelUtil:  float32(rec.ChannelUtil),
			AirUtilTx:    float32(rec.AirUtilTx),
			UptimeSecs:   rec.UptimeSecs,
		}
		if rec.LastHeard != 0 {
			n.LastHeard = time.Unix(rec.LastHeard, 0).UTC()
		}
		m.nodes[rec.NodeNum] = n
	}
	return nil
}
