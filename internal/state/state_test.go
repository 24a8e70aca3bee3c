package state

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshcourier/meshcourier/internal/proto"
	"github.com/meshcourier/meshcourier/internal/store"
)

func memoryManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(nil)
	require.NoError(t, err)
	return m
}

func TestApplyNodeInfoBuildsRoster(t *testing.T) {
	m := memoryManager(t)

	heard := time.Unix(1700000000, 0).UTC()
	err := m.ApplyNodeInfo(&proto.NodeInfo{
		Num: 0xa1b2c3d4,
		User: &proto.User{
			ID:        "!a1b2c3d4",
			LongName:  "Ridge Repeater",
			ShortName: "RDG",
			HwModel:   43,
		},
		Position: &proto.Position{
			LatitudeI:  374208000,
			LongitudeI: -1220846000,
			Altitude:   812,
		},
		SNR:       7.25,
		LastHeard: uint32(heard.Unix()),
		DeviceMetrics: &proto.DeviceMetrics{
			BatteryLevel:  87,
			Voltage:       4.01,
			UptimeSeconds: 3661,
		},
	})
	require.NoError(t, err)

	n, ok := m.GetNode(0xa1b2c3d4)
	require.True(t, ok)
	require.Equal(t, "!a1b2c3d4", n.ID)
	require.Equal(t, "Ridge Repeater", n.LongName)
	require.Equal(t, "HELTEC_V3", n.HwModel)
	require.Equal(t, heard, n.LastHeard)
	require.True(t, n.HasPosition)
	require.InDelta(t, 37.4208, n.Latitude(), 1e-9)
	require.InDelta(t, -122.0846, n.Longitude(), 1e-9)
	require.Equal(t, uint32(87), n.BatteryLevel)
	require.Equal(t, "Ridge Repeater", n.DisplayName())
	require.Equal(t, "Ridge Repeater", m.DisplayName(0xa1b2c3d4))
}

func TestTouchCreatesSkeleton(t *testing.T) {
	m := memoryManager(t)

	at := time.Unix(1700000000, 0).UTC()
	m.Touch(0xdeadbeef, -3.5, at)

	n, ok := m.GetNode(0xdeadbeef)
	require.True(t, ok)
	require.Equal(t, "!deadbeef", n.ID)
	require.Equal(t, float32(-3.5), n.SNR)
	require.Equal(t, at, n.LastHeard)
	require.Equal(t, "!deadbeef", n.DisplayName())

	// An older observation must not rewind last-heard.
	m.Touch(0xdeadbeef, 0, at.Add(-time.Hour))
	n, _ = m.GetNode(0xdeadbeef)
	require.Equal(t, at, n.LastHeard)
}

func TestListNodesMostRecentFirst(t *testing.T) {
	m := memoryManager(t)

	base := time.Unix(1700000000, 0).UTC()
	m.Touch(1, 0, base)
	m.Touch(2, 0, base.Add(time.Minute))
	m.Touch(3, 0, base.Add(-time.Minute))
	require.NoError(t, m.ApplyNodeInfo(&proto.NodeInfo{
		Num:  4,
		User: &proto.User{LongName: "Silent"},
	})) // never heard

	nodes := m.ListNodes()
	require.Len(t, nodes, 4)
	require.Equal(t, uint32(2), nodes[0].Num)
	require.Equal(t, uint32(1), nodes[1].Num)
	require.Equal(t, uint32(3), nodes[2].Num)
	require.Equal(t, uint32(4), nodes[3].Num)
	require.Equal(t, 4, m.NodeCount())
}

func TestGetByID(t *testing.T) {
	m := memoryManager(t)
	m.Touch(0xa1b2c3d4, 0, time.Now())

	n, ok := m.GetByID("!a1b2c3d4")
	require.True(t, ok)
	require.Equal(t, uint32(0xa1b2c3d4), n.Num)

	_, ok = m.GetByID("!ffffffff")
	require.False(t, ok)
	_, ok = m.GetByID("garbage")
	require.False(t, ok)
}

func TestApplyPositionIgnoresNullIsland(t *testing.T) {
	m := memoryManager(t)
	require.NoError(t, m.ApplyPosition(7, &proto.Position{LatitudeI: 0, LongitudeI: 0}))

	n, ok := m.GetNode(7)
	require.True(t, ok)
	require.False(t, n.HasPosition)
}

func TestRosterPersistsAcrossManagers(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.Migrate(db))

	m, err := New(db)
	require.NoError(t, err)
	heard := time.Unix(1700000000, 0).UTC()
	require.NoError(t, m.ApplyNodeInfo(&proto.NodeInfo{
		Num:       0xa1b2c3d4,
		User:      &proto.User{ID: "!a1b2c3d4", LongName: "Ridge Repeater", ShortName: "RDG"},
		SNR:       7.25,
		LastHeard: uint32(heard.Unix()),
	}))

	// A fresh manager on the same database hydrates the roster.
	m2, err := New(db)
	require.NoError(t, err)
	n, ok := m2.GetNode(0xa1b2c3d4)
	require.True(t, ok)
	require.Equal(t, "Ridge Repeater", n.LongName)
	require.Equal(t, float32(7.25), n.SNR)
	require.Equal(t, heard, n.LastHeard)
}

func TestWriteCSV(t *testing.T) {
	nodes := []*Node{
		{
			Num:        0xa1b2c3d4,
			ID:         "!a1b2c3d4",
			LongName:   "Ridge Repeater",
			ShortName:  "RDG",
			SNR:        7.25,
			LastHeard:  time.Unix(1700000000, 0).UTC(),
			LatitudeI:  374208000,
			LongitudeI: -1220846000,
			Altitude:   812,
			UptimeSecs: 3661,
		},
		{
			Num:       255,
			ID:        "!000000ff",
			LastHeard: time.Unix(1700000060, 0).UTC(),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nodes))

	want := "Node ID,Node Number,Long Name,Short Name,User ID,Last Heard,SNR,Latitude,Longitude,Altitude,Uptime\n" +
		"!a1b2c3d4,2712847316,Ridge Repeater,RDG,!a1b2c3d4,2023-11-14 22:13:20,7.25,37.4208,-122.0846,812,1h 1m 1s\n" +
		"!000000ff,255,,,!000000ff,2023-11-14 22:14:20,,,,,\n"
	require.Equal(t, want, buf.String())
}

func TestWriteReport(t *testing.T) {
	nodes := []*Node{
		{
			Num:        0xa1b2c3d4,
			ID:         "!a1b2c3d4",
			LongName:   "Ridge Repeater",
			LatitudeI:  374208000,
			LongitudeI: -1220846000,
			Altitude:   812,
			UptimeSecs: 3661,
		},
		{Num: 255, ID: "!000000ff"},
	}

	var buf bytes.Buffer
	WriteReport(&buf, nodes)
	out := buf.String()

	require.Contains(t, out, "Node ID: !a1b2c3d4")
	require.Contains(t, out, "Location: Lat 37.4208, Lon -122.0846, Alt 812 m")
	require.Contains(t, out, "Uptime: 1h 1m 1s")
	require.Contains(t, out, "Short Name: N/A")
	require.Contains(t, out, "Location: Lat N/A, Lon N/A, Alt N/A m")
}
