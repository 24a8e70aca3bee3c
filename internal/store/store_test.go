package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))
}

func TestNodeUpsertAndLoad(t *testing.T) {
	db := openTestDB(t)

	rec := &NodeRecord{
		NodeID:       "!a1b2c3d4",
		NodeNum:      0xa1b2c3d4,
		LongName:     "Ridge Repeater",
		ShortName:    "RDG",
		HwModel:      "HELTEC_V3",
		SNR:          7.25,
		LastHeard:    1700000000,
		HasPosition:  true,
		LatitudeI:    374208000,
		LongitudeI:   -1220846000,
		Altitude:     812,
		BatteryLevel: 87,
		Voltage:      4.01,
		UptimeSecs:   3661,
		UpdatedAt:    1700000000,
	}
	require.NoError(t, db.UpsertNode(rec))

	// Second upsert on the same node_id must update in place, not duplicate.
	rec.LongName = "Ridge Repeater 2"
	rec.LastHeard = 1700000100
	require.NoError(t, db.UpsertNode(rec))

	nodes, err := db.LoadNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	got := nodes[0]
	require.Equal(t, "Ridge Repeater 2", got.LongName)
	require.Equal(t, int64(1700000100), got.LastHeard)
	require.True(t, got.HasPosition)
	require.Equal(t, int32(374208000), got.LatitudeI)
	require.Equal(t, int32(-1220846000), got.LongitudeI)
	require.Equal(t, uint32(0xa1b2c3d4), got.NodeNum)
}

func TestMessageLogRoundTrip(t *testing.T) {
	db := openTestDB(t)

	sentAt := time.Unix(1700000000, 0).UTC()
	id, err := db.InsertMessage(&Message{
		PacketID:   0x1234,
		Channel:    2,
		Body:       "hello mesh",
		Outcome:    "confirmed",
		ResultCode: 0,
		Attempts:   1,
		SentAt:     sentAt,
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	_, err = db.InsertMessage(&Message{
		PacketID: 0x1235,
		Channel:  2,
		Body:     "second",
		Outcome:  "timeout",
		Attempts: 3,
		SentAt:   sentAt.Add(time.Minute),
	})
	require.NoError(t, err)

	msgs, err := db.ListMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Newest first.
	require.Equal(t, "second", msgs[0].Body)
	require.Equal(t, "hello mesh", msgs[1].Body)
	require.Equal(t, "broadcast", msgs[1].Dest)
	require.Equal(t, sentAt, msgs[1].SentAt)
	require.False(t, msgs[1].Published)
}

func TestUnpublishedBacklog(t *testing.T) {
	db := openTestDB(t)

	base := time.Unix(1700000000, 0).UTC()
	var ids []int64
	for i, body := range []string{"first", "second", "third"} {
		id, err := db.InsertMessage(&Message{
			Body:    body,
			Outcome: "confirmed",
			SentAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pending, err := db.UnpublishedMessages(10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// Oldest first so the replay preserves send order.
	require.Equal(t, "first", pending[0].Body)

	require.NoError(t, db.MarkPublished(ids[0]))
	require.NoError(t, db.MarkPublished(ids[1]))

	pending, err = db.UnpublishedMessages(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "third", pending[0].Body)
}

func TestHaikuHistory(t *testing.T) {
	db := openTestDB(t)

	base := time.Unix(1700000000, 0).UTC()
	for i := 1; i <= 3; i++ {
		_, err := db.InsertHaiku(&HaikuRecord{
			Body:      "mountain radio / whispers through the static night / packets find their way",
			Channel:   2,
			Sequence:  i,
			Outcome:   "confirmed",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	recent, err := db.RecentHaikus(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, 3, recent[0].Sequence)
	require.Equal(t, 2, recent[1].Sequence)
}

func TestSignalSamples(t *testing.T) {
	db := openTestDB(t)

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, db.InsertSignalSample(&SignalSample{
			NodeID:  "!a1b2c3d4",
			SNR:     float64(i),
			RSSI:    int32(-90 - i),
			HeardAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, db.InsertSignalSample(&SignalSample{
		NodeID:  "!deadbeef",
		SNR:     11,
		HeardAt: base,
	}))

	samples, err := db.RecentSignalSamples("!a1b2c3d4", 3)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	require.Equal(t, 4.0, samples[0].SNR)
	require.Equal(t, int32(-94), samples[0].RSSI)
	for _, s := range samples {
		require.Equal(t, "!a1b2c3d4", s.NodeID)
	}
}
