// Package store manages the SQLite database (WAL mode) for meshcourier:
// the node roster snapshot, the sent-message log, haiku history and
// per-node signal samples.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlNodes,
		ddlMessages,
		ddlHaikus,
		ddlSignalSamples,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    node_id       TEXT    NOT NULL UNIQUE,   -- "!%08x"
    node_num      INTEGER NOT NULL,
    long_name     TEXT    NOT NULL DEFAULT '',
    short_name    TEXT    NOT NULL DEFAULT '',
    hw_model      TEXT    NOT NULL DEFAULT '',
    snr           REAL    NOT NULL DEFAULT 0,
    last_heard    INTEGER NOT NULL DEFAULT 0, -- Unix seconds
    has_position  INTEGER NOT NULL DEFAULT 0,
    latitude_i    INTEGER NOT NULL DEFAULT 0, -- degrees * 1e7
    longitude_i   INTEGER NOT NULL DEFAULT 0,
    altitude      INTEGER NOT NULL DEFAULT 0, -- metres
    battery_level INTEGER NOT NULL DEFAULT 0,
    voltage       REAL    NOT NULL DEFAULT 0,
    channel_util  REAL    NOT NULL DEFAULT 0,
    air_util_tx   REAL    NOT NULL DEFAULT 0,
    uptime_secs   INTEGER NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_last_heard ON nodes (last_heard DESC);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    packet_id   INTEGER NOT NULL DEFAULT 0,  -- client-assigned mesh packet id
    channel     INTEGER NOT NULL DEFAULT 0,
    dest        TEXT    NOT NULL DEFAULT 'broadcast',
    body        TEXT    NOT NULL,
    outcome     TEXT    NOT NULL,
    result_code INTEGER NOT NULL DEFAULT 0,
    attempts    INTEGER NOT NULL DEFAULT 1,
    sent_at     INTEGER NOT NULL,            -- Unix seconds
    published   INTEGER NOT NULL DEFAULT 0   -- bool: 0 = pending, 1 = mirrored to MQTT
);
CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages (sent_at DESC);
`

const ddlHaikus = `
CREATE TABLE IF NOT EXISTS haikus (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    body       TEXT    NOT NULL,
    channel    INTEGER NOT NULL DEFAULT 0,
    sequence   INTEGER NOT NULL DEFAULT 0,
    outcome    TEXT    NOT NULL,
    created_at INTEGER NOT NULL
);
`

const ddlSignalSamples = `
CREATE TABLE IF NOT EXISTS signal_samples (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    node_id  TEXT    NOT NULL,
    snr      REAL    NOT NULL DEFAULT 0,
    rssi     INTEGER NOT NULL DEFAULT 0,
    heard_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signal_samples_node ON signal_samples (node_id, heard_at DESC);
`

// ── Records ───────────────────────────────────────────────────────────────

// NodeRecord is the persisted roster row for one mesh node.
type NodeRecord struct {
	NodeID       string
	NodeNum      uint32
	LongName     string
	ShortName    string
	HwModel      string
	SNR          float64
	LastHeard    int64
	HasPosition  bool
	LatitudeI    int32
	LongitudeI   int32
	Altitude     int32
	BatteryLevel uint32
	Voltage      float64
	ChannelUtil  float64
	AirUtilTx    float64
	UptimeSecs   uint32
	UpdatedAt    int64
}

// Message is one entry of the sent-message log. The JSON shape is
// served by the API and mirrored to the broker as-is.
type Message struct {
	ID         int64     `json:"id"`
	PacketID   uint32    `json:"packet_id"`
	Channel    uint32    `json:"channel"`
	Dest       string    `json:"dest"`
	Body       string    `json:"body"`
	Outcome    string    `json:"outcome"`
	ResultCode int32     `json:"result_code"`
	Attempts   int       `json:"attempts"`
	SentAt     time.Time `json:"sent_at"`
	Published  bool      `json:"published"`
}

// HaikuRecord is one generated haiku and how its send concluded.
type HaikuRecord struct {
	ID        int64
	Body      string
	Channel   uint32
	Sequence  int
	Outcome   string
	CreatedAt time.Time
}

// SignalSample is one SNR/RSSI observation for a node.
type SignalSample struct {
	NodeID  string
	SNR     float64
	RSSI    int32
	HeardAt time.Time
}

// ── Nodes ─────────────────────────────────────────────────────────────────

// UpsertNode inserts or refreshes one roster row, keyed by node_id.
func (db *DB) UpsertNode(rec *NodeRecord) error {
	_, err := db.Exec(`
		INSERT INTO nodes (
		    node_id, node_num, long_name, short_name, hw_model, snr,
		    last_heard, has_position, latitude_i, longitude_i, altitude,
		    battery_level, voltage, channel_util, air_util_tx, uptime_secs,
		    updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
		    long_name     = excluded.long_name,
		    short_name    = excluded.short_name,
		    hw_model      = excluded.hw_model,
		    snr           = excluded.snr,
		    last_heard    = excluded.last_heard,
		    has_position  = excluded.has_position,
		    latitude_i    = excluded.latitude_i,
		    longitude_i   = excluded.longitude_i,
		    altitude      = excluded.altitude,
		    battery_level = excluded.battery_level,
		    voltage       = excluded.voltage,
		    channel_util  = excluded.channel_util,
		    air_util_tx   = excluded.air_util_tx,
		    uptime_secs   = excluded.uptime_secs,
		    updated_at    = excluded.updated_at`,
		rec.NodeID, rec.NodeNum, rec.LongName, rec.ShortName, rec.HwModel,
		rec.SNR, rec.LastHeard, boolToInt(rec.HasPosition), rec.LatitudeI,
		rec.LongitudeI, rec.Altitude, rec.BatteryLevel, rec.Voltage,
		rec.ChannelUtil, rec.AirUtilTx, rec.UptimeSecs, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert node %s: %w", rec.NodeID, err)
	}
	return nil
}

// LoadNodes returns every persisted roster row.
func (db *DB) LoadNodes() ([]*NodeRecord, error) {
	rows, err := db.Query(`
		SELECT node_id, node_num, long_name, short_name, hw_model, snr,
		       last_heard, has_position, latitude_i, longitude_i, altitude,
		       battery_level, voltage, channel_util, air_util_tx,
		       uptime_secs, updated_at
		FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("store: load nodes: %w", err)
	}
	defer rows.Close()

	var out []*NodeRecord
	for rows.Next() {
		rec := &NodeRecord{}
		var hasPos int
		if err := rows.Scan(
			&rec.NodeID, &rec.NodeNum, &rec.LongName, &rec.ShortName,
			&rec.HwModel, &rec.SNR, &rec.LastHeard, &hasPos,
			&rec.LatitudeI, &rec.LongitudeI, &rec.Altitude,
			&rec.BatteryLevel, &rec.Voltage, &rec.ChannelUtil,
			&rec.AirUtilTx, &rec.UptimeSecs, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		rec.HasPosition = hasPos != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── Messages ──────────────────────────────────────────────────────────────

// InsertMessage records one send attempt outcome and returns its row id.
func (db *DB) InsertMessage(msg *Message) (int64, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if msg.Dest == "" {
		msg.Dest = "broadcast"
	}
	res, err := db.Exec(`
		INSERT INTO messages (packet_id, channel, dest, body, outcome,
		                      result_code, attempts, sent_at, published)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.PacketID, msg.Channel, msg.Dest, msg.Body, msg.Outcome,
		msg.ResultCode, msg.Attempts, msg.SentAt.Unix(), boolToInt(msg.Published),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns the n most recent log entries, newest first.
func (db *DB) ListMessages(n int) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, packet_id, channel, dest, body, outcome, result_code,
		       attempts, sent_at, published
		FROM messages ORDER BY sent_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnpublishedMessages returns log entries not yet mirrored to MQTT,
// oldest first so the backfill preserves send order.
func (db *DB) UnpublishedMessages(n int) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, packet_id, channel, dest, body, outcome, result_code,
		       attempts, sent_at, published
		FROM messages WHERE published = 0 ORDER BY sent_at ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: unpublished messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkPublished flags a log entry as mirrored to the broker.
func (db *DB) MarkPublished(id int64) error {
	if _, err := db.Exec(`UPDATE messages SET published = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: mark published %d: %w", id, err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var sentAt int64
		var published int
		if err := rows.Scan(
			&msg.ID, &msg.PacketID, &msg.Channel, &msg.Dest, &msg.Body,
			&msg.Outcome, &msg.ResultCode, &msg.Attempts, &sentAt, &published,
		); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msg.SentAt = time.Unix(sentAt, 0).UTC()
		msg.Published = published != 0
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ── Haikus ────────────────────────────────────────────────────────────────

// InsertHaiku records one generated haiku and its send outcome.
func (db *DB) InsertHaiku(h *HaikuRecord) (int64, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	res, err := db.Exec(`
		INSERT INTO haikus (body, channel, sequence, outcome, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		h.Body, h.Channel, h.Sequence, h.Outcome, h.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert haiku: %w", err)
	}
	return res.LastInsertId()
}

// RecentHaikus returns the n most recent haikus, newest first.
func (db *DB) RecentHaikus(n int) ([]*HaikuRecord, error) {
	rows, err := db.Query(`
		SELECT id, body, channel, sequence, outcome, created_at
		FROM haikus ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent haikus: %w", err)
	}
	defer rows.Close()

	var out []*HaikuRecord
	for rows.Next() {
		h := &HaikuRecord{}
		var createdAt int64
		if err := rows.Scan(&h.ID, &h.Body, &h.Channel, &h.Sequence, &h.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan haiku: %w", err)
		}
		h.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// ── Signal samples ────────────────────────────────────────────────────────

// InsertSignalSample appends one SNR/RSSI observation.
func (db *DB) InsertSignalSample(s *SignalSample) error {
	if s.HeardAt.IsZero() {
		s.HeardAt = time.Now().UTC()
	}
	_, err := db.Exec(`
		INSERT INTO signal_samples (node_id, snr, rssi, heard_at)
		VALUES (?, ?, ?, ?)`,
		s.NodeID, s.SNR, s.RSSI, s.HeardAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: insert signal sample: %w", err)
	}
	return nil
}

// RecentSignalSamples returns the n most recent samples for a node,
// newest first.
func (db *DB) RecentSignalSamples(nodeID string, n int) ([]*SignalSample, error) {
	rows, err := db.Query(`
		SELECT node_id, snr, rssi, heard_at
		FROM signal_samples WHERE node_id = ?
		ORDER BY heard_at DESC, id DESC LIMIT ?`, nodeID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent signal samples: %w", err)
	}
	defer rows.Close()

	var out []*SignalSample
	for rows.Next() {
		s := &SignalSample{}
		var heardAt int64
		if err := rows.Scan(&s.NodeID, &s.SNR, &s.RSSI, &heardAt); err != nil {
			return nil, fmt.Errorf("store: scan signal sample: %w", err)
		}
		s.HeardAt = time.Unix(heardAt, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
