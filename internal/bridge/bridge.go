// Package bridge is the long-running mesh-to-broker service. It owns
// the reliable sender, the MQTT session, the REST/WebSocket API server
// and the event bus, and fans radio traffic out to all of them while
// accepting send commands back from the broker and the API.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/api"
	"github.com/meshcourier/meshcourier/internal/config"
	"github.com/meshcourier/meshcourier/internal/inference"
	"github.com/meshcourier/meshcourier/internal/link"
	"github.com/meshcourier/meshcourier/internal/proto"
	"github.com/meshcourier/meshcourier/internal/sender"
	"github.com/meshcourier/meshcourier/internal/state"
	"github.com/meshcourier/meshcourier/internal/store"
)

const (
	ingestBuffer          = 256
	shutdownGrace         = 10 * time.Second
	httpReadHeaderTimeout = 10 * time.Second
)

// Bridge ties the radio link, the SQLite store, the broker session and
// the HTTP API together.
type Bridge struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *store.DB
	bus    *EventBus
	roster *state.Manager
	infer  *inference.Engine
	snd    *sender.Sender
	mqtt   *mqttManager
	server *http.Server

	packets chan *proto.MeshPacket
}

// New assembles a Bridge from its configuration. Nothing dials until
// Start.
func New(cfg *config.Config, db *store.DB, log *zap.Logger) (*Bridge, error) {
	roster, err := state.New(db)
	if err != nil {
		return nil, fmt.Errorf("bridge: load roster: %w", err)
	}

	b := &Bridge{
		cfg:     cfg,
		log:     log,
		db:      db,
		bus:     NewEventBus(),
		roster:  roster,
		infer:   inference.NewEngine(cfg.Inference.ProfileWindow, cfg.Inference.MaxCandidates),
		packets: make(chan *proto.MeshPacket, ingestBuffer),
	}

	b.snd = sender.New(cfg.Device.Addr, sender.Config{
		ConnectAttempts: cfg.Send.ConnectAttempts,
		RetryDelay:      cfg.Send.RetryDelay,
		ConnectTimeout:  cfg.Send.ConnectTimeout,
		StabilizeDelay:  cfg.Send.StabilizeDelay,
		SendAttempts:    cfg.Send.SendAttempts,
		ConfirmTimeout:  cfg.Send.ConfirmTimeout,
		AckPoll:         cfg.Send.AckPoll,
		OnLink:          b.onLink,
	}, log)

	b.mqtt = newMQTTManager(cfg.MQTT, log, b.handleBrokerCommand)

	b.server = &http.Server{
		Handler:           api.NewRouter(db, roster, b, b.subscribeEvents, b.statusSnapshot, log),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
	return b, nil
}

// Start connects the radio and the broker, serves the API, and blocks
// until ctx is cancelled or the API server fails.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.snd.Connect(); err != nil {
		return fmt.Errorf("bridge: radio connect: %w", err)
	}
	defer b.snd.Close()

	b.mqtt.Connect()
	defer b.mqtt.Close()

	ln, err := net.Listen("tcp", b.cfg.API.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: api listen: %w", err)
	}
	b.log.Info("api listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
	}()

	go b.ingestLoop(ctx)
	go b.backfillLoop(ctx)

	select {
	case <-ctx.Done():
		b.log.Info("bridge shutting down")
		shctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := b.server.Shutdown(shctx); err != nil {
			b.log.Warn("api shutdown", zap.Error(err))
		}
		return nil
	case err := <-srvErr:
		return fmt.Errorf("bridge: api server: %w", err)
	}
}

// onLink runs on every successful (re)connect: reinstall the packet
// tap on the fresh link and refresh the roster from the radio's node
// database. Taps die with their link, so each epoch taps anew.
func (b *Bridge) onLink(lk link.Link) {
	lk.TapPackets(func(p *proto.MeshPacket) {
		select {
		case b.packets <- p:
		default:
			b.log.Warn("ingest queue full, packet dropped", zap.Uint32("packet_id", p.ID))
		}
	})
	go b.seedRoster(lk.Nodes())
}

func (b *Bridge) seedRoster(nodes []*proto.NodeInfo) {
	for _, ni := range nodes {
		if err := b.roster.ApplyNodeInfo(ni); err != nil {
			b.log.Warn("roster update failed", zap.Uint32("node", ni.Num), zap.Error(err))
		}
	}
	b.refreshInference()
	b.bus.Publish(Event{Type: EventStatus, Data: b.statusSnapshot()})
}

func (b *Bridge) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-b.packets:
			b.handlePacket(p)
		}
	}
}

// ── Packet ingest ──────────────────────────────────────────────────────────

// packetEnvelope is the JSON shape published to {root}/from/json/{kind}
// and broadcast on the event bus.
type packetEnvelope struct {
	Type      string      `json:"type"`
	From      uint32      `json:"from"`
	Sender    string      `json:"sender"`
	Channel   uint32      `json:"channel"`
	ID        uint32      `json:"id"`
	SNR       float32     `json:"snr"`
	RSSI      int32       `json:"rssi"`
	Payload   interface{} `json:"payload"`
	Origin    string      `json:"origin,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type textPayload struct {
	Text string `json:"text"`
}

type positionPayload struct {
	LatitudeI  int32 `json:"latitude_i"`
	LongitudeI int32 `json:"longitude_i"`
	Altitude   int32 `json:"altitude"`
}

type nodeinfoPayload struct {
	ID        string `json:"id"`
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
	Hardware  string `json:"hardware,omitempty"`
}

type deviceTelemetryPayload struct {
	BatteryLevel       uint32  `json:"battery_level"`
	Voltage            float32 `json:"voltage"`
	ChannelUtilization float32 `json:"channel_utilization"`
	AirUtilTx          float32 `json:"air_util_tx"`
	UptimeSeconds      uint32  `json:"uptime_seconds"`
}

type envTelemetryPayload struct {
	Temperature        float32 `json:"temperature"`
	RelativeHumidity   float32 `json:"relative_humidity"`
	BarometricPressure float32 `json:"barometric_pressure"`
}

type rawPayload struct {
	Port string `json:"portnum"`
	Size int    `json:"size"`
}

func (b *Bridge) handlePacket(p *proto.MeshPacket) {
	now := time.Now()
	senderID := proto.NodeIDString(p.From)

	if p.From != 0 {
		b.roster.Touch(p.From, p.RxSNR, now)
		if p.RxSNR != 0 || p.RxRSSI != 0 {
			sample := store.SignalSample{NodeID: senderID, SNR: float64(p.RxSNR), RSSI: p.RxRSSI, HeardAt: now}
			if err := b.db.InsertSignalSample(&sample); err != nil {
				b.log.Warn("signal sample not stored", zap.Error(err))
			}
			b.infer.UpdateSignalProfile(senderID, float64(p.RxSNR), float64(p.RxRSSI))
		}
	}

	if p.Decoded == nil {
		b.log.Debug("encrypted packet",
			zap.String("from", senderID),
			zap.Uint32("channel", p.Channel),
			zap.Int("size", len(p.Encrypted)))
		return
	}

	kind, payload := b.decodePayload(p)
	env := packetEnvelope{
		Type:      kind,
		From:      p.From,
		Sender:    senderID,
		Channel:   p.Channel,
		ID:        p.ID,
		SNR:       p.RxSNR,
		RSSI:      p.RxRSSI,
		Payload:   payload,
		Origin:    b.infer.ResolveOrigin(senderID, float64(p.RxRSSI)),
		Timestamp: now.UTC(),
	}

	if b.mqtt.Connected() {
		if err := b.mqtt.PublishJSON(kind, env); err != nil {
			b.log.Warn("packet not mirrored to broker", zap.String("kind", kind), zap.Error(err))
		}
	}

	switch kind {
	case "text":
		b.bus.PublishMessage(env)
	case "position":
		b.bus.PublishPosition(env)
	case "nodeinfo":
		b.bus.PublishNodeUpdate(env)
	case "telemetry":
		b.bus.PublishTelemetry(env)
	}
}

// decodePayload maps the app payload to its JSON shape and applies any
// roster side effects (position, user info, telemetry).
func (b *Bridge) decodePayload(p *proto.MeshPacket) (string, interface{}) {
	d := p.Decoded
	switch d.PortNum {
	case proto.PortTextMessage:
		return "text", textPayload{Text: string(d.Payload)}

	case proto.PortPosition:
		pos, err := proto.DecodePosition(d.Payload)
		if err != nil {
			b.log.Warn("position decode failed", zap.Error(err))
			break
		}
		if err := b.roster.ApplyPosition(p.From, pos); err != nil {
			b.log.Warn("roster update failed", zap.Error(err))
		}
		b.refreshInference()
		return "position", positionPayload{
			LatitudeI:  pos.LatitudeI,
			LongitudeI: pos.LongitudeI,
			Altitude:   pos.Altitude,
		}

	case proto.PortNodeInfo:
		u, err := proto.DecodeUser(d.Payload)
		if err != nil {
			b.log.Warn("user decode failed", zap.Error(err))
			break
		}
		if err := b.roster.ApplyNodeInfo(&proto.NodeInfo{Num: p.From, User: u}); err != nil {
			b.log.Warn("roster update failed", zap.Error(err))
		}
		b.refreshInference()
		return "nodeinfo", nodeinfoPayload{
			ID:        u.ID,
			LongName:  u.LongName,
			ShortName: u.ShortName,
			Hardware:  proto.HardwareModelName(u.HwModel),
		}

	case proto.PortTelemetry:
		tel, err := proto.DecodeTelemetry(d.Payload)
		if err != nil {
			b.log.Warn("telemetry decode failed", zap.Error(err))
			break
		}
		if err := b.roster.ApplyTelemetry(p.From, tel); err != nil {
			b.log.Warn("roster update failed", zap.Error(err))
		}
		if tel.Device != nil {
			return "telemetry", deviceTelemetryPayload{
				BatteryLevel:       tel.Device.BatteryLevel,
				Voltage:            tel.Device.Voltage,
				ChannelUtilization: tel.Device.ChannelUtilization,
				AirUtilTx:          tel.Device.AirUtilTx,
				UptimeSeconds:      tel.Device.UptimeSeconds,
			}
		}
		if tel.Environment != nil {
			return "telemetry", envTelemetryPayload{
				Temperature:        tel.Environment.Temperature,
				RelativeHumidity:   tel.Environment.RelativeHumidity,
				BarometricPressure: tel.Environment.BarometricPressure,
			}
		}
	}
	return kindForPort(d.PortNum), rawPayload{
		Port: proto.MessageTypeLabel(d.PortNum),
		Size: len(d.Payload),
	}
}

// kindForPort derives the topic suffix for a port: "text", "position",
// "nodeinfo", "telemetry" for the decoded apps, the lowercased app name
// for everything else.
func kindForPort(p proto.PortNum) string {
	switch p {
	case proto.PortTextMessage:
		return "text"
	case proto.PortPosition:
		return "position"
	case proto.PortNodeInfo:
		return "nodeinfo"
	case proto.PortTelemetry:
		return "telemetry"
	}
	label := strings.TrimSuffix(proto.MessageTypeLabel(p), "_APP")
	return strings.ToLower(label)
}

// refreshInference pushes the current roster into the attribution
// engine so its snapshots track node movement and recency.
func (b *Bridge) refreshInference() {
	nodes := b.roster.ListNodes()
	snaps := make([]inference.Snapshot, 0, len(nodes))
	for _, n := range nodes {
		snaps = append(snaps, inference.Snapshot{
			NodeID:     n.ID,
			SNR:        float64(n.SNR),
			Latitude:   n.Latitude(),
			Longitude:  n.Longitude(),
			Altitude:   n.Altitude,
			HasFix:     n.HasPosition,
			LastHeard:  n.LastHeard,
			UptimeSecs: n.UptimeSecs,
		})
	}
	b.infer.UpdateNodes(snaps)
}

// ── Sending ────────────────────────────────────────────────────────────────

// SendAndConfirm broadcasts body on the given channel through the
// reliable sender, records the outcome, and mirrors it to the broker
// and the event bus.
func (b *Bridge) SendAndConfirm(channel uint32, body string, skipConfirm bool) sender.Receipt {
	rcpt := b.snd.SendAndConfirm(channel, body, skipConfirm)
	b.recordSend("broadcast", channel, body, rcpt)
	return rcpt
}

// SendDirect sends body to one node on the primary channel.
func (b *Bridge) SendDirect(dest uint32, body string, skipConfirm bool) sender.Receipt {
	rcpt := b.snd.SendDirect(dest, body, skipConfirm)
	b.recordSend(proto.NodeIDString(dest), 0, body, rcpt)
	return rcpt
}

func (b *Bridge) recordSend(dest string, channel uint32, body string, rcpt sender.Receipt) {
	msg := &store.Message{
		PacketID:   rcpt.PacketID,
		Channel:    channel,
		Dest:       dest,
		Body:       body,
		Outcome:    rcpt.Outcome.String(),
		ResultCode: rcpt.ResultCode,
		Attempts:   rcpt.Attempts,
		SentAt:     time.Now().UTC(),
	}
	id, err := b.db.InsertMessage(msg)
	if err != nil {
		b.log.Error("send not recorded", zap.Error(err))
	} else {
		msg.ID = id
		b.publishRecord(msg)
	}
	b.bus.PublishSendResult(msg)
}

// handleBrokerCommand executes a send parsed off the command topics.
// Sends block for seconds, so the broker's receive path must stay free.
func (b *Bridge) handleBrokerCommand(cmd command, body string) {
	go func() {
		var rcpt sender.Receipt
		if cmd.direct {
			b.log.Info("broker command: direct message",
				zap.String("dest", proto.NodeIDString(cmd.dest)))
			rcpt = b.SendDirect(cmd.dest, body, false)
		} else {
			b.log.Info("broker command: channel message",
				zap.Uint32("channel", cmd.channel))
			rcpt = b.SendAndConfirm(cmd.channel, body, false)
		}
		if !rcpt.OK() {
			b.log.Warn("broker-commanded send failed",
				zap.String("outcome", rcpt.Outcome.String()),
				zap.Int("attempts", rcpt.Attempts))
		}
	}()
}

// ── API adapters ───────────────────────────────────────────────────────────

func (b *Bridge) statusSnapshot() api.Status {
	return api.Status{
		LinkConnected:   b.snd.Healthy(),
		BrokerConnected: b.mqtt.Connected(),
		Nodes:           b.roster.NodeCount(),
		Subscribers:     b.bus.Len(),
	}
}

// subscribeEvents bridges the typed bus onto the API's untyped stream
// channel. The forwarder drops on a full buffer, same policy as the
// bus itself.
func (b *Bridge) subscribeEvents() (<-chan interface{}, func()) {
	ch, unsub := b.bus.Subscribe()
	out := make(chan interface{}, 64)
	go func() {
		defer close(out)
		for e := range ch {
			select {
			case out <- e:
			default:
			}
		}
	}()
	return out, unsub
}
