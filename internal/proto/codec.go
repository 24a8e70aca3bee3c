package proto

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ── Stream framing ────────────────────────────────────────────────────────

// WrapFrame prefixes a protobuf payload with the 0x94 0xC3 stream
// header. The radio rejects frames over MaxPayloadLen, so we do too.
func WrapFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("proto: payload %d bytes exceeds frame limit %d", len(payload), MaxPayloadLen)
	}
	buf := make([]byte, FrameHeaderLen+len(payload))
	buf[0] = Start1
	buf[1] = Start2
	binary.BigEndian.PutUint16(buf[2:FrameHeaderLen], uint16(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	return buf, nil
}

// ── Wire reader ───────────────────────────────────────────────────────────

// reader walks one protobuf message. Every consume method reports
// malformed input as an error carrying the message name for context.
type reader struct {
	msg string
	b   []byte
}

func (r *reader) done() bool { return len(r.b) == 0 }

func (r *reader) fail(n int) error {
	return fmt.Errorf("proto: decode %s: %w", r.msg, protowire.ParseError(n))
}

func (r *reader) tag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return 0, 0, r.fail(n)
	}
	r.b = r.b[n:]
	return num, typ, nil
}

func (r *reader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, r.fail(n)
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) fixed32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(r.b)
	if n < 0 {
		return 0, r.fail(n)
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) float32() (float32, error) {
	v, err := r.fixed32()
	return math.Float32frombits(v), err
}

func (r *reader) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, r.fail(n)
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		return r.fail(n)
	}
	r.b = r.b[n:]
	return nil
}

// ── FromRadio decode ──────────────────────────────────────────────────────

// DecodeFromRadio parses one FromRadio envelope payload (framing already
// stripped). Variants this toolkit does not model are labelled but not
// decoded; unknown fields are skipped.
func DecodeFromRadio(b []byte) (*FromRadio, error) {
	fr := &FromRadio{Variant: VariantUnknown}
	r := &reader{msg: "FromRadio", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1: // id
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			fr.ID = uint32(v)
		case 2: // packet
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			pkt, err := decodeMeshPacket(raw)
			if err != nil {
				return nil, err
			}
			fr.Packet = pkt
			fr.Variant = VariantPacket
		case 3: // my_info
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			mi, err := decodeMyNodeInfo(raw)
			if err != nil {
				return nil, err
			}
			fr.MyInfo = mi
			fr.Variant = VariantMyInfo
		case 4: // node_info
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			ni, err := decodeNodeInfo(raw)
			if err != nil {
				return nil, err
			}
			fr.Node = ni
			fr.Variant = VariantNodeInfo
		case 5: // config
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
			fr.Variant = VariantConfig
		case 6: // log_record
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
			fr.Variant = VariantLogRecord
		case 7: // config_complete_id
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			fr.ConfigCompleteID = uint32(v)
			fr.Variant = VariantConfigComplete
		case 8: // rebooted
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			fr.Rebooted = v != 0
			fr.Variant = VariantRebooted
		case 9: // moduleConfig
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
			fr.Variant = VariantModuleConfig
		case 10: // channel
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
			fr.Variant = VariantChannel
		case 11: // queueStatus
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			qs, err := decodeQueueStatus(raw)
			if err != nil {
				return nil, err
			}
			fr.QueueStatus = qs
			fr.Variant = VariantQueueStatus
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return fr, nil
}

func decodeMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	r := &reader{msg: "MeshPacket", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.From = uint32(v)
		case 2:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.To = uint32(v)
		case 3:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.Channel = uint32(v)
		case 4:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			d, err := decodeData(raw)
			if err != nil {
				return nil, err
			}
			p.Decoded = d
		case 5:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p.Encrypted = append([]byte(nil), raw...)
		case 6:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.ID = uint32(v)
		case 7:
			v, err := r.fixed32()
			if err != nil {
				return nil, err
			}
			p.RxTime = v
		case 8:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			p.RxSNR = v
		case 9:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.HopLimit = uint32(v)
		case 10:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.WantAck = v != 0
		case 11:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.Priority = uint32(v)
		case 12:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.RxRSSI = int32(v)
		case 14:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.ViaMQTT = v != 0
		case 15:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.HopStart = uint32(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func decodeData(b []byte) (*Data, error) {
	d := &Data{}
	r := &reader{msg: "Data", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			d.PortNum = PortNum(v)
		case 2:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			d.Payload = append([]byte(nil), raw...)
		case 3:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			d.WantResponse = v != 0
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

func decodeQueueStatus(b []byte) (*QueueStatus, error) {
	qs := &QueueStatus{}
	r := &reader{msg: "QueueStatus", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			qs.Res = int32(v)
		case 2:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			qs.Free = uint32(v)
		case 3:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			qs.MaxLen = uint32(v)
		case 4:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			qs.MeshPacketID = uint32(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return qs, nil
}

func decodeMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	mi := &MyNodeInfo{}
	r := &reader{msg: "MyNodeInfo", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			mi.MyNodeNum = uint32(v)
		case 8:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			mi.RebootCount = uint32(v)
		case 11:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			mi.MinAppVersion = uint32(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return mi, nil
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	r := &reader{msg: "NodeInfo", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			ni.Num = uint32(v)
		case 2:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			u, err := DecodeUser(raw)
			if err != nil {
				return nil, err
			}
			ni.User = u
		case 3:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			pos, err := DecodePosition(raw)
			if err != nil {
				return nil, err
			}
			ni.Position = pos
		case 4:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			ni.SNR = v
		case 5:
			v, err := r.fixed32()
			if err != nil {
				return nil, err
			}
			ni.LastHeard = v
		case 6:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			dm, err := decodeDeviceMetrics(raw)
			if err != nil {
				return nil, err
			}
			ni.DeviceMetrics = dm
		case 7:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			ni.Channel = uint32(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return ni, nil
}

// DecodeUser parses a User message, the NODEINFO_APP payload.
func DecodeUser(b []byte) (*User, error) {
	u := &User{}
	r := &reader{msg: "User", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			u.ID = string(raw)
		case 2:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			u.LongName = string(raw)
		case 3:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			u.ShortName = string(raw)
		case 4:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			u.MacAddr = append([]byte(nil), raw...)
		case 5:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			u.HwModel = uint32(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return u, nil
}

// DecodePosition parses a Position message, the POSITION_APP payload.
func DecodePosition(b []byte) (*Position, error) {
	p := &Position{}
	r := &reader{msg: "Position", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.fixed32()
			if err != nil {
				return nil, err
			}
			p.LatitudeI = int32(v)
		case 2:
			v, err := r.fixed32()
			if err != nil {
				return nil, err
			}
			p.LongitudeI = int32(v)
		case 3:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.Altitude = int32(v)
		case 4:
			v, err := r.fixed32()
			if err != nil {
				return nil, err
			}
			p.Time = v
		case 11:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.PDOP = uint32(v)
		case 19:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			p.SatsInView = uint32(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// DecodeTelemetry parses a Telemetry message, the TELEMETRY_APP payload.
func DecodeTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{}
	r := &reader{msg: "Telemetry", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.fixed32()
			if err != nil {
				return nil, err
			}
			t.Time = v
		case 2:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			dm, err := decodeDeviceMetrics(raw)
			if err != nil {
				return nil, err
			}
			t.Device = dm
		case 3:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			em, err := decodeEnvironmentMetrics(raw)
			if err != nil {
				return nil, err
			}
			t.Environment = em
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func decodeDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	dm := &DeviceMetrics{}
	r := &reader{msg: "DeviceMetrics", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			dm.BatteryLevel = uint32(v)
		case 2:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			dm.Voltage = v
		case 3:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			dm.ChannelUtilization = v
		case 4:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			dm.AirUtilTx = v
		case 5:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			dm.UptimeSeconds = uint32(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return dm, nil
}

func decodeEnvironmentMetrics(b []byte) (*EnvironmentMetrics, error) {
	em := &EnvironmentMetrics{}
	r := &reader{msg: "EnvironmentMetrics", b: b}
	for !r.done() {
		num, typ, err := r.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			em.Temperature = v
		case 2:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			em.RelativeHumidity = v
		case 3:
			v, err := r.float32()
			if err != nil {
				return nil, err
			}
			em.BarometricPressure = v
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return em, nil
}

// ── ToRadio encode ────────────────────────────────────────────────────────

// EncodeWantConfig builds ToRadio{want_config_id: nonce}, the handshake
// request that makes the radio stream its config and node database.
func EncodeWantConfig(nonce uint32) []byte {
	b := protowire.AppendTag(nil, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(nonce))
}

// EncodeDisconnect builds ToRadio{disconnect: true}.
func EncodeDisconnect() []byte {
	b := protowire.AppendTag(nil, 4, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// EncodeHeartbeat builds ToRadio{heartbeat: {}}. The Heartbeat message
// has no fields; it still must be written length-delimited.
func EncodeHeartbeat() []byte {
	b := protowire.AppendTag(nil, 7, protowire.BytesType)
	return protowire.AppendBytes(b, nil)
}

// EncodeMeshPacket builds ToRadio{packet: p} for transmission. Zero
// fields are omitted per proto3 encoding rules.
func EncodeMeshPacket(p *MeshPacket) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("proto: encode nil MeshPacket")
	}
	inner := appendMeshPacket(nil, p)
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, inner), nil
}

func appendMeshPacket(b []byte, p *MeshPacket) []byte {
	if p.From != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.From))
	}
	if p.To != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.To))
	}
	if p.Channel != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Channel))
	}
	if p.Decoded != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, appendData(nil, p.Decoded))
	}
	if p.ID != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ID))
	}
	if p.HopLimit != 0 {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if p.Priority != 0 {
		b = protowire.AppendTag(b, 11, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Priority))
	}
	return b
}

func appendData(b []byte, d *Data) []byte {
	if d.PortNum != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.PortNum))
	}
	if len(d.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	if d.WantResponse {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}
