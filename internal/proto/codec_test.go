package proto

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// buildEnvelope wraps an already-encoded sub-message as FromRadio field num.
func buildEnvelope(num protowire.Number, inner []byte) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func TestDecodeFromRadioTextPacket(t *testing.T) {
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(PortTextMessage))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("ping from the forest"))

	pkt := protowire.AppendTag(nil, 1, protowire.VarintType) // from
	pkt = protowire.AppendVarint(pkt, 0x0a0b0c0d)
	pkt = protowire.AppendTag(pkt, 2, protowire.VarintType) // to
	pkt = protowire.AppendVarint(pkt, uint64(BroadcastAddr))
	pkt = protowire.AppendTag(pkt, 3, protowire.VarintType) // channel
	pkt = protowire.AppendVarint(pkt, 2)
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType) // decoded
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, 6, protowire.VarintType) // id
	pkt = protowire.AppendVarint(pkt, 0xdeadbeef)
	pkt = protowire.AppendTag(pkt, 8, protowire.Fixed32Type) // rx_snr
	pkt = protowire.AppendFixed32(pkt, math.Float32bits(6.5))
	pkt = protowire.AppendTag(pkt, 12, protowire.VarintType)      // rx_rssi
	pkt = protowire.AppendVarint(pkt, uint64(0xFFFFFFFFFFFFFFA1)) // -95

	fr, err := DecodeFromRadio(buildEnvelope(2, pkt))
	require.NoError(t, err)
	require.Equal(t, VariantPacket, fr.Variant)
	require.NotNil(t, fr.Packet)

	p := fr.Packet
	assert.Equal(t, uint32(0x0a0b0c0d), p.From)
	assert.Equal(t, BroadcastAddr, p.To)
	assert.Equal(t, uint32(2), p.Channel)
	assert.Equal(t, uint32(0xdeadbeef), p.ID)
	assert.InDelta(t, 6.5, p.RxSNR, 0.001)
	assert.Equal(t, int32(-95), p.RxRSSI)
	require.NotNil(t, p.Decoded)
	assert.Equal(t, PortTextMessage, p.Decoded.PortNum)
	assert.Equal(t, "ping from the forest", string(p.Decoded.Payload))
}

func TestDecodeFromRadioQueueStatus(t *testing.T) {
	qs := protowire.AppendTag(nil, 1, protowire.VarintType)     // res
	qs = protowire.AppendVarint(qs, uint64(0xFFFFFFFFFFFFFFFE)) // -2
	qs = protowire.AppendTag(qs, 2, protowire.VarintType)
	qs = protowire.AppendVarint(qs, 14)
	qs = protowire.AppendTag(qs, 3, protowire.VarintType)
	qs = protowire.AppendVarint(qs, 16)
	qs = protowire.AppendTag(qs, 4, protowire.VarintType)
	qs = protowire.AppendVarint(qs, 0x12345678)

	fr, err := DecodeFromRadio(buildEnvelope(11, qs))
	require.NoError(t, err)
	require.Equal(t, VariantQueueStatus, fr.Variant)
	require.NotNil(t, fr.QueueStatus)
	assert.Equal(t, int32(-2), fr.QueueStatus.Res)
	assert.Equal(t, uint32(14), fr.QueueStatus.Free)
	assert.Equal(t, uint32(16), fr.QueueStatus.MaxLen)
	assert.Equal(t, uint32(0x12345678), fr.QueueStatus.MeshPacketID)
}

func TestDecodeFromRadioNodeInfo(t *testing.T) {
	user := protowire.AppendTag(nil, 1, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("!433d1ab4"))
	user = protowire.AppendTag(user, 2, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("Lydney Gateway"))
	user = protowire.AppendTag(user, 3, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("LYD1"))
	user = protowire.AppendTag(user, 5, protowire.VarintType)
	user = protowire.AppendVarint(user, 9) // RAK4631

	pos := protowire.AppendTag(nil, 1, protowire.Fixed32Type)
	pos = protowire.AppendFixed32(pos, uint32(517234560)) // 51.7234560
	pos = protowire.AppendTag(pos, 2, protowire.Fixed32Type)
	lonI := int32(-25412340)
	pos = protowire.AppendFixed32(pos, uint32(lonI)) // -2.5412340
	pos = protowire.AppendTag(pos, 3, protowire.VarintType)
	pos = protowire.AppendVarint(pos, 145)

	metrics := protowire.AppendTag(nil, 1, protowire.VarintType)
	metrics = protowire.AppendVarint(metrics, 87)
	metrics = protowire.AppendTag(metrics, 5, protowire.VarintType)
	metrics = protowire.AppendVarint(metrics, 7261)

	ni := protowire.AppendTag(nil, 1, protowire.VarintType)
	ni = protowire.AppendVarint(ni, 0x433d1ab4)
	ni = protowire.AppendTag(ni, 2, protowire.BytesType)
	ni = protowire.AppendBytes(ni, user)
	ni = protowire.AppendTag(ni, 3, protowire.BytesType)
	ni = protowire.AppendBytes(ni, pos)
	ni = protowire.AppendTag(ni, 4, protowire.Fixed32Type)
	ni = protowire.AppendFixed32(ni, math.Float32bits(-7.25))
	ni = protowire.AppendTag(ni, 5, protowire.Fixed32Type)
	ni = protowire.AppendFixed32(ni, 1724580000)
	ni = protowire.AppendTag(ni, 6, protowire.BytesType)
	ni = protowire.AppendBytes(ni, metrics)

	fr, err := DecodeFromRadio(buildEnvelope(4, ni))
	require.NoError(t, err)
	require.Equal(t, VariantNodeInfo, fr.Variant)
	n := fr.Node
	require.NotNil(t, n)
	assert.Equal(t, uint32(0x433d1ab4), n.Num)
	require.NotNil(t, n.User)
	assert.Equal(t, "!433d1ab4", n.User.ID)
	assert.Equal(t, "Lydney Gateway", n.User.LongName)
	assert.Equal(t, "LYD1", n.User.ShortName)
	assert.Equal(t, "RAK4631", HardwareModelName(n.User.HwModel))
	require.NotNil(t, n.Position)
	assert.Equal(t, int32(517234560), n.Position.LatitudeI)
	assert.Equal(t, int32(-25412340), n.Position.LongitudeI)
	assert.Equal(t, int32(145), n.Position.Altitude)
	assert.InDelta(t, -7.25, n.SNR, 0.001)
	assert.Equal(t, uint32(1724580000), n.LastHeard)
	require.NotNil(t, n.DeviceMetrics)
	assert.Equal(t, uint32(87), n.DeviceMetrics.BatteryLevel)
	assert.Equal(t, uint32(7261), n.DeviceMetrics.UptimeSeconds)
}

func TestDecodeFromRadioSkipsUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 7, protowire.VarintType) // config_complete_id
	b = protowire.AppendVarint(b, 0xbeef)
	b = protowire.AppendTag(b, 99, protowire.BytesType) // future field
	b = protowire.AppendBytes(b, []byte{0x01, 0x02, 0x03})

	fr, err := DecodeFromRadio(b)
	require.NoError(t, err)
	assert.Equal(t, VariantConfigComplete, fr.Variant)
	assert.Equal(t, uint32(0xbeef), fr.ConfigCompleteID)
}

func TestDecodeFromRadioLabelsUndecodedVariants(t *testing.T) {
	cfg := buildEnvelope(5, []byte{0x0a, 0x00})
	fr, err := DecodeFromRadio(cfg)
	require.NoError(t, err)
	assert.Equal(t, VariantConfig, fr.Variant)
	assert.Nil(t, fr.Packet)
}

func TestDecodeFromRadioTruncated(t *testing.T) {
	pkt := protowire.AppendTag(nil, 2, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(BroadcastAddr))
	env := buildEnvelope(2, pkt)

	_, err := DecodeFromRadio(env[:len(env)-2])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proto: decode")
}

func TestEncodeMeshPacketWire(t *testing.T) {
	b, err := EncodeMeshPacket(&MeshPacket{
		To:       BroadcastAddr,
		Channel:  2,
		Decoded:  &Data{PortNum: PortTextMessage, Payload: []byte("hi")},
		ID:       1,
		HopLimit: 3,
	})
	require.NoError(t, err)

	want := []byte{
		0x0a, 0x14, // ToRadio.packet, 20 bytes
		0x10, 0xff, 0xff, 0xff, 0xff, 0x0f, // to = 0xFFFFFFFF
		0x18, 0x02, // channel = 2
		0x22, 0x06, 0x08, 0x01, 0x12, 0x02, 0x68, 0x69, // decoded{TEXT, "hi"}
		0x30, 0x01, // id = 1
		0x48, 0x03, // hop_limit = 3
	}
	assert.Equal(t, want, b)
}

func TestEncodeControlMessages(t *testing.T) {
	assert.Equal(t, []byte{0x18, 0xd2, 0x09}, EncodeWantConfig(1234))
	assert.Equal(t, []byte{0x20, 0x01}, EncodeDisconnect())
	assert.Equal(t, []byte{0x3a, 0x00}, EncodeHeartbeat())
}

func TestWrapFrame(t *testing.T) {
	b, err := WrapFrame([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte{Start1, Start2, 0x00, 0x03, 'a', 'b', 'c'}, b)

	_, err = WrapFrame(make([]byte, MaxPayloadLen+1))
	require.Error(t, err)
}

func TestNodeIDRoundTrip(t *testing.T) {
	assert.Equal(t, "!0000beef", NodeIDString(0xbeef))

	num, err := ParseNodeID("!433d1ab4")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x433d1ab4), num)

	_, err = ParseNodeID("433d1ab4")
	assert.Error(t, err)
	_, err = ParseNodeID("!zzzz1ab4")
	assert.Error(t, err)
}

func TestMessageTypeLabel(t *testing.T) {
	assert.Equal(t, "TEXT_MESSAGE_APP", MessageTypeLabel(PortTextMessage))
	assert.Equal(t, "TELEMETRY_APP", MessageTypeLabel(PortTelemetry))
	assert.Equal(t, "UNKNOWN(250)", MessageTypeLabel(PortNum(250)))
}
