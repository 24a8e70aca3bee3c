// Package proto implements the Meshtastic client-API wire layer: the
// stream framing used on TCP port 4403 and hand-rolled protobuf
// encode/decode (via encoding/protowire) for the FromRadio/ToRadio
// envelopes and the payloads this toolkit cares about. Unknown fields
// and unhandled envelope variants are skipped, never rejected.
package proto

import (
	"fmt"
)

// Stream framing constants. Every frame on the wire is
// START1 START2 <len16 big-endian> <protobuf payload>.
const (
	Start1         = 0x94
	Start2         = 0xC3
	FrameHeaderLen = 4
	MaxPayloadLen  = 512

	// DefaultTCPPort is the Meshtastic client API port.
	DefaultTCPPort = 4403
)

// BroadcastAddr is the destination node number for channel broadcasts.
const BroadcastAddr uint32 = 0xFFFFFFFF

// PortNum mirrors the Meshtastic PortNum enum for the apps we decode.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1  // TEXT_MESSAGE_APP
	PortRemoteHW    PortNum = 2  // REMOTE_HARDWARE_APP
	PortPosition    PortNum = 3  // POSITION_APP
	PortNodeInfo    PortNum = 4  // NODEINFO_APP
	PortRouting     PortNum = 5  // ROUTING_APP
	PortAdmin       PortNum = 6  // ADMIN_APP
	PortReply       PortNum = 32 // REPLY_APP
	PortIPTunnel    PortNum = 33 // IP_TUNNEL_APP
	PortPaxcounter  PortNum = 34 // PAXCOUNTER_APP
	PortSerial      PortNum = 64 // SERIAL_APP
	PortStoreFwd    PortNum = 65 // STORE_FORWARD_APP
	PortRangeTest   PortNum = 66 // RANGE_TEST_APP
	PortTelemetry   PortNum = 67 // TELEMETRY_APP
	PortZPS         PortNum = 68 // ZPS_APP
	PortSimulator   PortNum = 69 // SIMULATOR_APP
	PortTraceroute  PortNum = 70 // TRACEROUTE_APP
	PortNeighbor    PortNum = 71 // NEIGHBORINFO_APP
	PortAtak        PortNum = 72 // ATAK_PLUGIN
)

// FromRadio envelope variants. Variant names follow the proto field
// names so log lines read like the firmware's own oneof.
const (
	VariantPacket         = "packet"
	VariantMyInfo         = "my_info"
	VariantNodeInfo       = "node_info"
	VariantConfig         = "config"
	VariantLogRecord      = "log_record"
	VariantConfigComplete = "config_complete_id"
	VariantRebooted       = "rebooted"
	VariantModuleConfig   = "moduleConfig"
	VariantChannel        = "channel"
	VariantQueueStatus    = "queueStatus"
	VariantUnknown        = "unknown"
)

// FromRadio is the envelope for everything the radio sends us. Exactly
// one variant is populated per frame; variants we do not decode in full
// (config, log_record, moduleConfig, channel) still set Variant so
// monitors can label them.
type FromRadio struct {
	Variant string

	ID               uint32
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	Node             *NodeInfo
	ConfigCompleteID uint32
	Rebooted         bool
	QueueStatus      *QueueStatus
}

// MeshPacket is a routed packet seen on (or destined for) the mesh.
type MeshPacket struct {
	From      uint32
	To        uint32 // BroadcastAddr for channel broadcasts
	Channel   uint32
	Decoded   *Data // nil when the payload arrived encrypted
	Encrypted []byte
	ID        uint32
	RxTime    uint32 // unix seconds, receive side only
	RxSNR     float32
	HopLimit  uint32
	WantAck   bool
	Priority  uint32
	RxRSSI    int32
	ViaMQTT   bool
	HopStart  uint32
}

// Data is the decoded application payload of a MeshPacket.
type Data struct {
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
}

// QueueStatus reports the outcome of handing a packet to the device's
// transmit queue. Res zero means accepted; MeshPacketID correlates the
// report with the send it answers.
type QueueStatus struct {
	Res          int32
	Free         uint32
	MaxLen       uint32
	MeshPacketID uint32
}

// MyNodeInfo carries the local device's own identity.
type MyNodeInfo struct {
	MyNodeNum     uint32
	RebootCount   uint32
	MinAppVersion uint32
}

// NodeInfo is one entry of the radio's node database.
type NodeInfo struct {
	Num           uint32
	User          *User
	Position      *Position
	SNR           float32
	LastHeard     uint32 // unix seconds
	DeviceMetrics *DeviceMetrics
	Channel       uint32
}

// User identifies a node: ID is the canonical "!%08x" form.
type User struct {
	ID        string
	LongName  string
	ShortName string
	MacAddr   []byte
	HwModel   uint32
}

// Position holds GPS coordinates. Latitude/longitude are degrees
// scaled by 1e7.
type Position struct {
	LatitudeI  int32
	LongitudeI int32
	Altitude   int32 // metres
	Time       uint32
	PDOP       uint32
	SatsInView uint32
}

// Telemetry is the TELEMETRY_APP payload.
type Telemetry struct {
	Time        uint32
	Device      *DeviceMetrics
	Environment *EnvironmentMetrics
}

// DeviceMetrics carries battery and airtime statistics.
type DeviceMetrics struct {
	BatteryLevel       uint32
	Voltage            float32
	ChannelUtilization float32
	AirUtilTx          float32
	UptimeSeconds      uint32
}

// EnvironmentMetrics carries sensor readings.
type EnvironmentMetrics struct {
	Temperature        float32
	RelativeHumidity   float32
	BarometricPressure float32
}

// ── Labels & identifiers ──────────────────────────────────────────────────

var portLabels = map[PortNum]string{
	PortUnknown:     "UNKNOWN_APP",
	PortTextMessage: "TEXT_MESSAGE_APP",
	PortRemoteHW:    "REMOTE_HARDWARE_APP",
	PortPosition:    "POSITION_APP",
	PortNodeInfo:    "NODEINFO_APP",
	PortRouting:     "ROUTING_APP",
	PortAdmin:       "ADMIN_APP",
	PortReply:       "REPLY_APP",
	PortIPTunnel:    "IP_TUNNEL_APP",
	PortPaxcounter:  "PAXCOUNTER_APP",
	PortSerial:      "SERIAL_APP",
	PortStoreFwd:    "STORE_FORWARD_APP",
	PortRangeTest:   "RANGE_TEST_APP",
	PortTelemetry:   "TELEMETRY_APP",
	PortZPS:         "ZPS_APP",
	PortSimulator:   "SIMULATOR_APP",
	PortTraceroute:  "TRACEROUTE_APP",
	PortNeighbor:    "NEIGHBORINFO_APP",
	PortAtak:        "ATAK_PLUGIN",
}

// MessageTypeLabel returns the canonical app name for a port number.
func MessageTypeLabel(p PortNum) string {
	if s, ok := portLabels[p]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(p))
}

// KnownPorts lists the decodable port numbers in ascending order.
func KnownPorts() []PortNum {
	return []PortNum{
		PortTextMessage, PortRemoteHW, PortPosition, PortNodeInfo,
		PortRouting, PortAdmin, PortReply, PortIPTunnel, PortPaxcounter,
		PortSerial, PortStoreFwd, PortRangeTest, PortTelemetry, PortZPS,
		PortSimulator, PortTraceroute, PortNeighbor, PortAtak,
	}
}

// NodeIDString renders a node number in the canonical "!%08x" form.
func NodeIDString(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID parses the "!%08x" form back to a node number.
func ParseNodeID(id string) (uint32, error) {
	if len(id) != 9 || id[0] != '!' {
		return 0, fmt.Errorf("proto: malformed node id %q", id)
	}
	var num uint32
	if _, err := fmt.Sscanf(id[1:], "%08x", &num); err != nil {
		return 0, fmt.Errorf("proto: malformed node id %q: %w", id, err)
	}
	return num, nil
}

var hwModels = map[uint32]string{
	0:  "UNSET",
	1:  "TLORA_V2",
	2:  "TLORA_V1",
	3:  "TLORA_V2_1_1P6",
	4:  "TBEAM",
	5:  "HELTEC_V2_0",
	6:  "TBEAM_V0P7",
	7:  "T_ECHO",
	8:  "TLORA_V1_1P3",
	9:  "RAK4631",
	10: "HELTEC_V2_1",
	11: "HELTEC_V1",
	12: "LILYGO_TBEAM_S3_CORE",
	13: "RAK11200",
	14: "NANO_G1",
	15: "TLORA_V2_1_1P8",
	16: "TLORA_T3_S3",
	25: "STATION_G1",
	29: "CANARYONE",
	30: "RP2040_LORA",
	31: "STATION_G2",
	39: "DIY_V1",
	43: "HELTEC_V3",
	44: "HELTEC_WSL_V3",
	47: "RPI_PICO",
	48: "HELTEC_WIRELESS_TRACKER",
	49: "HELTEC_WIRELESS_PAPER",
	50: "T_DECK",
	51: "T_WATCH_S3",
}

// HardwareModelName returns the firmware's name for a hardware model
// code, or "HW_<code>" for models this table does not know.
func HardwareModelName(code uint32) string {
	if s, ok := hwModels[code]; ok {
		return s
	}
	return fmt.Sprintf("HW_%d", code)
}
