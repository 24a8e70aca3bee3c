// Command meshwatch streams live mesh traffic to stdout: one line per
// packet plus FROM_RADIO transport frames, with include/exclude filters
// and automatic reconnection when the link drops.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/meshcourier/meshcourier/internal/config"
	"github.com/meshcourier/meshcourier/internal/link"
	"github.com/meshcourier/meshcourier/internal/logging"
	"github.com/meshcourier/meshcourier/internal/proto"
)

const timestampLayout = "2006-01-02 15:04:05"

// listFlag collects a repeatable flag; each occurrence may itself be a
// comma-separated list.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: meshwatch [flags] <addr>

Connects to a radio and prints every mesh packet as a one-line summary,
plus the FROM_RADIO transport frames around them. Node filters match
the "!%%08x" id or a node's short name exactly (case-insensitive); port
filters match anywhere in the port label.

  addr  radio address, host or host:port (default port %d)

Flags:
`, proto.DefaultTCPPort)
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	var filterPorts, filterNodes, excludeNodes listFlag
	flag.Var(&filterPorts, "filter-port", "only show packets whose port label contains this (repeatable)")
	flag.Var(&filterNodes, "filter-node", "only show traffic from this node id or short name (repeatable)")
	flag.Var(&excludeNodes, "exclude-node", "hide traffic from this node id or short name (repeatable)")
	packetsOnly := flag.Bool("packets-only", false, "hide FROM_RADIO transport frames")
	showText := flag.Bool("show-text", false, "print text message content instead of its length")
	quietSync := flag.Bool("quiet-sync", false, "hide config/moduleConfig/channel sync frames")
	showUnknown := flag.Bool("show-unknown", false, "show frames with unrecognized envelope variants")
	noReconnect := flag.Bool("no-reconnect", false, "exit when the link drops instead of reconnecting")
	reconnectDelay := flag.Int("reconnect-delay", 5, "seconds between reconnect attempts")
	listPorts := flag.Bool("list-ports", false, "list known port types and exit")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	if *listPorts {
		printKnownPorts(os.Stdout)
		return nil
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("expected <addr>")
	}
	addr := flag.Arg(0)

	level := "warn" // keep stdout clean for the packet stream
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(config.LogConfig{Level: level})
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	w := &watcher{
		out:          os.Stdout,
		filterPorts:  filterPorts,
		filterNodes:  filterNodes,
		excludeNodes: excludeNodes,
		showText:     *showText,
		quietSync:    *quietSync,
		showUnknown:  *showUnknown,
		packetsOnly:  *packetsOnly,
		names:        make(map[uint32]string),
	}
	w.printFilters()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	delay := time.Duration(*reconnectDelay) * time.Second
	for {
		lk, err := link.Dial(ctx, addr, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "connect to %s failed: %v\n", addr, err)
			if *noReconnect {
				return err
			}
			fmt.Fprintf(os.Stderr, "retrying in %s...\n", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		fmt.Fprintf(w.out, "Listening for mesh traffic on %s (Ctrl-C to stop)\n", addr)

		removePackets := lk.TapPackets(w.handlePacket)
		removeFrames := lk.TapFrames(w.handleFrame)

		select {
		case <-ctx.Done():
			removePackets()
			removeFrames()
			lk.Close() //nolint:errcheck
			return nil
		case <-lk.Done():
			removePackets()
			removeFrames()
			cause := lk.Err()
			lk.Close() //nolint:errcheck
			if *noReconnect {
				return fmt.Errorf("link lost: %w", cause)
			}
			fmt.Fprintf(os.Stderr, "link lost (%v), reconnecting in %s...\n", cause, delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func printKnownPorts(w io.Writer) {
	fmt.Fprintln(w, "Known port types (PortNum):")
	for _, p := range proto.KnownPorts() {
		fmt.Fprintf(w, "%4d  %s\n", uint32(p), proto.MessageTypeLabel(p))
	}
}

// ── Watcher ───────────────────────────────────────────────────────────────

// watcher renders mesh traffic. Taps run on the link's reader
// goroutine, and a new link is only tapped after the old reader died,
// so the name cache needs no lock.
type watcher struct {
	out io.Writer

	filterPorts  []string
	filterNodes  []string
	excludeNodes []string
	showText     bool
	quietSync    bool
	showUnknown  bool
	packetsOnly  bool

	names map[uint32]string // short names learned from NodeInfo
}

func (w *watcher) printFilters() {
	if len(w.filterPorts)+len(w.filterNodes)+len(w.excludeNodes) == 0 && !w.quietSync {
		return
	}
	fmt.Fprintln(w.out, "Active filters:")
	if len(w.filterPorts) > 0 {
		fmt.Fprintf(w.out, "  include ports: %s\n", strings.Join(w.filterPorts, ", "))
	}
	if len(w.filterNodes) > 0 {
		fmt.Fprintf(w.out, "  include nodes: %s\n", strings.Join(w.filterNodes, ", "))
	}
	if len(w.excludeNodes) > 0 {
		fmt.Fprintf(w.out, "  exclude nodes: %s\n", strings.Join(w.excludeNodes, ", "))
	}
	if w.quietSync {
		fmt.Fprintln(w.out, "  quiet sync: hiding config, moduleConfig, channel")
	}
	fmt.Fprintln(w.out)
}

func (w *watcher) printLine(s string) {
	fmt.Fprintf(w.out, "[%s] %s\n", time.Now().Format(timestampLayout), s)
}

// handleFrame renders one FROM_RADIO envelope. Packet payload detail is
// the packet tap's job; here the packet variant only shows its routing.
func (w *watcher) handleFrame(fr *proto.FromRadio) {
	var (
		nodeID   string
		nodeName string
		extras   []string
	)
	switch fr.Variant {
	case proto.VariantPacket:
		p := fr.Packet
		if p.From != 0 {
			nodeID = proto.NodeIDString(p.From)
			nodeName = w.names[p.From]
			extras = append(extras, "From:"+nodeID)
		}
		if p.To != 0 {
			extras = append(extras, "To:"+w.destName(p.To))
		}
	case proto.VariantMyInfo:
		nodeID = proto.NodeIDString(fr.MyInfo.MyNodeNum)
		extras = append(extras, "NodeNum:"+nodeID)
	case proto.VariantNodeInfo:
		nodeID = proto.NodeIDString(fr.Node.Num)
		extras = append(extras, "NodeNum:"+nodeID)
		if u := fr.Node.User; u != nil && u.ShortName != "" {
			nodeName = u.ShortName
			w.names[fr.Node.Num] = u.ShortName
			extras = append(extras, "Name:"+u.ShortName)
		}
	case proto.VariantConfigComplete:
		extras = append(extras, fmt.Sprintf("ID:%d", fr.ConfigCompleteID))
	case proto.VariantQueueStatus:
		extras = append(extras,
			fmt.Sprintf("Res:%d", fr.QueueStatus.Res),
			fmt.Sprintf("Free:%d", fr.QueueStatus.Free))
	}

	if w.packetsOnly || !w.showFrame(fr.Variant, nodeID, nodeName) {
		return
	}
	line := "FROM_RADIO: Type:" + fr.Variant
	if len(extras) > 0 {
		line += " | " + strings.Join(extras, " | ")
	}
	w.printLine(line)
}

func (w *watcher) handlePacket(p *proto.MeshPacket) {
	fields := []string{fmt.Sprintf("ID:%d", p.ID)}
	var fromID, fromName string
	if p.From != 0 {
		fromID = proto.NodeIDString(p.From)
		fromName = w.displayName(p.From)
		fields = append(fields, "From:"+fromName)
	}
	if p.To != 0 {
		fields = append(fields, "To:"+w.destName(p.To))
	}
	fields = append(fields,
		fmt.Sprintf("Ch:%d", p.Channel),
		fmt.Sprintf("Hops:%d", p.HopLimit),
		fmt.Sprintf("WantAck:%t", p.WantAck),
	)
	if p.RxTime != 0 {
		fields = append(fields, fmt.Sprintf("RxTime:%d", p.RxTime))
	}
	fields = append(fields,
		"SNR:"+strconv.FormatFloat(float64(p.RxSNR), 'g', -1, 32),
		fmt.Sprintf("RSSI:%d", p.RxRSSI),
	)

	// Detail runs before the filter check so NodeInfo packets feed the
	// name cache even when hidden.
	label, detail := w.payloadDetail(p)
	if !w.nodeAllowed(fromID, fromName) || !w.portAllowed(label) {
		return
	}
	fields = append(fields, detail)
	w.printLine("PACKET: " + strings.Join(fields, " | "))
}

func (w *watcher) payloadDetail(p *proto.MeshPacket) (label, detail string) {
	if p.Decoded == nil {
		return "", "NoPayload"
	}
	label = proto.MessageTypeLabel(p.Decoded.PortNum)
	detail = "Port:" + label
	payload := p.Decoded.Payload

	switch p.Decoded.PortNum {
	case proto.PortTextMessage:
		text := string(payload)
		switch {
		case text == "":
			detail += " Text:(no content found)"
		case w.showText:
			detail += fmt.Sprintf(" Text:'%s'", text)
		default:
			detail += fmt.Sprintf(" TextLen:%d", len(text))
		}

	case proto.PortNodeInfo:
		u, err := proto.DecodeUser(payload)
		if err != nil {
			detail += decodeErr(err)
			break
		}
		var parts []string
		if u.ShortName != "" {
			parts = append(parts, "Name:"+u.ShortName)
			if p.From != 0 {
				w.names[p.From] = u.ShortName
			}
		}
		if u.LongName != "" {
			parts = append(parts, "Long:"+u.LongName)
		}
		if len(u.MacAddr) > 0 {
			parts = append(parts, "MAC:"+hex.EncodeToString(u.MacAddr))
		}
		parts = append(parts, "HW:"+proto.HardwareModelName(u.HwModel))
		detail += " User:[" + strings.Join(parts, ",") + "]"

	case proto.PortPosition:
		pos, err := proto.DecodePosition(payload)
		if err != nil {
			detail += decodeErr(err)
			break
		}
		var parts []string
		if pos.LatitudeI != 0 {
			parts = append(parts, fmt.Sprintf("Lat:%.6f", float64(pos.LatitudeI)/1e7))
		}
		if pos.LongitudeI != 0 {
			parts = append(parts, fmt.Sprintf("Lon:%.6f", float64(pos.LongitudeI)/1e7))
		}
		parts = append(parts, fmt.Sprintf("Alt:%dm", pos.Altitude))
		if pos.Time != 0 {
			parts = append(parts, fmt.Sprintf("Time:%d", pos.Time))
		}
		detail += " Pos:[" + strings.Join(parts, ",") + "]"

	case proto.PortTelemetry:
		tel, err := proto.DecodeTelemetry(payload)
		if err != nil {
			detail += decodeErr(err)
			break
		}
		var parts []string
		if dm := tel.Device; dm != nil {
			parts = append(parts,
				fmt.Sprintf("Batt:%d%%", dm.BatteryLevel),
				fmt.Sprintf("V:%.2f", dm.Voltage),
				fmt.Sprintf("ChUtil:%.1f%%", dm.ChannelUtilization),
				fmt.Sprintf("AirTx:%.1f%%", dm.AirUtilTx),
				fmt.Sprintf("Uptime:%ds", dm.UptimeSeconds),
			)
		}
		if em := tel.Environment; em != nil {
			parts = append(parts,
				fmt.Sprintf("Temp:%.1fC", em.Temperature),
				fmt.Sprintf("Humidity:%.1f%%", em.RelativeHumidity),
				fmt.Sprintf("Pressure:%.1fhPa", em.BarometricPressure),
			)
		}
		detail += " Tel:[" + strings.Join(parts, ",") + "]"

	default:
		detail += fmt.Sprintf(" PayloadSize:%d bytes", len(payload))
	}
	return label, detail
}

func decodeErr(err error) string {
	return fmt.Sprintf(" (decode error: %v)", err)
}

// ── Filters & names ───────────────────────────────────────────────────────

func (w *watcher) showFrame(variant, nodeID, nodeName string) bool {
	if w.quietSync {
		switch variant {
		case proto.VariantConfig, proto.VariantModuleConfig, proto.VariantChannel:
			return false
		}
	}
	if variant == proto.VariantUnknown && !w.showUnknown {
		return false
	}
	return w.nodeAllowed(nodeID, nodeName)
}

func (w *watcher) nodeAllowed(nodeID, nodeName string) bool {
	for _, ex := range w.excludeNodes {
		if strings.EqualFold(ex, nodeID) || strings.EqualFold(ex, nodeName) {
			return false
		}
	}
	if len(w.filterNodes) == 0 {
		return true
	}
	for _, f := range w.filterNodes {
		if strings.EqualFold(f, nodeID) || strings.EqualFold(f, nodeName) {
			return true
		}
	}
	return false
}

func (w *watcher) portAllowed(label string) bool {
	if len(w.filterPorts) == 0 || label == "" {
		return true
	}
	lower := strings.ToLower(label)
	for _, f := range w.filterPorts {
		if strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

func (w *watcher) displayName(num uint32) string {
	if name, ok := w.names[num]; ok {
		return name
	}
	return proto.NodeIDString(num)
}

func (w *watcher) destName(to uint32) string {
	if to == proto.BroadcastAddr {
		return "BROADCAST"
	}
	return w.displayName(to)
}
