package state

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const lastHeardLayout = "2006-01-02 15:04:05"

// csvHeader is the column set consumed by the inference tooling; the
// order is load-bearing for downstream readers.
var csvHeader = []string{
	"Node ID", "Node Number", "Long Name", "Short Name", "User ID",
	"Last Heard", "SNR", "Latitude", "Longitude", "Altitude", "Uptime",
}

// WriteCSV renders the roster as CSV. Cells with no data are left
// empty rather than zero-filled.
func WriteCSV(w io.Writer, nodes []*Node) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("state: write csv header: %w", err)
	}
	for _, n := range nodes {
		row := []string{
			n.ID,
			strconv.FormatUint(uint64(n.Num), 10),
			n.LongName,
			n.ShortName,
			n.ID,
			formatLastHeard(n.LastHeard),
			formatSNR(n.SNR),
			"",
			"",
			"",
			formatUptime(n.UptimeSecs),
		}
		if n.LatitudeI != 0 {
			row[7] = formatFloat(n.Latitude())
		}
		if n.LongitudeI != 0 {
			row[8] = formatFloat(n.Longitude())
		}
		if n.Altitude != 0 {
			row[9] = strconv.Itoa(int(n.Altitude))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("state: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReport renders the roster as a human-readable block report.
func WriteReport(w io.Writer, nodes []*Node) {
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "Mesh Nodes")
	fmt.Fprintln(w, rule)
	for _, n := range nodes {
		fmt.Fprintf(w, "\nNode ID: %s\n", n.ID)
		fmt.Fprintf(w, "Node Number: %d\n", n.Num)
		fmt.Fprintf(w, "Long Name: %s\n", orNA(n.LongName))
		fmt.Fprintf(w, "Short Name: %s\n", orNA(n.ShortName))
		fmt.Fprintf(w, "Hardware: %s\n", orNA(n.HwModel))
		fmt.Fprintf(w, "Last Heard: %s\n", orNA(formatLastHeard(n.LastHeard)))
		fmt.Fprintf(w, "Signal Strength (SNR): %s dB\n", orNA(formatSNR(n.SNR)))

		lat, lon, alt := "N/A", "N/A", "N/A"
		if n.LatitudeI != 0 {
			lat = formatFloat(n.Latitude())
		}
		if n.LongitudeI != 0 {
			lon = formatFloat(n.Longitude())
		}
		if n.Altitude != 0 {
			alt = strconv.Itoa(int(n.Altitude))
		}
		fmt.Fprintf(w, "Location: Lat %s, Lon %s, Alt %s m\n", lat, lon, alt)
		fmt.Fprintf(w, "Uptime: %s\n", orNA(formatUptime(n.UptimeSecs)))
		fmt.Fprintln(w, strings.Repeat("-", 40))
	}
	fmt.Fprintln(w, rule)
}

func formatLastHeard(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(lastHeardLayout)
}

func formatUptime(secs uint32) string {
	if secs == 0 {
		return ""
	}
	return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs%3600)/60, secs%60)
}

func formatFloat(f float64) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// formatSNR renders at float32 precision so readings like 7.1 come out
// as "7.1", not the float64 expansion.
func formatSNR(f float32) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
