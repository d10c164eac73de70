package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/jbweber/anvil/internal/shell"
)

// TableFormatter formats device trees as human-readable tables. Children are
// indented under their parent, lsblk style.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatDevice formats a single device tree as a table.
func (f *TableFormatter) FormatDevice(dev shell.Device) (string, error) {
	return f.FormatDeviceList([]shell.Device{dev})
}

// FormatDeviceList formats a list of device trees as a table.
func (f *TableFormatter) FormatDeviceList(devs []shell.Device) (string, error) {
	if len(devs) == 0 {
		return "No block devices found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tPATH\tTYPE\tFSTYPE\tMOUNTPOINTS")
	}

	for _, dev := range devs {
		writeRow(w, dev, 0)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to format table: %w", err)
	}

	return buf.String(), nil
}

func writeRow(w *tabwriter.Writer, dev shell.Device, depth int) {
	name := dev.Name
	if depth > 0 {
		name = strings.Repeat("  ", depth-1) + "└─" + name
	}

	fstype := "-"
	if dev.FSType != nil && *dev.FSType != "" {
		fstype = *dev.FSType
	}

	var mounts []string
	for _, mp := range dev.Mountpoints {
		if mp != nil && *mp != "" {
			mounts = append(mounts, *mp)
		}
	}
	mountCol := "-"
	if len(mounts) > 0 {
		mountCol = strings.Join(mounts, ",")
	}

	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, dev.Path, dev.Type, fstype, mountCol)

	for _, child := range dev.Children {
		writeRow(w, child, depth+1)
	}
}
