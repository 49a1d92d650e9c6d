package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	apiv1 "github.com/jbweber/sma/api/v1"
)

// TableFormatter renders listings as aligned columns and single devices as
// a field list.
type TableFormatter struct {
	NoHeaders bool

	now func() time.Time // tests
}

func (f *TableFormatter) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

// FormatDevice renders every field of dev, one per line, followed by its
// attached volumes.
func (f *TableFormatter) FormatDevice(dev *apiv1.Device) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 1, ' ', 0)

	field := func(name, value string) {
		if value == "" {
			value = "-"
		}
		_, _ = fmt.Fprintf(w, "%s:\t%s\n", name, value)
	}
	field("Handle", dev.Handle)
	field("Transport", dev.Transport)
	field("State", dev.State)
	if dev.Reason != "" {
		field("Reason", dev.Reason)
	}
	if dev.CreatedAt.IsZero() {
		field("Created", "")
	} else {
		field("Created", fmt.Sprintf("%s (%s ago)",
			dev.CreatedAt.UTC().Format(time.RFC3339), age(f.clock().Sub(dev.CreatedAt.Time))))
	}
	field("Volumes", fmt.Sprint(len(dev.Volumes)))
	_ = w.Flush()

	for _, v := range dev.Volumes {
		fmt.Fprintf(&buf, "  - %s\n", v)
	}
	return buf.String(), nil
}

// FormatDeviceList renders one row per device.
func (f *TableFormatter) FormatDeviceList(devs []apiv1.Device) (string, error) {
	if len(devs) == 0 {
		return "No devices found\n", nil
	}
	now := f.clock()

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "HANDLE\tTRANSPORT\tSTATE\tVOLUMES\tAGE")
	}
	for _, dev := range devs {
		cols := []string{dev.Handle, dev.Transport, orDash(dev.State), "-", "-"}
		if len(dev.Volumes) > 0 {
			cols[3] = strings.Join(dev.Volumes, ",")
		}
		if !dev.CreatedAt.IsZero() {
			cols[4] = age(now.Sub(dev.CreatedAt.Time))
		}
		_, _ = fmt.Fprintln(w, strings.Join(cols, "\t"))
	}
	_ = w.Flush()
	return buf.String(), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// age abbreviates d to its largest whole unit: 45s, 12m, 3h, 6d, 2w, 1y.
func age(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}
	const day = 24 * time.Hour
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < day:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d < 7*day:
		return fmt.Sprintf("%dd", int(d/day))
	case d < 56*day:
		return fmt.Sprintf("%dw", int(d/(7*day)))
	case d >= 365*day:
		return fmt.Sprintf("%dy", int(d/(365*day)))
	default:
		return fmt.Sprintf("%dd", int(d/day))
	}
}
