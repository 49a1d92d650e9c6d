// Package output renders devices for the CLI as a table, YAML or JSON.
package output

import (
	"fmt"
	"strings"

	apiv1 "github.com/jbweber/sma/api/v1"
)

// Format names an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

var formats = []Format{FormatTable, FormatYAML, FormatJSON}

// Formatter renders devices.
type Formatter interface {
	// FormatDevice renders one device with all of its detail.
	FormatDevice(dev *apiv1.Device) (string, error)
	// FormatDeviceList renders a device listing.
	FormatDeviceList(devs []apiv1.Device) (string, error)
}

// Options selects a Formatter.
type Options struct {
	Format Format
	// NoHeaders drops the header row of table listings.
	NoHeaders bool
}

// ParseFormat converts a -o flag value to a Format.
func ParseFormat(s string) (Format, error) {
	for _, f := range formats {
		if Format(strings.ToLower(s)) == f {
			return f, nil
		}
	}
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return "", fmt.Errorf("invalid output format %q (valid: %s)", s, strings.Join(names, ", "))
}

// NewFormatter returns the Formatter for opts.Format.
func NewFormatter(opts Options) (Formatter, error) {
	f, err := ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}
	switch f {
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	}
}
