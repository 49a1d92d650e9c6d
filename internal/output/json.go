package output

import (
	"encoding/json"
	"fmt"

	apiv1 "github.com/jbweber/sma/api/v1"
)

// JSONFormatter renders devices as indented JSON. Listings are always an
// array, empty included.
type JSONFormatter struct{}

func (f *JSONFormatter) FormatDevice(dev *apiv1.Device) (string, error) {
	return marshalJSON(dev)
}

func (f *JSONFormatter) FormatDeviceList(devs []apiv1.Device) (string, error) {
	if devs == nil {
		devs = []apiv1.Device{}
	}
	return marshalJSON(devs)
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
