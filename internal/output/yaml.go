package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	apiv1 "github.com/jbweber/sma/api/v1"
)

// YAMLFormatter renders devices as YAML. A listing is a stream with one
// document per device.
type YAMLFormatter struct{}

func (f *YAMLFormatter) FormatDevice(dev *apiv1.Device) (string, error) {
	return f.FormatDeviceList([]apiv1.Device{*dev})
}

func (f *YAMLFormatter) FormatDeviceList(devs []apiv1.Device) (string, error) {
	if len(devs) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for i := range devs {
		if err := enc.Encode(&devs[i]); err != nil {
			return "", fmt.Errorf("failed to marshal device %s to YAML: %w", devs[i].Handle, err)
		}
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return buf.String(), nil
}
