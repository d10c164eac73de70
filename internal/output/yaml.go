package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/shell"
)

// YAMLFormatter formats device trees as YAML.
type YAMLFormatter struct{}

// FormatDevice formats a single device tree as YAML.
func (f *YAMLFormatter) FormatDevice(dev shell.Device) (string, error) {
	data, err := yaml.Marshal(dev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal device to YAML: %w", err)
	}

	return string(data), nil
}

// FormatDeviceList formats a list of device trees as a YAML stream
// (multiple documents separated by ---).
func (f *YAMLFormatter) FormatDeviceList(devs []shell.Device) (string, error) {
	if len(devs) == 0 {
		return "", nil
	}

	var buf bytes.Buffer

	for i, dev := range devs {
		data, err := yaml.Marshal(dev)
		if err != nil {
			return "", fmt.Errorf("failed to marshal device %s to YAML: %w", dev.Path, err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}

		buf.Write(data)
	}

	return buf.String(), nil
}
