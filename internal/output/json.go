package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/anvil/internal/shell"
)

// JSONFormatter formats device trees as JSON.
type JSONFormatter struct{}

// FormatDevice formats a single device tree as JSON.
func (f *JSONFormatter) FormatDevice(dev shell.Device) (string, error) {
	data, err := json.MarshalIndent(dev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal device to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// FormatDeviceList formats a list of device trees as a JSON array.
func (f *JSONFormatter) FormatDeviceList(devs []shell.Device) (string, error) {
	if len(devs) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(devs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal devices to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
