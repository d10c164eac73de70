package output

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/shell"
)

func strptr(s string) *string { return &s }

func sampleDevice() shell.Device {
	return shell.Device{
		Name: "loop0",
		Path: "/dev/loop0",
		Type: "loop",
		Children: []shell.Device{
			{
				Name:        "loop0p1",
				Path:        "/dev/loop0p1",
				Type:        "part",
				FSType:      strptr("ext4"),
				Mountpoints: []*string{strptr("/mnt/root")},
			},
		},
	}
}

func TestNewFormatter(t *testing.T) {
	for _, format := range []Format{FormatTable, FormatYAML, FormatJSON} {
		if _, err := NewFormatter(Options{Format: format}); err != nil {
			t.Errorf("NewFormatter(%s) error = %v", format, err)
		}
	}

	if _, err := NewFormatter(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestValidateFormat(t *testing.T) {
	for _, format := range []string{"table", "yaml", "json"} {
		if err := ValidateFormat(format); err != nil {
			t.Errorf("ValidateFormat(%s) error = %v", format, err)
		}
	}
	if err := ValidateFormat("csv"); err == nil {
		t.Error("expected error for invalid format")
	}
}

func TestTableFormatter(t *testing.T) {
	f := &TableFormatter{}

	out, err := f.FormatDevice(sampleDevice())
	if err != nil {
		t.Fatalf("FormatDevice() error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Errorf("missing header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "loop0") || !strings.Contains(lines[1], "/dev/loop0") {
		t.Errorf("root row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "└─loop0p1") {
		t.Errorf("child row not indented: %q", lines[2])
	}
	if !strings.Contains(lines[2], "/mnt/root") {
		t.Errorf("child mountpoint missing: %q", lines[2])
	}
}

func TestTableFormatterNoHeaders(t *testing.T) {
	f := &TableFormatter{NoHeaders: true}

	out, err := f.FormatDevice(sampleDevice())
	if err != nil {
		t.Fatalf("FormatDevice() error = %v", err)
	}
	if strings.Contains(out, "NAME") {
		t.Errorf("header present with NoHeaders:\n%s", out)
	}
}

func TestTableFormatterEmptyList(t *testing.T) {
	f := &TableFormatter{}

	out, err := f.FormatDeviceList(nil)
	if err != nil {
		t.Fatalf("FormatDeviceList() error = %v", err)
	}
	if out != "No block devices found\n" {
		t.Errorf("out = %q", out)
	}
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}

	out, err := f.FormatDevice(sampleDevice())
	if err != nil {
		t.Fatalf("FormatDevice() error = %v", err)
	}

	var parsed shell.Device
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if parsed.Path != "/dev/loop0" || len(parsed.Children) != 1 {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestJSONFormatterEmptyList(t *testing.T) {
	f := &JSONFormatter{}

	out, err := f.FormatDeviceList(nil)
	if err != nil {
		t.Fatalf("FormatDeviceList() error = %v", err)
	}
	if out != "[]\n" {
		t.Errorf("out = %q, want []", out)
	}
}

func TestYAMLFormatter(t *testing.T) {
	f := &YAMLFormatter{}

	out, err := f.FormatDevice(sampleDevice())
	if err != nil {
		t.Fatalf("FormatDevice() error = %v", err)
	}

	var parsed map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
}

func TestYAMLFormatterListSeparatesDocuments(t *testing.T) {
	f := &YAMLFormatter{}

	devs := []shell.Device{sampleDevice(), sampleDevice()}
	out, err := f.FormatDeviceList(devs)
	if err != nil {
		t.Fatalf("FormatDeviceList() error = %v", err)
	}
	if strings.Count(out, "---\n") != 1 {
		t.Errorf("expected one document separator:\n%s", out)
	}
}
