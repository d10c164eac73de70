// Package config defines the build configuration and its validation.
//
// A configuration has two sections: storage (the disk descriptor and the
// ordered partition layout consumed by internal/storage) and install (what
// goes onto the mounted tree, consumed by internal/install). Validation is
// structural only; whether a physical disk actually exists is checked by the
// storage layer, which is the component that talks to the kernel.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// SwapType is the filesystem type sentinel selecting swap-area creation, and
// SwapMountpoint the mountpoint sentinel marking a partition as swap space.
const (
	SwapType       = "swap"
	SwapMountpoint = "swap"
)

// DefaultLabelFlag is the flag most mkfs tools take for a filesystem label.
const DefaultLabelFlag = "-L"

// DiskType selects how the backing device is provided.
type DiskType string

const (
	// DiskTypePhysical uses an existing block device; nothing is allocated.
	DiskTypePhysical DiskType = "physical"
	// DiskTypeSparse allocates a sparse image file and loop-attaches it.
	DiskTypeSparse DiskType = "sparse"
	// DiskTypeRaw allocates a fully-written image file and loop-attaches it.
	DiskTypeRaw DiskType = "raw"
)

var (
	typecodePattern = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)
	sizePattern     = regexp.MustCompile(`^[0-9]+[KMGTP]?$`)
	sectorPattern   = regexp.MustCompile(`^([+-]?[0-9]+[KMGTP]?)?$`)
)

// Config is the complete build configuration.
type Config struct {
	Storage StorageConfig  `yaml:"storage"`
	Install *InstallConfig `yaml:"install,omitempty"`
}

// StorageConfig describes the disk and its partition layout. Layout order is
// semantically significant: it fixes on-disk partition numbering (1-based).
type StorageConfig struct {
	Disk   DiskConfig  `yaml:"disk"`
	Layout []Partition `yaml:"layout"`
}

// DiskConfig describes the backing storage device.
type DiskConfig struct {
	Path   string   `yaml:"path"`
	Type   DiskType `yaml:"type"`
	PTable string   `yaml:"ptable"`
	Size   string   `yaml:"size,omitempty"`
}

// Partition is one layout entry: where the partition sits on disk and what
// filesystem goes on it.
type Partition struct {
	Start      string     `yaml:"start"`
	End        string     `yaml:"end"`
	Typecode   string     `yaml:"typecode"`
	Filesystem Filesystem `yaml:"filesystem"`
}

// Filesystem describes the filesystem installed on a partition. A Type of
// "swap" selects mkswap instead of mkfs; a Mountpoint of "swap" marks the
// partition as swap space, which is never mounted.
type Filesystem struct {
	Type       string   `yaml:"type"`
	Mountpoint string   `yaml:"mountpoint"`
	Label      string   `yaml:"label,omitempty"`
	LabelFlag  string   `yaml:"label_flag,omitempty"`
	Args       []string `yaml:"args,omitempty"`
}

// EffectiveLabelFlag returns the label flag, defaulting to -L for the many
// mkfs tools that use it. Atypical tools (mkfs.vfat wants -n) set LabelFlag.
func (f *Filesystem) EffectiveLabelFlag() string {
	if f.LabelFlag == "" {
		return DefaultLabelFlag
	}
	return f.LabelFlag
}

// InstallConfig describes what is installed onto the mounted tree.
type InstallConfig struct {
	Base     string   `yaml:"base"`
	Packages []string `yaml:"packages,omitempty"`
	Hostname string   `yaml:"hostname,omitempty"`
	Locale   string   `yaml:"locale,omitempty"`
	Timezone string   `yaml:"timezone,omitempty"`
	Services []string `yaml:"services,omitempty"`
	Users    []User   `yaml:"users,omitempty"`
}

// User is one provisioned account.
type User struct {
	Name         string   `yaml:"name"`
	Groups       []string `yaml:"groups,omitempty"`
	PasswordHash string   `yaml:"password_hash,omitempty"`
	SSHKeys      []string `yaml:"ssh_keys,omitempty"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Install != nil {
		if err := c.Install.Validate(); err != nil {
			return fmt.Errorf("install: %w", err)
		}
	}
	return nil
}

// Validate checks the storage section.
func (s *StorageConfig) Validate() error {
	if err := s.Disk.Validate(); err != nil {
		return fmt.Errorf("disk: %w", err)
	}

	if len(s.Layout) == 0 {
		return fmt.Errorf("layout must have at least one partition")
	}

	mountpointsSeen := make(map[string]bool)
	for i, part := range s.Layout {
		if err := part.Validate(); err != nil {
			return fmt.Errorf("layout[%d]: %w", i, err)
		}
		mp := part.Filesystem.Mountpoint
		if mp != SwapMountpoint {
			if mountpointsSeen[mp] {
				return fmt.Errorf("layout[%d]: duplicate mountpoint %q", i, mp)
			}
			mountpointsSeen[mp] = true
		}
	}

	return nil
}

// Validate checks the disk descriptor.
func (d *DiskConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("path is required")
	}

	switch d.Type {
	case DiskTypePhysical:
		if d.Size != "" {
			return fmt.Errorf("size cannot be set for a physical disk")
		}
	case DiskTypeSparse, DiskTypeRaw:
		if d.Size == "" {
			return fmt.Errorf("size is required for %s disks", d.Type)
		}
		if !sizePattern.MatchString(d.Size) {
			return fmt.Errorf("invalid size %q (want e.g. 32G, 512M)", d.Size)
		}
	default:
		return fmt.Errorf("invalid type %q (must be physical, sparse or raw)", d.Type)
	}

	if d.PTable != "gpt" {
		return fmt.Errorf("unsupported ptable %q (only gpt is supported)", d.PTable)
	}

	return nil
}

// SizeBytes parses the disk size ("32G", "512M", plain bytes) into bytes.
// Suffixes are powers of 1024.
func (d *DiskConfig) SizeBytes() (int64, error) {
	return ParseSize(d.Size)
}

// Validate checks a layout entry.
func (p *Partition) Validate() error {
	if !sectorPattern.MatchString(p.Start) {
		return fmt.Errorf("invalid start sector %q", p.Start)
	}
	if !sectorPattern.MatchString(p.End) {
		return fmt.Errorf("invalid end sector %q", p.End)
	}
	if !typecodePattern.MatchString(p.Typecode) {
		return fmt.Errorf("invalid typecode %q (want 4 hex digits, e.g. 8300)", p.Typecode)
	}
	return p.Filesystem.Validate()
}

// Validate checks a filesystem spec.
func (f *Filesystem) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("filesystem type is required")
	}
	if f.Mountpoint == "" {
		return fmt.Errorf("mountpoint is required")
	}
	if f.Mountpoint != SwapMountpoint && !filepath.IsAbs(f.Mountpoint) {
		return fmt.Errorf("mountpoint %q must be an absolute path or %q", f.Mountpoint, SwapMountpoint)
	}
	if f.Type == SwapType && f.Mountpoint != SwapMountpoint {
		return fmt.Errorf("swap filesystems must use mountpoint %q, got %q", SwapMountpoint, f.Mountpoint)
	}
	return nil
}

// Validate checks the install section.
func (ic *InstallConfig) Validate() error {
	if ic.Base != "archlinux" {
		return fmt.Errorf("unsupported base %q (only archlinux is supported)", ic.Base)
	}

	usersSeen := make(map[string]bool)
	for i, u := range ic.Users {
		if u.Name == "" {
			return fmt.Errorf("users[%d]: name is required", i)
		}
		if usersSeen[u.Name] {
			return fmt.Errorf("users[%d]: duplicate user %q", i, u.Name)
		}
		usersSeen[u.Name] = true

		for j, key := range u.SSHKeys {
			if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
				return fmt.Errorf("users[%d].ssh_keys[%d]: invalid key: %w", i, j, err)
			}
		}
	}

	return nil
}

// ParseSize converts a size expression ("32G", "512M", "1048576") to bytes.
// Suffixes K, M, G, T, P are powers of 1024.
func ParseSize(size string) (int64, error) {
	if !sizePattern.MatchString(size) {
		return 0, fmt.Errorf("invalid size %q", size)
	}

	multiplier := int64(1)
	digits := size
	switch {
	case strings.HasSuffix(size, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(size, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(size, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(size, "T"):
		multiplier = 1 << 40
	case strings.HasSuffix(size, "P"):
		multiplier = 1 << 50
	}
	if multiplier != 1 {
		digits = size[:len(size)-1]
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", size, err)
	}

	return n * multiplier, nil
}
