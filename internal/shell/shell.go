package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// lsblk exit codes, from lsblk(8).
const (
	lsblkExitNotFound = 32
	lsblkExitNoDevice = 64
)

// allocBlockSize is the dd block size used when allocating backing files.
const allocBlockSize = 1024 * 1024

// Device is one block device record as reported by lsblk --output-all
// --json. Nullable columns keep their pointer types so "absent" stays
// distinguishable from "empty".
type Device struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	FSType      *string   `json:"fstype"`
	Label       *string   `json:"label"`
	PartType    *string   `json:"parttype"`
	Mountpoints []*string `json:"mountpoints"`
	Children    []Device  `json:"children"`
}

type lsblkReport struct {
	BlockDevices []Device `json:"blockdevices"`
}

// LoopDevice is one loop binding record as reported by losetup --json.
type LoopDevice struct {
	Name      string `json:"name"`
	BackFile  string `json:"back-file"`
	Offset    int64  `json:"offset"`
	SizeLimit int64  `json:"sizelimit"`
	AutoClear bool   `json:"autoclear"`
	ReadOnly  bool   `json:"ro"`
}

type losetupReport struct {
	LoopDevices []LoopDevice `json:"loopdevices"`
}

// Shell wraps the external utilities behind typed methods.
type Shell struct {
	run Runner
	log *logrus.Logger

	// sysBlock is where the kernel exposes per-device loop metadata.
	// Overridable so tests can fake the backing-file recovery path.
	sysBlock string
}

// New returns a Shell backed by the real exec runner.
func New(log *logrus.Logger) *Shell {
	return NewWithRunner(NewRunner(log), log)
}

// NewWithRunner returns a Shell using the provided Runner. Used by tests to
// substitute a fake process launcher.
func NewWithRunner(r Runner, log *logrus.Logger) *Shell {
	return &Shell{run: r, log: log, sysBlock: "/sys/class/block"}
}

// AllocateFile writes sizeBytes of zeroes to path with dd. When sparse is
// true the result is converted to a sparse file, so the logical size is
// reached without consuming blocks. The target must not already exist; this
// layer never overwrites.
func (s *Shell) AllocateFile(ctx context.Context, path string, sizeBytes int64, sparse bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("allocate %s: %w", path, err)
	}

	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("allocate %s: %w", abs, os.ErrExist)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("allocate %s: %w", abs, err)
	}

	count := sizeBytes / allocBlockSize
	if sizeBytes%allocBlockSize != 0 {
		count++
	}

	args := []string{
		"if=/dev/zero",
		"of=" + abs,
		"bs=1M",
		"count=" + strconv.FormatInt(count, 10),
	}
	if sparse {
		args = append(args, "conv=sparse")
	}

	if _, err := s.run.Run(ctx, "dd", args...); err != nil {
		return &BlockDeviceError{Path: abs, Msg: "cannot allocate backing file", Err: err}
	}
	return nil
}

// LoopAttach binds the backing file at path to a free loop device with
// partition scanning enabled, and returns the assigned device path. A path
// that is already a block device is rejected: it is either already attached
// or not a backing file at all.
func (s *Shell) LoopAttach(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &LoopDeviceError{Path: path, Msg: "cannot resolve backing file", Err: err}
	}

	isBlock, err := isBlockDevice(abs)
	if err != nil {
		return "", &LoopDeviceError{Path: abs, Msg: "cannot stat backing file", Err: err}
	}
	if isBlock {
		return "", &LoopDeviceError{Path: abs, Msg: "backing file is already a block device"}
	}

	out, err := s.run.Run(ctx, "losetup", "--show", "--find", "--nooverlap", "--partscan", abs)
	if err != nil {
		return "", &LoopDeviceError{Path: abs, Msg: "cannot attach", Err: err}
	}

	return strings.TrimSpace(string(out)), nil
}

// LoopDetach releases the loop binding at devpath.
func (s *Shell) LoopDetach(ctx context.Context, devpath string) error {
	isBlock, err := isBlockDevice(devpath)
	if err != nil {
		return &LoopDeviceError{Path: devpath, Msg: "cannot stat device", Err: err}
	}
	if !isBlock {
		return &LoopDeviceError{Path: devpath, Msg: "not a block device"}
	}

	if _, err := s.run.Run(ctx, "losetup", "--detach", devpath); err != nil {
		return &LoopDeviceError{Path: devpath, Msg: "cannot detach", Err: err}
	}
	return nil
}

// LoopDetachAll releases every active loop binding on the host.
func (s *Shell) LoopDetachAll(ctx context.Context) error {
	if _, err := s.run.Run(ctx, "losetup", "--detach-all"); err != nil {
		return &LoopDeviceError{Msg: "cannot detach all", Err: err}
	}
	return nil
}

// LoopList queries active loop bindings, optionally restricted to the given
// device paths. Missing back-file fields are recovered from sysfs: some
// losetup versions omit or truncate the column in JSON output.
func (s *Shell) LoopList(ctx context.Context, devpaths ...string) ([]LoopDevice, error) {
	args := []string{"--json", "--output-all", "--list"}
	args = append(args, devpaths...)

	out, err := s.run.Run(ctx, "losetup", args...)
	if err != nil {
		return nil, &LoopDeviceError{Msg: "cannot query loop devices", Err: err}
	}

	var report losetupReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, &LoopDeviceError{Msg: "cannot parse losetup output", Err: err}
	}

	for i := range report.LoopDevices {
		dev := &report.LoopDevices[i]
		dev.Name = strings.TrimSpace(dev.Name)
		dev.BackFile = strings.TrimSpace(dev.BackFile)
		if dev.BackFile == "" {
			dev.BackFile = s.backingFileFromSys(dev.Name)
		}
	}

	return report.LoopDevices, nil
}

// LoopAssociated returns the loop bindings whose backing file is path.
func (s *Shell) LoopAssociated(ctx context.Context, path string) ([]LoopDevice, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &LoopDeviceError{Path: path, Msg: "cannot resolve backing file", Err: err}
	}

	out, err := s.run.Run(ctx, "losetup", "--associated", abs)
	if err != nil {
		return nil, &LoopDeviceError{Path: abs, Msg: "cannot query associated loop devices", Err: err}
	}

	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}

	var devices []LoopDevice
	for _, line := range strings.Split(trimmed, "\n") {
		devpath, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		found, err := s.LoopList(ctx, strings.TrimSpace(devpath))
		if err != nil {
			return nil, err
		}
		devices = append(devices, found...)
	}

	return devices, nil
}

// backingFileFromSys reads /sys/class/block/<name>/loop/backing_file. The
// kernel appends " (deleted)" when the file is gone; strip it so the value
// compares equal to the original path.
func (s *Shell) backingFileFromSys(name string) string {
	name = filepath.Base(name)
	data, err := os.ReadFile(filepath.Join(s.sysBlock, name, "loop", "backing_file"))
	if err != nil {
		return ""
	}
	back := strings.TrimSpace(string(data))
	return strings.TrimSuffix(back, " (deleted)")
}

// List enumerates one block device, including its full descendant-partition
// tree as reported by the kernel.
func (s *Shell) List(ctx context.Context, devpath string) (Device, error) {
	out, err := s.run.Run(ctx, "lsblk", "--output-all", "--json", devpath)
	if err != nil {
		if exitCode(err) == lsblkExitNotFound {
			return Device{}, &BlockDeviceNotFoundError{Path: devpath, Err: err}
		}
		return Device{}, &BlockDeviceError{Path: devpath, Msg: "cannot list device", Err: err}
	}

	var report lsblkReport
	if err := json.Unmarshal(out, &report); err != nil {
		return Device{}, &BlockDeviceError{Path: devpath, Msg: "cannot parse lsblk output", Err: err}
	}
	if len(report.BlockDevices) == 0 {
		return Device{}, &BlockDeviceNotFoundError{Path: devpath}
	}

	return report.BlockDevices[0], nil
}

// ListAll enumerates every block device on the host.
func (s *Shell) ListAll(ctx context.Context) ([]Device, error) {
	out, err := s.run.Run(ctx, "lsblk", "--output-all", "--json")
	if err != nil {
		return nil, &BlockDeviceError{Msg: "cannot list devices", Err: err}
	}

	var report lsblkReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, &BlockDeviceError{Msg: "cannot parse lsblk output", Err: err}
	}

	return report.BlockDevices, nil
}

// Probe asks the kernel to reread the partition table of devpath. The caller
// must re-enumerate afterwards; the kernel's view settles asynchronously.
func (s *Shell) Probe(ctx context.Context, devpath string) error {
	if err := s.requireBlockDevice(devpath); err != nil {
		return &ProbeError{Path: devpath, Err: err}
	}

	if _, err := s.run.Run(ctx, "partprobe", devpath); err != nil {
		return &ProbeError{Path: devpath, Err: err}
	}
	return nil
}

// CreatePartition inserts partition <number> on devpath with the given
// start/end sector expressions. It does not rescan; callers must Probe
// afterwards to observe the new partition.
func (s *Shell) CreatePartition(ctx context.Context, devpath string, number int, start, end string) error {
	if err := s.requireBlockDevice(devpath); err != nil {
		return &PartitionCreateError{Path: devpath, Msg: "precondition failed", Err: err}
	}

	spec := strings.Join([]string{strconv.Itoa(number), start, end}, ":")
	if _, err := s.run.Run(ctx, "sgdisk", "--new", spec, devpath); err != nil {
		return &PartitionCreateError{Path: devpath, Msg: fmt.Sprintf("cannot create partition %d", number), Err: err}
	}
	return nil
}

// SetPartitionType assigns the 4-hex-digit GUID partition typecode to
// partition <number> on devpath.
func (s *Shell) SetPartitionType(ctx context.Context, devpath string, number int, typecode string) error {
	if err := s.requireBlockDevice(devpath); err != nil {
		return &PartitionCreateError{Path: devpath, Msg: "precondition failed", Err: err}
	}

	spec := strings.Join([]string{strconv.Itoa(number), typecode}, ":")
	if _, err := s.run.Run(ctx, "sgdisk", "--typecode", spec, devpath); err != nil {
		return &PartitionCreateError{Path: devpath, Msg: fmt.Sprintf("cannot set typecode on partition %d", number), Err: err}
	}
	return nil
}

// MakeFilesystem creates a filesystem of fstype on devpath. A partition that
// already carries a filesystem is rejected so a stray config entry cannot
// silently reformat it.
func (s *Shell) MakeFilesystem(ctx context.Context, devpath, fstype, label, labelFlag string, extraArgs []string) error {
	if err := s.refuseExistingFilesystem(ctx, devpath); err != nil {
		return err
	}

	args := []string{"--type", fstype}
	args = append(args, labelArgs(label, labelFlag)...)
	args = append(args, extraArgs...)
	args = append(args, devpath)

	if _, err := s.run.Run(ctx, "mkfs", args...); err != nil {
		return &FileSystemError{Path: devpath, Msg: "cannot create " + fstype, Err: err}
	}
	return nil
}

// MakeSwap creates a swap area on devpath. Same reformat guard as
// MakeFilesystem.
func (s *Shell) MakeSwap(ctx context.Context, devpath, label string, extraArgs []string) error {
	if err := s.refuseExistingFilesystem(ctx, devpath); err != nil {
		return err
	}

	var args []string
	args = append(args, labelArgs(label, "-L")...)
	args = append(args, extraArgs...)
	args = append(args, devpath)

	if _, err := s.run.Run(ctx, "mkswap", args...); err != nil {
		return &FileSystemError{Path: devpath, Msg: "cannot create swap area", Err: err}
	}
	return nil
}

// Mount mounts devpath at mountpoint. The mountpoint must already exist;
// creating it is the orchestrator's job, not this layer's. Mounting a device
// that is already mounted at the same place is a no-op.
func (s *Shell) Mount(ctx context.Context, devpath, mountpoint string) error {
	info, err := os.Stat(mountpoint)
	if err != nil {
		return &FileSystemError{Path: devpath, Msg: "mountpoint " + mountpoint, Err: err}
	}
	if !info.IsDir() {
		return &FileSystemError{Path: devpath, Msg: "mountpoint " + mountpoint + " is not a directory"}
	}

	dev, err := s.List(ctx, devpath)
	if err != nil {
		return err
	}
	for _, mp := range dev.Mountpoints {
		if mp != nil && *mp == mountpoint {
			return nil
		}
	}

	if _, err := s.run.Run(ctx, "mount", devpath, mountpoint); err != nil {
		return &FileSystemError{Path: devpath, Msg: "cannot mount on " + mountpoint, Err: err}
	}
	return nil
}

// Unmount unmounts target (a device path or mountpoint). Unmounting a target
// that is not currently mounted is tolerated.
func (s *Shell) Unmount(ctx context.Context, target string) error {
	_, err := s.run.Run(ctx, "umount", target)
	if err == nil {
		return nil
	}

	var exit *ExitError
	if errors.As(err, &exit) && strings.Contains(exit.Stderr, "not mounted") {
		return nil
	}

	return &FileSystemError{Path: target, Msg: "cannot unmount", Err: err}
}

// refuseExistingFilesystem errors when devpath already carries a filesystem.
func (s *Shell) refuseExistingFilesystem(ctx context.Context, devpath string) error {
	dev, err := s.List(ctx, devpath)
	if err != nil {
		return err
	}
	if dev.FSType != nil && *dev.FSType != "" {
		return &FileSystemError{Path: devpath, Msg: *dev.FSType + " already present"}
	}
	return nil
}

// requireBlockDevice errors unless path denotes a block device. This turns
// "pointed a partitioning tool at a regular file" into an immediate local
// error instead of an external-tool failure on the wrong target.
func (s *Shell) requireBlockDevice(path string) error {
	isBlock, err := isBlockDevice(path)
	if err != nil {
		return err
	}
	if !isBlock {
		return fmt.Errorf("%s is not a block device", path)
	}
	return nil
}

func isBlockDevice(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	mode := info.Mode()
	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0, nil
}

func labelArgs(label, labelFlag string) []string {
	if label == "" {
		return nil
	}
	if labelFlag == "" {
		labelFlag = "-L"
	}
	return []string{labelFlag, label}
}
