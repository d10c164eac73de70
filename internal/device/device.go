package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/shell"
)

// Kernel-state settle budget: after a partition-table edit the new child
// device appears only once udev and the kernel have caught up.
const (
	settleInterval = 250 * time.Millisecond
	settleRetries  = 20
)

// Kind is the closed set of block device kinds this model handles.
type Kind string

const (
	KindDisk Kind = "disk"
	KindLoop Kind = "loop"
	KindPart Kind = "part"
)

// CanPartition reports whether a device of this kind may receive partitions.
func (k Kind) CanPartition() bool { return k == KindDisk || k == KindLoop }

// CanDetach reports whether a device of this kind holds a loop binding that
// can be released.
func (k Kind) CanDetach() bool { return k == KindLoop }

// Commander is the slice of the command layer this package needs. Satisfied
// by *shell.Shell in production and by fakes in tests.
type Commander interface {
	List(ctx context.Context, devpath string) (shell.Device, error)
	Probe(ctx context.Context, devpath string) error
	CreatePartition(ctx context.Context, devpath string, number int, start, end string) error
	SetPartitionType(ctx context.Context, devpath string, number int, typecode string) error
	MakeFilesystem(ctx context.Context, devpath, fstype, label, labelFlag string, extraArgs []string) error
	MakeSwap(ctx context.Context, devpath, label string, extraArgs []string) error
	Mount(ctx context.Context, devpath, mountpoint string) error
	Unmount(ctx context.Context, target string) error
	LoopAttach(ctx context.Context, path string) (string, error)
	LoopDetach(ctx context.Context, devpath string) error
	LoopList(ctx context.Context, devpaths ...string) ([]shell.LoopDevice, error)
}

// BlockDevice mirrors one kernel block device or partition. The parent owns
// its children; children hold no back-reference.
type BlockDevice struct {
	cmd Commander

	// Identity attributes. Immutable once observed.
	path     string
	kind     Kind
	backFile string

	// Kernel-reported mutable state.
	fsType      string
	fsLabel     string
	mountpoints []string

	// hostMountpoint is a synthetic tag assigned by the orchestrator: the
	// host path a partition is mounted under, or "swap" for swap areas. It
	// is never reported by the kernel and survives reconciliation.
	hostMountpoint string

	children []*BlockDevice
}

// FromPath polls kernel state for devpath and builds the device tree.
func FromPath(ctx context.Context, cmd Commander, devpath string) (*BlockDevice, error) {
	raw, err := cmd.List(ctx, devpath)
	if err != nil {
		return nil, err
	}

	d := &BlockDevice{cmd: cmd}
	if err := d.update(raw); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the device path.
func (d *BlockDevice) Path() string { return d.path }

// Kind returns the device kind.
func (d *BlockDevice) Kind() Kind { return d.kind }

// BackingFile returns the backing file for loop devices, or "".
func (d *BlockDevice) BackingFile() string { return d.backFile }

// FilesystemType returns the filesystem type, or "" when unformatted.
func (d *BlockDevice) FilesystemType() string { return d.fsType }

// FilesystemLabel returns the filesystem label, or "".
func (d *BlockDevice) FilesystemLabel() string { return d.fsLabel }

// Mountpoints returns the kernel-reported mountpoints of this device.
func (d *BlockDevice) Mountpoints() []string {
	mps := make([]string, len(d.mountpoints))
	copy(mps, d.mountpoints)
	return mps
}

// HostMountpoint returns the orchestrator-assigned host mountpoint tag.
func (d *BlockDevice) HostMountpoint() string { return d.hostMountpoint }

// SetHostMountpoint tags this device with its host mountpoint (a path, or
// the "swap" sentinel).
func (d *BlockDevice) SetHostMountpoint(mp string) { d.hostMountpoint = mp }

// Children returns the partitions of this device in on-disk order.
func (d *BlockDevice) Children() []*BlockDevice {
	children := make([]*BlockDevice, len(d.children))
	copy(children, d.children)
	return children
}

// SetBackingFile records the loop backing file, which lsblk does not report.
// Once set it becomes an identity attribute.
func (d *BlockDevice) SetBackingFile(path string) error {
	if d.backFile != "" && d.backFile != path {
		return &shell.BlockDeviceError{
			Path: d.path,
			Msg:  fmt.Sprintf("backing file changed from %s to %s", d.backFile, path),
		}
	}
	d.backFile = path
	return nil
}

// Sync re-polls kernel state for this device and merges the result. Must be
// called after every mutating command-layer operation; the kernel's view
// changes asynchronously.
func (d *BlockDevice) Sync(ctx context.Context) error {
	raw, err := d.cmd.List(ctx, d.path)
	if err != nil {
		return err
	}
	return d.update(raw)
}

// update merges freshly polled kernel state into the node. Identity
// attributes must match their previously observed values; mutable attributes
// are overwritten; children are reconciled by path, recursing into matches
// and appending newly discovered partitions.
func (d *BlockDevice) update(raw shell.Device) error {
	if d.path != "" && d.path != raw.Path {
		return identityMismatch(d.path, "path", d.path, raw.Path)
	}
	if d.kind != "" && d.kind != Kind(raw.Type) {
		return identityMismatch(d.path, "kind", string(d.kind), raw.Type)
	}

	d.path = raw.Path
	d.kind = Kind(raw.Type)

	d.fsType = stringValue(raw.FSType)
	d.fsLabel = stringValue(raw.Label)

	d.mountpoints = d.mountpoints[:0]
	for _, mp := range raw.Mountpoints {
		if mp != nil && *mp != "" {
			d.mountpoints = append(d.mountpoints, *mp)
		}
	}

	for _, rawChild := range raw.Children {
		if err := d.reconcileChild(rawChild); err != nil {
			return err
		}
	}

	return nil
}

func (d *BlockDevice) reconcileChild(raw shell.Device) error {
	for _, child := range d.children {
		if child.path == raw.Path {
			return child.update(raw)
		}
	}

	child := &BlockDevice{cmd: d.cmd}
	if err := child.update(raw); err != nil {
		return err
	}
	d.children = append(d.children, child)
	return nil
}

// AddPartition creates the next partition on this device from the given
// start/end sector expressions and typecode, rescans until the kernel
// exposes the new child, and, when format is true, immediately installs the
// filesystem spec on it.
//
// The ordinal is the current child count plus one, so partitions must be
// created strictly in layout order by a single caller.
func (d *BlockDevice) AddPartition(ctx context.Context, start, end, typecode string, fs config.Filesystem, format bool) error {
	if !d.kind.CanPartition() {
		return &shell.BlockDeviceError{Path: d.path, Msg: string(d.kind) + " devices cannot be partitioned"}
	}

	number := len(d.children) + 1

	if err := d.cmd.CreatePartition(ctx, d.path, number, start, end); err != nil {
		return err
	}
	if err := d.cmd.SetPartitionType(ctx, d.path, number, typecode); err != nil {
		return err
	}
	if err := d.settle(ctx, number); err != nil {
		return err
	}

	if format {
		return d.children[number-1].AddFilesystem(ctx, fs)
	}
	return nil
}

// settle rescans the partition table and re-polls until the partition at the
// given ordinal is visible, within a bounded budget.
func (d *BlockDevice) settle(ctx context.Context, number int) error {
	if err := d.cmd.Probe(ctx, d.path); err != nil {
		return err
	}

	poll := func() error {
		if err := d.Sync(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if len(d.children) < number {
			return fmt.Errorf("partition %d not yet visible on %s", number, d.path)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(settleInterval), settleRetries),
		ctx,
	)
	if err := backoff.Retry(poll, policy); err != nil {
		if errors.Is(err, shell.ErrStorage) {
			return err
		}
		return &shell.ProbeError{Path: d.path, Err: err}
	}
	return nil
}

// AddFilesystem installs the filesystem spec on this device. A device that
// already carries a filesystem is rejected: there is no re-enter into the
// partitioned state, reformatting is not part of any build.
func (d *BlockDevice) AddFilesystem(ctx context.Context, fs config.Filesystem) error {
	if d.fsType != "" {
		return &shell.FileSystemError{Path: d.path, Msg: d.fsType + " already present"}
	}

	var err error
	if fs.Type == config.SwapType {
		err = d.cmd.MakeSwap(ctx, d.path, fs.Label, fs.Args)
	} else {
		err = d.cmd.MakeFilesystem(ctx, d.path, fs.Type, fs.Label, fs.EffectiveLabelFlag(), fs.Args)
	}
	if err != nil {
		return err
	}

	return d.Sync(ctx)
}

// Probe rescans the partition table and resyncs the tree.
func (d *BlockDevice) Probe(ctx context.Context) error {
	if !d.kind.CanPartition() {
		return &shell.BlockDeviceError{Path: d.path, Msg: string(d.kind) + " devices cannot be probed for partitions"}
	}
	if err := d.cmd.Probe(ctx, d.path); err != nil {
		return err
	}
	return d.Sync(ctx)
}

// Unmount unmounts this device and everything below it, children before
// self so a parent filesystem is never pulled out from under a child mount.
// Devices with no mountpoints are skipped.
func (d *BlockDevice) Unmount(ctx context.Context) error {
	for _, child := range d.children {
		if err := child.Unmount(ctx); err != nil {
			return err
		}
	}

	for _, mp := range d.mountpoints {
		if err := d.cmd.Unmount(ctx, mp); err != nil {
			return err
		}
	}
	d.mountpoints = d.mountpoints[:0]

	return nil
}

// Detach releases the loop binding behind this device. Only valid for loop
// devices; anything else has no binding to release.
func (d *BlockDevice) Detach(ctx context.Context) error {
	if !d.kind.CanDetach() {
		return &shell.BlockDeviceNotFoundError{
			Path: d.path,
			Err:  fmt.Errorf("%s device has no loop binding", d.kind),
		}
	}
	return d.cmd.LoopDetach(ctx, d.path)
}

func identityMismatch(path, attr, old, new string) error {
	return &shell.BlockDeviceError{
		Path: path,
		Msg:  fmt.Sprintf("identity attribute %s changed from %q to %q on reconcile", attr, old, new),
	}
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
