package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/device"
)

// commander is the slice of the command layer the orchestrator needs beyond
// what the device model already covers. Satisfied by *shell.Shell.
type commander interface {
	device.Commander

	AllocateFile(ctx context.Context, path string, sizeBytes int64, sparse bool) error
}

// Manager owns one root block device and sequences a build against it.
type Manager struct {
	cfg config.StorageConfig
	sh  commander
	log *logrus.Logger

	root *device.BlockDevice

	// scratch is the private host directory the image's filesystems are
	// mounted under. The installation layer populates the tree below it.
	scratch string
}

// NewManager creates a storage manager for one build. The scratch root is
// unique per build so concurrent builds of different images never collide on
// mount paths.
func NewManager(cfg config.StorageConfig, sh commander, log *logrus.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		sh:      sh,
		log:     log,
		scratch: filepath.Join(os.TempDir(), "anvil-"+uuid.NewString()),
	}
}

// Root returns the host path under which the image's filesystems are (or
// will be) mounted.
func (m *Manager) Root() string { return m.scratch }

// Device returns the root block device, or nil before CreateBackingDevice.
func (m *Manager) Device() *device.BlockDevice { return m.root }

// CreateBackingDevice produces the root block device. Physical disks are
// resolved as-is; sparse and raw disks are allocated as image files and
// attached as loop devices with partition scanning enabled.
func (m *Manager) CreateBackingDevice(ctx context.Context) error {
	disk := m.cfg.Disk

	switch disk.Type {
	case config.DiskTypePhysical:
		root, err := device.FromPath(ctx, m.sh, disk.Path)
		if err != nil {
			return err
		}
		m.root = root

	case config.DiskTypeSparse, config.DiskTypeRaw:
		size, err := disk.SizeBytes()
		if err != nil {
			return err
		}

		if err := m.sh.AllocateFile(ctx, disk.Path, size, disk.Type == config.DiskTypeSparse); err != nil {
			return err
		}

		devpath, err := m.sh.LoopAttach(ctx, disk.Path)
		if err != nil {
			return err
		}

		root, err := device.FromPath(ctx, m.sh, devpath)
		if err != nil {
			return err
		}

		loops, err := m.sh.LoopList(ctx, devpath)
		if err != nil {
			return err
		}
		if len(loops) == 0 {
			return fmt.Errorf("no loop record for %s after attach", devpath)
		}
		if err := root.SetBackingFile(loops[0].BackFile); err != nil {
			return err
		}

		m.root = root

	default:
		return fmt.Errorf("unsupported disk type %q", disk.Type)
	}

	m.log.WithFields(logrus.Fields{
		"device": m.root.Path(),
		"kind":   m.root.Kind(),
	}).Info("backing device ready")

	return nil
}

// Format creates every partition and filesystem in layout order. Order is
// load-bearing: each partition's on-disk number is the count of partitions
// created before it plus one, so entries must be processed strictly
// sequentially.
func (m *Manager) Format(ctx context.Context) error {
	if m.root == nil {
		return fmt.Errorf("no backing device; call CreateBackingDevice first")
	}

	for i, part := range m.cfg.Layout {
		m.log.WithFields(logrus.Fields{
			"partition": i + 1,
			"typecode":  part.Typecode,
			"fstype":    part.Filesystem.Type,
		}).Info("creating partition")

		if err := m.root.AddPartition(ctx, part.Start, part.End, part.Typecode, part.Filesystem, true); err != nil {
			return err
		}
	}

	return nil
}

// Mount mounts every non-swap partition under the scratch root. Host paths
// are sorted lexicographically before mounting so a parent directory is
// always mounted before any of its descendants ("/" before "/var" before
// "/var/log"). Swap partitions are tagged with the "swap" sentinel and never
// passed to mount.
func (m *Manager) Mount(ctx context.Context) error {
	if m.root == nil {
		return fmt.Errorf("no backing device; call CreateBackingDevice first")
	}

	children := m.root.Children()
	if len(children) < len(m.cfg.Layout) {
		return fmt.Errorf("device %s has %d partitions, layout needs %d",
			m.root.Path(), len(children), len(m.cfg.Layout))
	}

	type pending struct {
		child *device.BlockDevice
		host  string
	}

	var mounts []pending
	for i, part := range m.cfg.Layout {
		if part.Filesystem.Mountpoint == config.SwapMountpoint {
			children[i].SetHostMountpoint(config.SwapMountpoint)
			continue
		}
		mounts = append(mounts, pending{
			child: children[i],
			host:  filepath.Join(m.scratch, part.Filesystem.Mountpoint),
		})
	}

	sort.Slice(mounts, func(i, j int) bool { return mounts[i].host < mounts[j].host })

	for _, mnt := range mounts {
		if err := os.MkdirAll(mnt.host, 0755); err != nil {
			return fmt.Errorf("failed to create mountpoint %s: %w", mnt.host, err)
		}
		if err := m.sh.Mount(ctx, mnt.child.Path(), mnt.host); err != nil {
			return err
		}
		mnt.child.SetHostMountpoint(mnt.host)

		m.log.WithFields(logrus.Fields{
			"device":     mnt.child.Path(),
			"mountpoint": mnt.host,
		}).Info("mounted")
	}

	return m.root.Sync(ctx)
}

// Close unmounts the whole tree and, for loop-backed disks, releases the
// loop binding. Physical disks have nothing to detach.
func (m *Manager) Close(ctx context.Context) error {
	if m.root == nil {
		return nil
	}

	if err := m.root.Unmount(ctx); err != nil {
		return err
	}

	if m.root.Kind().CanDetach() {
		if err := m.root.Detach(ctx); err != nil {
			return err
		}
	}

	m.log.WithField("device", m.root.Path()).Info("storage released")
	return nil
}
