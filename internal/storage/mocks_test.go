package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jbweber/anvil/internal/shell"
)

// mockCommander is a mock implementation of the commander interface. The
// default behavior simulates the kernel side of a build: allocate succeeds,
// attach hands out /dev/loop0, CreatePartition grows the device tree, and
// filesystem creation marks the child formatted.
type mockCommander struct {
	mu sync.Mutex

	// devices is the kernel state returned by List, keyed by device path.
	devices map[string]*shell.Device

	// Configurable behavior
	allocateFileFunc func(path string, sizeBytes int64, sparse bool) error
	loopAttachFunc   func(path string) (string, error)
	loopListFunc     func(devpaths ...string) ([]shell.LoopDevice, error)
	mountFunc        func(devpath, mountpoint string) error
	unmountFunc      func(target string) error
	loopDetachFunc   func(devpath string) error

	// ops records every call in order.
	ops []string
}

func newMockCommander(devs ...shell.Device) *mockCommander {
	m := &mockCommander{devices: make(map[string]*shell.Device)}
	for i := range devs {
		dev := devs[i]
		m.devices[dev.Path] = &dev
	}
	return m
}

func (m *mockCommander) record(op string) {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	m.mu.Unlock()
}

func (m *mockCommander) operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]string, len(m.ops))
	copy(ops, m.ops)
	return ops
}

func (m *mockCommander) AllocateFile(ctx context.Context, path string, sizeBytes int64, sparse bool) error {
	m.record(fmt.Sprintf("AllocateFile %s %d sparse=%t", path, sizeBytes, sparse))
	if m.allocateFileFunc != nil {
		return m.allocateFileFunc(path, sizeBytes, sparse)
	}
	return nil
}

func (m *mockCommander) LoopAttach(ctx context.Context, path string) (string, error) {
	m.record("LoopAttach " + path)
	if m.loopAttachFunc != nil {
		return m.loopAttachFunc(path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices["/dev/loop0"] = &shell.Device{
		Name: "loop0", Path: "/dev/loop0", Type: "loop",
	}
	return "/dev/loop0", nil
}

func (m *mockCommander) LoopDetach(ctx context.Context, devpath string) error {
	m.record("LoopDetach " + devpath)
	if m.loopDetachFunc != nil {
		return m.loopDetachFunc(devpath)
	}
	return nil
}

func (m *mockCommander) LoopList(ctx context.Context, devpaths ...string) ([]shell.LoopDevice, error) {
	m.record("LoopList")
	if m.loopListFunc != nil {
		return m.loopListFunc(devpaths...)
	}
	return []shell.LoopDevice{{Name: "/dev/loop0", BackFile: "/images/test.raw"}}, nil
}

func (m *mockCommander) List(ctx context.Context, devpath string) (shell.Device, error) {
	m.record("List " + devpath)

	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[devpath]; ok {
		return *dev, nil
	}
	// Partitions are addressable directly once created on their parent.
	for _, dev := range m.devices {
		for _, child := range dev.Children {
			if child.Path == devpath {
				return child, nil
			}
		}
	}
	return shell.Device{}, &shell.BlockDeviceNotFoundError{Path: devpath}
}

func (m *mockCommander) Probe(ctx context.Context, devpath string) error {
	m.record("Probe " + devpath)
	return nil
}

func (m *mockCommander) CreatePartition(ctx context.Context, devpath string, number int, start, end string) error {
	m.record(fmt.Sprintf("CreatePartition %s %d", devpath, number))

	m.mu.Lock()
	defer m.mu.Unlock()
	dev := m.devices[devpath]
	dev.Children = append(dev.Children, shell.Device{
		Name: dev.Name + "p" + strconv.Itoa(number),
		Path: devpath + "p" + strconv.Itoa(number),
		Type: "part",
	})
	return nil
}

func (m *mockCommander) SetPartitionType(ctx context.Context, devpath string, number int, typecode string) error {
	m.record(fmt.Sprintf("SetPartitionType %s %d %s", devpath, number, typecode))
	return nil
}

func (m *mockCommander) MakeFilesystem(ctx context.Context, devpath, fstype, label, labelFlag string, extraArgs []string) error {
	m.record(fmt.Sprintf("MakeFilesystem %s %s", devpath, fstype))
	m.setChildFSType(devpath, fstype)
	return nil
}

func (m *mockCommander) MakeSwap(ctx context.Context, devpath, label string, extraArgs []string) error {
	m.record("MakeSwap " + devpath)
	m.setChildFSType(devpath, "swap")
	return nil
}

func (m *mockCommander) Mount(ctx context.Context, devpath, mountpoint string) error {
	m.record(fmt.Sprintf("Mount %s %s", devpath, mountpoint))
	if m.mountFunc != nil {
		return m.mountFunc(devpath, mountpoint)
	}
	return nil
}

func (m *mockCommander) Unmount(ctx context.Context, target string) error {
	m.record("Unmount " + target)
	if m.unmountFunc != nil {
		return m.unmountFunc(target)
	}
	return nil
}

func (m *mockCommander) setChildFSType(devpath, fstype string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range m.devices {
		for i := range dev.Children {
			if dev.Children[i].Path == devpath {
				dev.Children[i].FSType = &fstype
				return
			}
		}
	}
}
