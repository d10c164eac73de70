package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jbweber/anvil/internal/shell"
)

// mockCommander is a mock implementation of the Commander interface. The
// default behavior simulates a kernel that appends a partition child on every
// CreatePartition and records filesystem creation, so the happy path works
// without per-test wiring.
type mockCommander struct {
	mu sync.Mutex

	// device is the kernel state returned by List.
	device shell.Device

	// Configurable behavior
	listFunc             func(devpath string) (shell.Device, error)
	probeFunc            func(devpath string) error
	createPartitionFunc  func(devpath string, number int, start, end string) error
	setPartitionTypeFunc func(devpath string, number int, typecode string) error
	makeFilesystemFunc   func(devpath, fstype, label, labelFlag string, extraArgs []string) error
	makeSwapFunc         func(devpath, label string, extraArgs []string) error
	mountFunc            func(devpath, mountpoint string) error
	unmountFunc          func(target string) error
	loopAttachFunc       func(path string) (string, error)
	loopDetachFunc       func(devpath string) error
	loopListFunc         func(devpaths ...string) ([]shell.LoopDevice, error)

	// ops records every call in order.
	ops []string
}

func newMockCommander(dev shell.Device) *mockCommander {
	return &mockCommander{device: dev}
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

func (m *mockCommander) List(ctx context.Context, devpath string) (shell.Device, error) {
	m.record("List " + devpath)
	if m.listFunc != nil {
		return m.listFunc(devpath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device.Path == devpath {
		return m.device, nil
	}
	for _, child := range m.device.Children {
		if child.Path == devpath {
			return child, nil
		}
	}
	return shell.Device{}, &shell.BlockDeviceNotFoundError{Path: devpath}
}

func (m *mockCommander) Probe(ctx context.Context, devpath string) error {
	m.record("Probe " + devpath)
	if m.probeFunc != nil {
		return m.probeFunc(devpath)
	}
	return nil
}

func (m *mockCommander) CreatePartition(ctx context.Context, devpath string, number int, start, end string) error {
	m.record(fmt.Sprintf("CreatePartition %s %d %s:%s", devpath, number, start, end))
	if m.createPartitionFunc != nil {
		return m.createPartitionFunc(devpath, number, start, end)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.device.Children = append(m.device.Children, shell.Device{
		Name: m.device.Name + "p" + strconv.Itoa(number),
		Path: devpath + "p" + strconv.Itoa(number),
		Type: "part",
	})
	return nil
}

func (m *mockCommander) SetPartitionType(ctx context.Context, devpath string, number int, typecode string) error {
	m.record(fmt.Sprintf("SetPartitionType %s %d %s", devpath, number, typecode))
	if m.setPartitionTypeFunc != nil {
		return m.setPartitionTypeFunc(devpath, number, typecode)
	}
	return nil
}

func (m *mockCommander) MakeFilesystem(ctx context.Context, devpath, fstype, label, labelFlag string, extraArgs []string) error {
	m.record(fmt.Sprintf("MakeFilesystem %s %s", devpath, fstype))
	if m.makeFilesystemFunc != nil {
		return m.makeFilesystemFunc(devpath, fstype, label, labelFlag, extraArgs)
	}
	m.setChildFSType(devpath, fstype)
	return nil
}

func (m *mockCommander) MakeSwap(ctx context.Context, devpath, label string, extraArgs []string) error {
	m.record("MakeSwap " + devpath)
	if m.makeSwapFunc != nil {
		return m.makeSwapFunc(devpath, label, extraArgs)
	}
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

func (m *mockCommander) LoopAttach(ctx context.Context, path string) (string, error) {
	m.record("LoopAttach " + path)
	if m.loopAttachFunc != nil {
		return m.loopAttachFunc(path)
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
	return nil, nil
}

func (m *mockCommander) setChildFSType(devpath, fstype string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.device.Children {
		if m.device.Children[i].Path == devpath {
			m.device.Children[i].FSType = &fstype
			return
		}
	}
}

func strptr(s string) *string { return &s }
