package shell

import (
	"errors"
	"fmt"
)

// ErrStorage is the root of the storage error taxonomy. Every typed error in
// this package matches it under errors.Is, so callers can test for "any
// storage failure" without enumerating the concrete types.
var ErrStorage = errors.New("storage error")

// BlockDeviceError is a generic device-layer failure.
type BlockDeviceError struct {
	Path string
	Msg  string
	Err  error
}

func (e *BlockDeviceError) Error() string {
	return format("block device", e.Path, e.Msg, e.Err)
}

func (e *BlockDeviceError) Unwrap() error { return e.Err }

func (e *BlockDeviceError) Is(target error) bool { return target == ErrStorage }

// BlockDeviceNotFoundError indicates enumeration could not locate the
// requested device.
type BlockDeviceNotFoundError struct {
	Path string
	Err  error
}

func (e *BlockDeviceNotFoundError) Error() string {
	return format("block device not found", e.Path, "", e.Err)
}

func (e *BlockDeviceNotFoundError) Unwrap() error { return e.Err }

func (e *BlockDeviceNotFoundError) Is(target error) bool { return target == ErrStorage }

// LoopDeviceError indicates a loop attach, detach or query failure.
type LoopDeviceError struct {
	Path string
	Msg  string
	Err  error
}

func (e *LoopDeviceError) Error() string {
	return format("loop device", e.Path, e.Msg, e.Err)
}

func (e *LoopDeviceError) Unwrap() error { return e.Err }

func (e *LoopDeviceError) Is(target error) bool { return target == ErrStorage }

// FileSystemError indicates a filesystem/swap creation or mount/unmount
// failure.
type FileSystemError struct {
	Path string
	Msg  string
	Err  error
}

func (e *FileSystemError) Error() string {
	return format("filesystem", e.Path, e.Msg, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

func (e *FileSystemError) Is(target error) bool { return target == ErrStorage }

// ProbeError indicates a partition-table rescan failure.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return format("partition probe", e.Path, "", e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func (e *ProbeError) Is(target error) bool { return target == ErrStorage }

// PartitionCreateError indicates a partition-table edit failure.
type PartitionCreateError struct {
	Path string
	Msg  string
	Err  error
}

func (e *PartitionCreateError) Error() string {
	return format("partition create", e.Path, e.Msg, e.Err)
}

func (e *PartitionCreateError) Unwrap() error { return e.Err }

func (e *PartitionCreateError) Is(target error) bool { return target == ErrStorage }

func format(kind, path, msg string, err error) string {
	s := kind
	if path != "" {
		s += " " + path
	}
	if msg != "" {
		s += ": " + msg
	}
	if err != nil {
		s += ": " + err.Error()
	}
	return s
}

// ExitError carries the exit code and captured stderr of a failed external
// command. It is produced by the Runner and wrapped by the typed errors
// above so exit codes stay available for discrimination.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited %d: %s", e.Cmd, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s exited %d", e.Cmd, e.Code)
}

// exitCode extracts the command exit code from err, or -1 if err does not
// carry one.
func exitCode(err error) int {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return -1
}
