// Package shell provides typed wrappers around the external utilities used
// to build disk images: dd, losetup, lsblk, sgdisk, partprobe, mkfs, mkswap,
// mount and umount.
//
// Each wrapper validates its preconditions (most importantly, that a device
// path really is a block device before a partitioning tool is pointed at
// it), runs the external process through an injectable Runner, parses any
// structured output, and maps failures into the error taxonomy rooted at
// ErrStorage. This is the only place raw process failures are observed;
// callers above this layer only ever see the typed errors.
//
// The argument shapes passed to the external tools are load-bearing:
// scripts and tests exist against the exact invocations (losetup
// --find --nooverlap --partscan, sgdisk --new <n>:<start>:<end>, ...), so
// they must not be reordered or abbreviated.
//
// Consumer-Side Interface:
//
// Packages that sit above this one (internal/device, internal/storage)
// define their own small interfaces satisfied by *Shell, so they can be
// tested against fakes without touching real devices.
package shell
