// Package storage drives one disk image build: it allocates or resolves the
// backing device, creates partitions and filesystems from the validated
// layout, mounts the result under a private scratch root, and tears
// everything down again.
//
// One Manager owns one root block device for the lifetime of a build, and
// every operation is fully sequential. Partition ordinals are derived from
// the child count of the root device, so there is exactly one writer; this
// constraint is by construction, not enforced with locks, and concurrent use
// of a Manager is unsupported.
//
// There is no rollback. A failed build may leave partitions, filesystems or
// an attached loop device behind; Close releases what it can, and the
// partially-built image stays on disk for inspection.
package storage
