// Package device maintains an in-memory mirror of one kernel block device
// and its descendant partitions.
//
// The kernel's block-device, partition and mount tables change
// asynchronously after every mutating command, so the model is kept
// consistent by explicit sequencing: mutate, rescan, re-poll, merge. The
// merge is an identity-preserving reconciliation: attributes that identify
// a device (path, kind, backing file) may never change value once observed;
// a mismatch means the local model and the kernel have diverged and the
// build must abort rather than paper over it.
//
// All mutation of a BlockDevice tree must happen from a single goroutine.
// Partition ordinals are derived from the current child count, so two actors
// partitioning the same device would corrupt numbering; this package
// serializes by construction and does not attempt OS-level locking.
package device
