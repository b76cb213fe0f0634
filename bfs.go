// Package bfs holds the shared types and error values used by the bfs
// disk-image packages.
//
// The actual functionality lives in the subpackages: [device] provides
// whole-block access to images, [fs] implements the filesystem itself, and
// [disks] defines predefined image geometries. This package only defines
// what all of them need to agree on.
package bfs

// FileBlock is a logical block index within a single file, 0-based. The
// allocation layer maps every file block to a device block; the I/O engine
// never addresses the device directly.
type FileBlock uint32

// DeviceBlock is a physical block index on a block device. Block 0 of a
// formatted image always holds the superblock, which lets 0 double as the
// "unallocated" sentinel inside inode block lists.
type DeviceBlock uint32

// NoBlock marks an unallocated slot in an inode's block list.
const NoBlock = DeviceBlock(0)
