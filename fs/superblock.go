package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/atereshkin/bfs"
	"github.com/noxer/bytewriter"
)

// Magic is the superblock signature, "BFS1" read as a little-endian uint32.
const Magic = 0x31534642

const superblockVersion = 1

// InodeSize is the width of one on-disk inode, in bytes. Block sizes must be
// a multiple of this so inodes never straddle a block boundary.
const InodeSize = 64

// Superblock describes the geometry of a formatted image. Everything else
// about the disk layout is derived from these three numbers:
//
//	block 0:               superblock
//	blocks 1..m:           free-block bitmap, one bit per device block
//	next blocks:           inode table, InodeSize bytes per inode
//	next block:            directory
//	remaining blocks:      file data
type Superblock struct {
	BytesPerBlock uint
	TotalBlocks   uint
	InodeCount    uint
}

type rawSuperblock struct {
	Magic         uint32
	Version       uint16
	BytesPerBlock uint16
	TotalBlocks   uint32
	InodeCount    uint16
}

// FreelistBlocks returns the number of blocks occupied by the free-block
// bitmap.
func (sb *Superblock) FreelistBlocks() uint {
	bitmapBytes := (sb.TotalBlocks + 7) / 8
	return (bitmapBytes + sb.BytesPerBlock - 1) / sb.BytesPerBlock
}

// InodesPerBlock returns how many on-disk inodes fit in one block.
func (sb *Superblock) InodesPerBlock() uint {
	return sb.BytesPerBlock / InodeSize
}

// InodeTableBlocks returns the number of blocks occupied by the inode table.
func (sb *Superblock) InodeTableBlocks() uint {
	return (sb.InodeCount + sb.InodesPerBlock() - 1) / sb.InodesPerBlock()
}

func (sb *Superblock) freelistStart() bfs.DeviceBlock {
	return 1
}

func (sb *Superblock) inodeTableStart() bfs.DeviceBlock {
	return sb.freelistStart() + bfs.DeviceBlock(sb.FreelistBlocks())
}

func (sb *Superblock) directoryBlock() bfs.DeviceBlock {
	return sb.inodeTableStart() + bfs.DeviceBlock(sb.InodeTableBlocks())
}

// FirstDataBlock returns the first block available for file contents. All
// blocks before it hold filesystem metadata.
func (sb *Superblock) FirstDataBlock() bfs.DeviceBlock {
	return sb.directoryBlock() + 1
}

// MaxFileBlocks returns the largest number of blocks a single file can map:
// the direct blocks plus one block's worth of indirect entries.
func (sb *Superblock) MaxFileBlocks() uint {
	return NumDirectBlocks + sb.BytesPerBlock/4
}

// MaxDirents returns the number of directory slots, which caps how many
// files the image can hold regardless of the inode count.
func (sb *Superblock) MaxDirents() uint {
	return sb.BytesPerBlock / direntSize
}

// Validate checks that the geometry is internally consistent and leaves room
// for at least one data block.
func (sb *Superblock) Validate() error {
	if sb.BytesPerBlock < 128 || sb.BytesPerBlock > 32768 ||
		sb.BytesPerBlock%InodeSize != 0 {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block size must be a multiple of %d in [128, 32768], got %d",
				InodeSize,
				sb.BytesPerBlock,
			),
		)
	}

	if sb.InodeCount == 0 || sb.InodeCount%sb.InodesPerBlock() != 0 {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"inode count must be a non-zero multiple of %d, got %d",
				sb.InodesPerBlock(),
				sb.InodeCount,
			),
		)
	}

	// Directory entries store 1-based inode numbers in a uint16.
	if sb.InodeCount > 0xfffe {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode count can't exceed 65534, got %d", sb.InodeCount),
		)
	}

	if uint(sb.FirstDataBlock()) >= sb.TotalBlocks {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"device too small: metadata needs %d blocks but the device only has %d",
				sb.FirstDataBlock(),
				sb.TotalBlocks,
			),
		)
	}

	return nil
}

// serializeInto writes the superblock into `buffer`, which must be at least
// one block long. Bytes past the header are left untouched.
func (sb *Superblock) serializeInto(buffer []byte) error {
	writer := bytewriter.New(buffer)
	raw := rawSuperblock{
		Magic:         Magic,
		Version:       superblockVersion,
		BytesPerBlock: uint16(sb.BytesPerBlock),
		TotalBlocks:   uint32(sb.TotalBlocks),
		InodeCount:    uint16(sb.InodeCount),
	}
	return binary.Write(writer, binary.LittleEndian, &raw)
}

// parseSuperblock reads a superblock back out of the first block of an
// image and checks the signature.
func parseSuperblock(buffer []byte) (Superblock, error) {
	var raw rawSuperblock
	err := binary.Read(bytes.NewReader(buffer), binary.LittleEndian, &raw)
	if err != nil {
		return Superblock{}, bfs.ErrInvalidFileSystem.Wrap(err)
	}

	if raw.Magic != Magic {
		return Superblock{}, bfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("bad superblock magic 0x%08x", raw.Magic),
		)
	}
	if raw.Version != superblockVersion {
		return Superblock{}, bfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("unsupported filesystem version %d", raw.Version),
		)
	}

	sb := Superblock{
		BytesPerBlock: uint(raw.BytesPerBlock),
		TotalBlocks:   uint(raw.TotalBlocks),
		InodeCount:    uint(raw.InodeCount),
	}

	err = sb.Validate()
	if err != nil {
		return Superblock{}, bfs.ErrInvalidFileSystem.Wrap(err)
	}
	return sb, nil
}
