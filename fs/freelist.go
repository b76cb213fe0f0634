// Bitmap free-block allocator

package fs

import (
	"fmt"

	"github.com/atereshkin/bfs"
	bitmap "github.com/boljen/go-bitmap"
)

// Freelist tracks which device blocks are in use, one bit per block. A set
// bit means the block is allocated.
type Freelist struct {
	bits        bitmap.Bitmap
	totalBlocks uint
}

// NewFreelist creates a freelist with every block marked free.
func NewFreelist(totalBlocks uint) *Freelist {
	return &Freelist{
		bits:        bitmap.New(int(totalBlocks)),
		totalBlocks: totalBlocks,
	}
}

// FreelistFromBitmap restores a freelist from its on-disk bitmap. `data` may
// be longer than strictly needed since the bitmap is stored padded out to
// whole blocks.
func FreelistFromBitmap(data []byte, totalBlocks uint) *Freelist {
	buffer := make([]byte, (totalBlocks+7)/8)
	copy(buffer, data)
	return &Freelist{
		bits:        bitmap.Bitmap(buffer),
		totalBlocks: totalBlocks,
	}
}

// Reserve marks a block as allocated without going through the first-fit
// search. Format uses this to claim the metadata blocks.
func (list *Freelist) Reserve(block bfs.DeviceBlock) {
	list.bits.Set(int(block), true)
}

// InUse reports whether a block is currently allocated.
func (list *Freelist) InUse(block bfs.DeviceBlock) bool {
	return list.bits.Get(int(block))
}

// Allocate claims the first free block it finds and returns its number. If
// no blocks are free, it returns an error.
func (list *Freelist) Allocate() (bfs.DeviceBlock, error) {
	for i := uint(0); i < list.totalBlocks; i++ {
		if !list.bits.Get(int(i)) {
			list.bits.Set(int(i), true)
			return bfs.DeviceBlock(i), nil
		}
	}

	return 0, bfs.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf("all %d blocks are in use", list.totalBlocks),
	)
}

// Free releases an allocated block. Freeing a block that's out of range or
// already free is an error, since it means the block mapping is corrupt.
func (list *Freelist) Free(block bfs.DeviceBlock) error {
	if uint(block) >= list.totalBlocks {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid block number: %d not in range [0, %d)",
				block,
				list.totalBlocks,
			),
		)
	}
	if !list.bits.Get(int(block)) {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("block %d is already free", block),
		)
	}

	list.bits.Set(int(block), false)
	return nil
}

// FreeBlocks returns how many blocks are currently unallocated.
func (list *Freelist) FreeBlocks() uint {
	free := uint(0)
	for i := uint(0); i < list.totalBlocks; i++ {
		if !list.bits.Get(int(i)) {
			free++
		}
	}
	return free
}

// Data returns the raw bitmap for serialization.
func (list *Freelist) Data() []byte {
	return list.bits.Data(false)
}
