// Byte-addressable I/O on top of whole-block device transfers. Reads
// scatter block contents into the caller's buffer; writes merge the payload
// into a staging region primed with the current contents of the boundary
// blocks, then write the staged blocks back in ascending order.

package fs

import (
	"fmt"
	"io"

	"github.com/atereshkin/bfs"
)

// blockSpan gives the inclusive file-block range covered by the byte span
// [cursor, cursor+length). length must be positive.
func (fsys *FileSystem) blockSpan(cursor, length int64) (left, right bfs.FileBlock) {
	blockSize := int64(fsys.sb.BytesPerBlock)
	return bfs.FileBlock(cursor / blockSize),
		bfs.FileBlock((cursor + length - 1) / blockSize)
}

// Read copies up to len(buffer) bytes from the file's cursor position into
// `buffer` and advances the cursor by the number of bytes copied. The
// request is clamped to the file size, so the return value can be less than
// len(buffer); a clamped read reports io.EOF alongside the data, and a read
// starting at or past end-of-file returns (0, io.EOF).
func (fsys *FileSystem) Read(fd FD, buffer []byte) (int, error) {
	slot, err := fsys.slotForDescriptor(fd)
	if err != nil {
		return 0, err
	}

	inode := &fsys.inodes[slot.inum]
	cursor := slot.cursor
	if len(buffer) == 0 {
		return 0, nil
	}
	if cursor >= inode.Size {
		return 0, io.EOF
	}

	// Clamp to whichever is smaller: the buffer or the end of the file.
	numb := int64(len(buffer))
	clamped := false
	if cursor+numb > inode.Size {
		numb = inode.Size - cursor
		clamped = true
	}

	blockSize := int64(fsys.sb.BytesPerBlock)
	left, right := fsys.blockSpan(cursor, numb)
	blockBuf := make([]byte, blockSize)

	copied := int64(0)
	for fbn := left; fbn <= right; fbn++ {
		dbn, err := fsys.resolveBlock(slot.inum, fbn)
		if err != nil {
			return int(copied), err
		}
		err = fsys.dev.ReadBlock(dbn, blockBuf)
		if err != nil {
			return int(copied), err
		}

		// The first block starts at the cursor's offset within it; the last
		// ends where the clamped request does. Interior blocks are copied
		// whole.
		start := int64(0)
		if fbn == left {
			start = cursor % blockSize
		}
		end := blockSize
		if fbn == right {
			end = (cursor+numb-1)%blockSize + 1
		}

		copied += int64(copy(buffer[copied:], blockBuf[start:end]))
	}

	slot.cursor += copied
	if clamped {
		return int(copied), io.EOF
	}
	return int(copied), nil
}

// Write copies all of `buffer` into the file at the cursor position and
// advances the cursor past it. Writing beyond the current size extends the
// file: blocks are allocated through the end of the span and the logical
// size becomes cursor + len(buffer). Any gap between the old size and the
// cursor reads back as zeroes, since blocks are zero-filled when allocated.
// On success the returned count is always len(buffer).
func (fsys *FileSystem) Write(fd FD, buffer []byte) (int, error) {
	slot, err := fsys.slotForDescriptor(fd)
	if err != nil {
		return 0, err
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	inode := &fsys.inodes[slot.inum]
	cursor := slot.cursor
	numb := int64(len(buffer))
	blockSize := int64(fsys.sb.BytesPerBlock)

	// Bound the span while it's still 64-bit. A cursor parked far enough past
	// the end would otherwise wrap around when narrowed to block indices and
	// land the write on the start of the file.
	if (cursor+numb-1)/blockSize >= int64(fsys.sb.MaxFileBlocks()) {
		return 0, bfs.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"write of %d bytes at offset %d exceeds the maximum file span of %d blocks",
				numb,
				cursor,
				fsys.sb.MaxFileBlocks(),
			),
		)
	}

	left, right := fsys.blockSpan(cursor, numb)

	// The only path that grows a file. Shrinking doesn't exist here.
	if cursor+numb > inode.Size {
		err = fsys.extend(slot.inum, right)
		if err != nil {
			return 0, err
		}
		inode.Size = cursor + numb
		err = fsys.flushInodeTable()
		if err != nil {
			return 0, err
		}
	}

	// Stage the whole affected span in memory. The boundary blocks are
	// primed with their current contents so the bytes around the written
	// span survive the merge; interior blocks are fully overwritten and
	// need no pre-read.
	span := int64(right-left) + 1
	staging := make([]byte, span*blockSize)

	firstPartial := cursor%blockSize != 0
	lastPartial := (cursor+numb)%blockSize != 0
	preload := func(fbn bfs.FileBlock, regionOffset int64) error {
		dbn, resolveErr := fsys.resolveBlock(slot.inum, fbn)
		if resolveErr != nil {
			return resolveErr
		}
		return fsys.dev.ReadBlock(dbn, staging[regionOffset:regionOffset+blockSize])
	}

	if firstPartial || (span == 1 && lastPartial) {
		err = preload(left, 0)
		if err != nil {
			return 0, err
		}
	}
	if span > 1 && lastPartial {
		err = preload(right, (span-1)*blockSize)
		if err != nil {
			return 0, err
		}
	}

	copy(staging[cursor%blockSize:], buffer)

	for i := int64(0); i < span; i++ {
		dbn, resolveErr := fsys.resolveBlock(slot.inum, left+bfs.FileBlock(i))
		if resolveErr != nil {
			return 0, resolveErr
		}
		err = fsys.dev.WriteBlock(dbn, staging[i*blockSize:(i+1)*blockSize])
		if err != nil {
			return 0, err
		}
	}

	slot.cursor += numb
	return len(buffer), nil
}

// Seek moves the file's cursor. `whence` is one of [io.SeekStart],
// [io.SeekCurrent], or [io.SeekEnd]. Negative offsets are allowed for
// SeekCurrent and SeekEnd, but a seek whose resulting cursor would be
// negative is rejected and leaves the cursor where it was. Seeking past
// end-of-file is allowed; the file only grows on the next write.
func (fsys *FileSystem) Seek(fd FD, offset int64, whence int) (int64, error) {
	slot, err := fsys.slotForDescriptor(fd)
	if err != nil {
		return 0, err
	}

	var absolute int64
	switch whence {
	case io.SeekStart:
		absolute = offset
	case io.SeekCurrent:
		absolute = slot.cursor + offset
	case io.SeekEnd:
		absolute = fsys.inodes[slot.inum].Size + offset
	default:
		return slot.cursor, bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin: %d", whence),
		)
	}

	if absolute < 0 {
		return slot.cursor, bfs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"result of Seek(offset=%d, whence=%d) is negative",
				offset,
				whence,
			),
		)
	}

	slot.cursor = absolute
	return absolute, nil
}

// Tell returns the file's cursor position. It's a more concise way of
// calling Seek(fd, 0, io.SeekCurrent).
func (fsys *FileSystem) Tell(fd FD) (int64, error) {
	slot, err := fsys.slotForDescriptor(fd)
	if err != nil {
		return 0, err
	}
	return slot.cursor, nil
}

// FileSize returns the file's logical size in bytes.
func (fsys *FileSystem) FileSize(fd FD) (int64, error) {
	slot, err := fsys.slotForDescriptor(fd)
	if err != nil {
		return 0, err
	}
	return fsys.inodes[slot.inum].Size, nil
}
