package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/atereshkin/bfs"
	"github.com/noxer/bytewriter"
)

// Inum is an inode number, 0-based.
type Inum uint16

// NumDirectBlocks is the number of block pointers stored directly in an
// inode. Files needing more blocks go through the single indirect block.
const NumDirectBlocks = 8

const flagInodeAllocated = 0x0001

type rawInode struct {
	Flags    uint16
	Reserved uint16
	Size     uint32
	Direct   [NumDirectBlocks]uint32
	Indirect uint32
	Pad      [20]byte
}

// Inode is the in-memory form of one on-disk inode. The indirect entries are
// materialized at mount so block resolution never touches the device.
type Inode struct {
	Size      int64
	allocated bool
	direct    [NumDirectBlocks]bfs.DeviceBlock
	indirect  bfs.DeviceBlock
	// indirectEntries mirrors the contents of the indirect block. nil until
	// the file grows past the direct blocks.
	indirectEntries []bfs.DeviceBlock
}

// blockAt returns the device block mapped to the given file block, or
// NoBlock if that part of the file isn't allocated.
func (inode *Inode) blockAt(fbn bfs.FileBlock) bfs.DeviceBlock {
	if uint(fbn) < NumDirectBlocks {
		return inode.direct[fbn]
	}

	index := uint(fbn) - NumDirectBlocks
	if index >= uint(len(inode.indirectEntries)) {
		return bfs.NoBlock
	}
	return inode.indirectEntries[index]
}

// setBlockAt maps a file block to a device block. For file blocks past the
// direct range the indirect entry slice must already be allocated.
func (inode *Inode) setBlockAt(fbn bfs.FileBlock, dbn bfs.DeviceBlock) {
	if uint(fbn) < NumDirectBlocks {
		inode.direct[fbn] = dbn
		return
	}
	inode.indirectEntries[uint(fbn)-NumDirectBlocks] = dbn
}

func rawInodeToInode(raw rawInode) Inode {
	inode := Inode{
		Size:      int64(raw.Size),
		allocated: raw.Flags&flagInodeAllocated != 0,
		indirect:  bfs.DeviceBlock(raw.Indirect),
	}
	for i, dbn := range raw.Direct {
		inode.direct[i] = bfs.DeviceBlock(dbn)
	}
	return inode
}

func inodeToRawInode(inode *Inode) rawInode {
	raw := rawInode{
		Size:     uint32(inode.Size),
		Indirect: uint32(inode.indirect),
	}
	if inode.allocated {
		raw.Flags = flagInodeAllocated
	}
	for i, dbn := range inode.direct {
		raw.Direct[i] = uint32(dbn)
	}
	return raw
}

// loadInodeTable reads the whole inode table, then materializes the indirect
// block of every allocated inode that has one.
func (fsys *FileSystem) loadInodeTable() error {
	sb := &fsys.sb
	perBlock := sb.InodesPerBlock()

	fsys.inodes = make([]Inode, sb.InodeCount)
	blockBuf := make([]byte, sb.BytesPerBlock)

	for tableBlock := uint(0); tableBlock < sb.InodeTableBlocks(); tableBlock++ {
		err := fsys.dev.ReadBlock(
			sb.inodeTableStart()+bfs.DeviceBlock(tableBlock),
			blockBuf,
		)
		if err != nil {
			return err
		}

		for slot := uint(0); slot < perBlock; slot++ {
			index := tableBlock*perBlock + slot
			if index >= sb.InodeCount {
				break
			}

			var raw rawInode
			reader := bytes.NewReader(blockBuf[slot*InodeSize : (slot+1)*InodeSize])
			err = binary.Read(reader, binary.LittleEndian, &raw)
			if err != nil {
				return bfs.ErrInvalidFileSystem.Wrap(err)
			}
			fsys.inodes[index] = rawInodeToInode(raw)
		}
	}

	for inum := range fsys.inodes {
		inode := &fsys.inodes[inum]
		if !inode.allocated || inode.indirect == bfs.NoBlock {
			continue
		}

		err := fsys.dev.ReadBlock(inode.indirect, blockBuf)
		if err != nil {
			return err
		}

		inode.indirectEntries = make([]bfs.DeviceBlock, sb.BytesPerBlock/4)
		for i := range inode.indirectEntries {
			inode.indirectEntries[i] =
				bfs.DeviceBlock(binary.LittleEndian.Uint32(blockBuf[i*4:]))
		}
	}

	return nil
}

// flushInodeTable writes the whole in-memory inode table back to the device.
// The table is at most a handful of blocks, so rewriting it wholesale is
// cheaper than tracking per-inode dirtiness.
func (fsys *FileSystem) flushInodeTable() error {
	sb := &fsys.sb
	perBlock := sb.InodesPerBlock()
	blockBuf := make([]byte, sb.BytesPerBlock)

	for tableBlock := uint(0); tableBlock < sb.InodeTableBlocks(); tableBlock++ {
		for i := range blockBuf {
			blockBuf[i] = 0
		}

		for slot := uint(0); slot < perBlock; slot++ {
			index := tableBlock*perBlock + slot
			if index >= sb.InodeCount {
				break
			}

			raw := inodeToRawInode(&fsys.inodes[index])
			writer := bytewriter.New(blockBuf[slot*InodeSize : (slot+1)*InodeSize])
			err := binary.Write(writer, binary.LittleEndian, &raw)
			if err != nil {
				return bfs.ErrIOFailed.Wrap(err)
			}
		}

		err := fsys.dev.WriteBlock(
			sb.inodeTableStart()+bfs.DeviceBlock(tableBlock),
			blockBuf,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// flushIndirect writes an inode's indirect block back to the device. No-op
// for files that haven't grown past the direct blocks.
func (fsys *FileSystem) flushIndirect(inum Inum) error {
	inode := &fsys.inodes[inum]
	if inode.indirect == bfs.NoBlock {
		return nil
	}

	blockBuf := make([]byte, fsys.sb.BytesPerBlock)
	for i, dbn := range inode.indirectEntries {
		binary.LittleEndian.PutUint32(blockBuf[i*4:], uint32(dbn))
	}
	return fsys.dev.WriteBlock(inode.indirect, blockBuf)
}

// resolveBlock translates a file block number into the device block holding
// it. The block must already be allocated; an unmapped block inside a file's
// extent means the image is corrupt.
func (fsys *FileSystem) resolveBlock(inum Inum, fbn bfs.FileBlock) (bfs.DeviceBlock, error) {
	dbn := fsys.inodes[inum].blockAt(fbn)
	if dbn == bfs.NoBlock {
		return bfs.NoBlock, bfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("file block %d of inode %d is unmapped", fbn, inum),
		)
	}
	return dbn, nil
}

// extend ensures file blocks 0..uptoFbn are all allocated, claiming blocks
// from the freelist as needed. Newly allocated blocks are zero-filled on the
// device, so a region that grew past the old size but was never written
// always reads back as zeroes.
func (fsys *FileSystem) extend(inum Inum, uptoFbn bfs.FileBlock) error {
	sb := &fsys.sb
	if uint(uptoFbn) >= sb.MaxFileBlocks() {
		return bfs.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"file can span at most %d blocks, needed %d",
				sb.MaxFileBlocks(),
				uint(uptoFbn)+1,
			),
		)
	}

	inode := &fsys.inodes[inum]
	zeroBlock := make([]byte, sb.BytesPerBlock)
	dirty := false

	allocateZeroed := func() (bfs.DeviceBlock, error) {
		dbn, err := fsys.freelist.Allocate()
		if err != nil {
			return bfs.NoBlock, err
		}
		return dbn, fsys.dev.WriteBlock(dbn, zeroBlock)
	}

	var err error
	for fbn := bfs.FileBlock(0); fbn <= uptoFbn; fbn++ {
		if inode.blockAt(fbn) != bfs.NoBlock {
			continue
		}

		if uint(fbn) >= NumDirectBlocks && inode.indirect == bfs.NoBlock {
			var indirect bfs.DeviceBlock
			indirect, err = allocateZeroed()
			if err != nil {
				break
			}
			inode.indirect = indirect
			inode.indirectEntries = make([]bfs.DeviceBlock, sb.BytesPerBlock/4)
		}

		var dbn bfs.DeviceBlock
		dbn, err = allocateZeroed()
		if err != nil {
			break
		}
		inode.setBlockAt(fbn, dbn)
		dirty = true
	}

	if dirty || err != nil {
		// Flush even on failure so the metadata on disk matches whatever was
		// actually allocated before the error.
		for _, flushErr := range []error{
			fsys.flushIndirect(inum),
			fsys.flushInodeTable(),
			fsys.flushFreelist(),
		} {
			if err == nil {
				err = flushErr
			}
		}
	}
	return err
}

// freeFileBlocks returns all of an inode's data blocks (and its indirect
// block) to the freelist and resets its block map and size.
func (fsys *FileSystem) freeFileBlocks(inum Inum) error {
	inode := &fsys.inodes[inum]

	release := func(dbn bfs.DeviceBlock) error {
		if dbn == bfs.NoBlock {
			return nil
		}
		return fsys.freelist.Free(dbn)
	}

	for i := range inode.direct {
		if err := release(inode.direct[i]); err != nil {
			return err
		}
		inode.direct[i] = bfs.NoBlock
	}
	for i := range inode.indirectEntries {
		if err := release(inode.indirectEntries[i]); err != nil {
			return err
		}
	}
	if err := release(inode.indirect); err != nil {
		return err
	}

	inode.indirect = bfs.NoBlock
	inode.indirectEntries = nil
	inode.Size = 0
	return nil
}
