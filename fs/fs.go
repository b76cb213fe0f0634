// Package fs implements a small flat-namespace filesystem over a block
// device: a superblock, a bitmap freelist, a fixed inode table with direct
// and single-indirect block pointers, a one-block directory, and a
// byte-addressable cursor-based I/O engine on top.
//
// A FileSystem and the descriptors opened from it are not safe for
// concurrent use; callers that share one across goroutines must serialize
// access themselves.
package fs

import (
	"fmt"
	"sort"

	"github.com/atereshkin/bfs"
	"github.com/atereshkin/bfs/device"
)

// FD is a handle to an open file, valid from Open/Create until Close.
type FD int

// openSlot is the open-file-table entry for one inode. Descriptors opened
// on the same file share the slot, and with it the cursor; the slot lives
// until its last descriptor is closed.
type openSlot struct {
	inum   Inum
	cursor int64
	refs   int
}

// FileSystem is one mounted session. It owns every piece of mutable state:
// the in-memory copies of the metadata blocks and the open-file table.
// Multiple sessions on separate devices are fully independent.
type FileSystem struct {
	dev      device.BlockDevice
	sb       Superblock
	freelist *Freelist
	inodes   []Inode
	dir      []dirEntry

	slots       map[Inum]*openSlot
	descriptors map[FD]*openSlot
	nextFD      FD
}

// FormatOptions controls Format. The block geometry always comes from the
// device itself.
type FormatOptions struct {
	// InodeCount is the number of inodes (and so the maximum file count) to
	// format with. Must be a non-zero multiple of the inodes that fit in one
	// block.
	InodeCount uint
}

// FileInfo describes one directory entry, as returned by ListFiles.
type FileInfo struct {
	Name string
	Size int64
}

// Format writes an empty filesystem onto the device: superblock, freelist
// with the metadata blocks claimed, a zeroed inode table, and an empty
// directory. Any previous contents are gone. Errors are returned, never
// fatal; a failed format leaves the device contents unspecified.
func Format(dev device.BlockDevice, opts FormatOptions) error {
	sb := Superblock{
		BytesPerBlock: dev.BytesPerBlock(),
		TotalBlocks:   dev.TotalBlocks(),
		InodeCount:    opts.InodeCount,
	}
	err := sb.Validate()
	if err != nil {
		return err
	}

	blockBuf := make([]byte, sb.BytesPerBlock)
	err = sb.serializeInto(blockBuf)
	if err != nil {
		return bfs.ErrIOFailed.Wrap(err)
	}
	err = dev.WriteBlock(0, blockBuf)
	if err != nil {
		return err
	}

	// Zero the inode table and the directory.
	zeroBlock := make([]byte, sb.BytesPerBlock)
	for block := sb.inodeTableStart(); block <= sb.directoryBlock(); block++ {
		err = dev.WriteBlock(block, zeroBlock)
		if err != nil {
			return err
		}
	}

	// Claim every metadata block in the freelist, then write it out.
	freelist := NewFreelist(sb.TotalBlocks)
	for block := bfs.DeviceBlock(0); block < sb.FirstDataBlock(); block++ {
		freelist.Reserve(block)
	}

	session := &FileSystem{dev: dev, sb: sb, freelist: freelist}
	return session.flushFreelist()
}

// Mount reads and validates the metadata of a formatted device and returns
// a ready-to-use session.
func Mount(dev device.BlockDevice) (*FileSystem, error) {
	blockBuf := make([]byte, dev.BytesPerBlock())
	err := dev.ReadBlock(0, blockBuf)
	if err != nil {
		return nil, err
	}

	sb, err := parseSuperblock(blockBuf)
	if err != nil {
		return nil, err
	}

	if sb.BytesPerBlock != dev.BytesPerBlock() {
		return nil, bfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"superblock says %d bytes per block, device has %d",
				sb.BytesPerBlock,
				dev.BytesPerBlock(),
			),
		)
	}
	if sb.TotalBlocks > dev.TotalBlocks() {
		return nil, bfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"superblock says %d blocks, device only has %d",
				sb.TotalBlocks,
				dev.TotalBlocks(),
			),
		)
	}

	fsys := &FileSystem{
		dev:         dev,
		sb:          sb,
		slots:       make(map[Inum]*openSlot),
		descriptors: make(map[FD]*openSlot),
	}

	err = fsys.loadFreelist()
	if err != nil {
		return nil, err
	}
	err = fsys.loadInodeTable()
	if err != nil {
		return nil, err
	}
	err = fsys.loadDirectory()
	if err != nil {
		return nil, err
	}

	return fsys, nil
}

// Superblock returns a copy of the mounted geometry.
func (fsys *FileSystem) Superblock() Superblock {
	return fsys.sb
}

// FreeBlocks returns the number of unallocated data blocks.
func (fsys *FileSystem) FreeBlocks() uint {
	return fsys.freelist.FreeBlocks()
}

// Unmount flushes the device and ends the session. Open descriptors are
// invalidated, and later Open/Create calls fail with ErrNoDevice.
func (fsys *FileSystem) Unmount() error {
	fsys.slots = nil
	fsys.descriptors = nil
	return fsys.dev.Sync()
}

// checkMounted guards the operations that don't go through a descriptor.
// Everything else fails descriptor lookup once the session is unmounted.
func (fsys *FileSystem) checkMounted() error {
	if fsys.slots == nil {
		return bfs.ErrNoDevice.WithMessage("filesystem is not mounted")
	}
	return nil
}

// loadFreelist reads the free-block bitmap back into memory.
func (fsys *FileSystem) loadFreelist() error {
	sb := &fsys.sb
	raw := make([]byte, sb.FreelistBlocks()*sb.BytesPerBlock)

	for i := uint(0); i < sb.FreelistBlocks(); i++ {
		err := fsys.dev.ReadBlock(
			sb.freelistStart()+bfs.DeviceBlock(i),
			raw[i*sb.BytesPerBlock:(i+1)*sb.BytesPerBlock],
		)
		if err != nil {
			return err
		}
	}

	fsys.freelist = FreelistFromBitmap(raw, sb.TotalBlocks)
	return nil
}

// flushFreelist writes the free-block bitmap out, padded to whole blocks.
func (fsys *FileSystem) flushFreelist() error {
	sb := &fsys.sb
	raw := make([]byte, sb.FreelistBlocks()*sb.BytesPerBlock)
	copy(raw, fsys.freelist.Data())

	for i := uint(0); i < sb.FreelistBlocks(); i++ {
		err := fsys.dev.WriteBlock(
			sb.freelistStart()+bfs.DeviceBlock(i),
			raw[i*sb.BytesPerBlock:(i+1)*sb.BytesPerBlock],
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Open opens an existing file and returns a descriptor for it. A missing
// file is the one caller-recoverable condition: ErrNotFound.
func (fsys *FileSystem) Open(name string) (FD, error) {
	err := fsys.checkMounted()
	if err != nil {
		return -1, err
	}
	err = validateName(name)
	if err != nil {
		return -1, err
	}

	inum, err := fsys.lookupFile(name)
	if err != nil {
		return -1, err
	}
	return fsys.allocDescriptor(inum), nil
}

// Create creates the named file and opens it. If the file already exists
// its contents are discarded, matching creat(2) plus truncation.
func (fsys *FileSystem) Create(name string) (FD, error) {
	err := fsys.checkMounted()
	if err != nil {
		return -1, err
	}
	err = validateName(name)
	if err != nil {
		return -1, err
	}

	inum, err := fsys.lookupFile(name)
	if err == nil {
		// Overwrite: release the old contents and reuse the inode.
		err = fsys.freeFileBlocks(inum)
		if err != nil {
			return -1, err
		}
		err = fsys.flushMetadata(inum)
		if err != nil {
			return -1, err
		}
		return fsys.allocDescriptor(inum), nil
	}

	inum, err = fsys.allocateInode()
	if err != nil {
		return -1, err
	}

	err = fsys.addDirent(name, inum)
	if err != nil {
		fsys.inodes[inum].allocated = false
		return -1, err
	}

	err = fsys.flushInodeTable()
	if err == nil {
		err = fsys.flushDirectory()
	}
	if err != nil {
		return -1, err
	}
	return fsys.allocDescriptor(inum), nil
}

// Close releases the descriptor. The inode's open slot (and the cursor it
// owns) survives until the last descriptor on that file is closed.
func (fsys *FileSystem) Close(fd FD) error {
	slot, err := fsys.slotForDescriptor(fd)
	if err != nil {
		return err
	}

	delete(fsys.descriptors, fd)
	slot.refs--
	if slot.refs <= 0 {
		delete(fsys.slots, slot.inum)
	}
	return nil
}

// ListFiles returns the directory contents ordered by name.
func (fsys *FileSystem) ListFiles() []FileInfo {
	infos := make([]FileInfo, 0, len(fsys.dir))
	for _, entry := range fsys.dir {
		if entry.name == "" {
			continue
		}
		infos = append(infos, FileInfo{
			Name: entry.name,
			Size: fsys.inodes[entry.inum].Size,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// allocateInode claims the first unallocated inode.
func (fsys *FileSystem) allocateInode() (Inum, error) {
	for inum := range fsys.inodes {
		if !fsys.inodes[inum].allocated {
			fsys.inodes[inum] = Inode{allocated: true}
			return Inum(inum), nil
		}
	}
	return 0, bfs.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf("all %d inodes are in use", len(fsys.inodes)),
	)
}

// flushMetadata writes out every metadata structure an inode mutation can
// touch.
func (fsys *FileSystem) flushMetadata(inum Inum) error {
	err := fsys.flushIndirect(inum)
	if err == nil {
		err = fsys.flushInodeTable()
	}
	if err == nil {
		err = fsys.flushFreelist()
	}
	return err
}

// allocDescriptor binds a new descriptor to the inode's open slot, creating
// the slot on first open.
func (fsys *FileSystem) allocDescriptor(inum Inum) FD {
	slot, ok := fsys.slots[inum]
	if !ok {
		slot = &openSlot{inum: inum}
		fsys.slots[inum] = slot
	}
	slot.refs++

	fd := fsys.nextFD
	fsys.nextFD++
	fsys.descriptors[fd] = slot
	return fd
}

// slotForDescriptor resolves a descriptor to its open slot.
func (fsys *FileSystem) slotForDescriptor(fd FD) (*openSlot, error) {
	slot, ok := fsys.descriptors[fd]
	if !ok {
		return nil, bfs.ErrInvalidFileDescriptor.WithMessage(
			fmt.Sprintf("descriptor %d is not open", fd),
		)
	}
	return slot, nil
}
