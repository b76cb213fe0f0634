package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/atereshkin/bfs"
	"github.com/noxer/bytewriter"
)

// direntSize is the width of one on-disk directory entry.
const direntSize = 32

// MaxNameLength is the longest file name the directory can store.
const MaxNameLength = direntSize - 2

// rawDirent is one slot of the directory block. The inode number is stored
// 1-based so an all-zero slot reads as free; names shorter than the field
// are padded with NUL bytes.
type rawDirent struct {
	InumberPlusOne uint16
	Name           [MaxNameLength]byte
}

// dirEntry is the in-memory form of one directory slot. A slot with an
// empty name is free.
type dirEntry struct {
	name string
	inum Inum
}

// validateName rejects names the directory block can't represent.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid file name %q", name),
		)
	}
	if len(name) > MaxNameLength {
		return bfs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("file names are capped at %d bytes, got %d", MaxNameLength, len(name)),
		)
	}
	return nil
}

// loadDirectory reads the directory block into memory.
func (fsys *FileSystem) loadDirectory() error {
	sb := &fsys.sb
	blockBuf := make([]byte, sb.BytesPerBlock)

	err := fsys.dev.ReadBlock(sb.directoryBlock(), blockBuf)
	if err != nil {
		return err
	}

	fsys.dir = make([]dirEntry, sb.MaxDirents())
	for slot := range fsys.dir {
		var raw rawDirent
		reader := bytes.NewReader(blockBuf[slot*direntSize : (slot+1)*direntSize])
		err = binary.Read(reader, binary.LittleEndian, &raw)
		if err != nil {
			return bfs.ErrInvalidFileSystem.Wrap(err)
		}

		if raw.InumberPlusOne == 0 {
			continue
		}
		if uint(raw.InumberPlusOne-1) >= sb.InodeCount {
			return bfs.ErrInvalidFileSystem.WithMessage(
				fmt.Sprintf(
					"directory slot %d references inode %d of [0, %d)",
					slot,
					raw.InumberPlusOne-1,
					sb.InodeCount,
				),
			)
		}

		fsys.dir[slot] = dirEntry{
			name: string(bytes.TrimRight(raw.Name[:], "\x00")),
			inum: Inum(raw.InumberPlusOne - 1),
		}
	}

	return nil
}

// flushDirectory writes the directory block back to the device.
func (fsys *FileSystem) flushDirectory() error {
	sb := &fsys.sb
	blockBuf := make([]byte, sb.BytesPerBlock)

	for slot, entry := range fsys.dir {
		if entry.name == "" {
			continue
		}

		raw := rawDirent{InumberPlusOne: uint16(entry.inum) + 1}
		copy(raw.Name[:], entry.name)

		writer := bytewriter.New(blockBuf[slot*direntSize : (slot+1)*direntSize])
		err := binary.Write(writer, binary.LittleEndian, &raw)
		if err != nil {
			return bfs.ErrIOFailed.Wrap(err)
		}
	}

	return fsys.dev.WriteBlock(sb.directoryBlock(), blockBuf)
}

// lookupFile finds a file's inode number by name.
func (fsys *FileSystem) lookupFile(name string) (Inum, error) {
	for _, entry := range fsys.dir {
		if entry.name == name {
			return entry.inum, nil
		}
	}
	return 0, bfs.ErrNotFound.WithMessage(name)
}

// addDirent records a name → inode binding in the first free slot.
func (fsys *FileSystem) addDirent(name string, inum Inum) error {
	for slot := range fsys.dir {
		if fsys.dir[slot].name == "" {
			fsys.dir[slot] = dirEntry{name: name, inum: inum}
			return nil
		}
	}
	return bfs.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf("directory is full: all %d slots are in use", len(fsys.dir)),
	)
}
