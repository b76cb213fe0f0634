// Package device provides whole-block access to disk images, whether the
// image lives in a file on the host or in a memory buffer.
//
// All block indices begin at 0.
package device

import (
	"fmt"
	"io"
	"os"

	"github.com/atereshkin/bfs"
	"github.com/xaionaro-go/bytesextra"
)

// BlockDevice is the narrow contract the filesystem layer needs from storage:
// fixed-size whole-block transfers addressed by device block number. Partial
// blocks never cross this boundary.
type BlockDevice interface {
	// BytesPerBlock returns the size of a single block, in bytes.
	BytesPerBlock() uint

	// TotalBlocks returns the total number of blocks on the device.
	TotalBlocks() uint

	// ReadBlock fills `buffer` with the contents of the given block. `buffer`
	// must be exactly BytesPerBlock bytes.
	ReadBlock(block bfs.DeviceBlock, buffer []byte) error

	// WriteBlock writes `buffer` to the given block. `buffer` must be exactly
	// BytesPerBlock bytes.
	WriteBlock(block bfs.DeviceBlock, buffer []byte) error

	// Sync flushes any buffered writes to the underlying medium.
	Sync() error

	// Close releases the device. The device must not be used afterwards.
	Close() error
}

// StreamDevice adapts any [io.ReadWriteSeeker] into a [BlockDevice] by
// seeking to the block boundary before each transfer.
type StreamDevice struct {
	stream        io.ReadWriteSeeker
	bytesPerBlock uint
	totalBlocks   uint
}

// NewStreamDevice wraps a stream holding exactly `totalBlocks` blocks of
// `bytesPerBlock` bytes each.
func NewStreamDevice(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	totalBlocks uint,
) *StreamDevice {
	return &StreamDevice{
		stream:        stream,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// NewRAMDevice creates a zero-filled in-memory device. It's mostly useful
// for tests and scratch images.
func NewRAMDevice(bytesPerBlock, totalBlocks uint) *StreamDevice {
	storage := make([]byte, bytesPerBlock*totalBlocks)
	return NewStreamDevice(
		bytesextra.NewReadWriteSeeker(storage),
		bytesPerBlock,
		totalBlocks,
	)
}

// OpenFileDevice opens an existing image file as a block device. The file
// size must be an exact multiple of `bytesPerBlock`.
func OpenFileDevice(path string, bytesPerBlock uint) (*StreamDevice, error) {
	handle, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bfs.ErrNoDevice.Wrap(err)
		}
		return nil, bfs.ErrIOFailed.Wrap(err)
	}

	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil, bfs.ErrIOFailed.Wrap(err)
	}

	size := info.Size()
	if size == 0 || size%int64(bytesPerBlock) != 0 {
		handle.Close()
		return nil, bfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"image size %d is not a positive multiple of the block size %d",
				size,
				bytesPerBlock,
			),
		)
	}

	return NewStreamDevice(handle, bytesPerBlock, uint(size/int64(bytesPerBlock))), nil
}

// CreateFileDevice creates (or wipes) an image file of the given geometry
// and opens it as a block device.
func CreateFileDevice(
	path string,
	bytesPerBlock uint,
	totalBlocks uint,
) (*StreamDevice, error) {
	handle, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, bfs.ErrIOFailed.Wrap(err)
	}

	err = handle.Truncate(int64(bytesPerBlock) * int64(totalBlocks))
	if err != nil {
		handle.Close()
		return nil, bfs.ErrIOFailed.Wrap(err)
	}

	return NewStreamDevice(handle, bytesPerBlock, totalBlocks), nil
}

func (dev *StreamDevice) BytesPerBlock() uint {
	return dev.bytesPerBlock
}

func (dev *StreamDevice) TotalBlocks() uint {
	return dev.totalBlocks
}

// seekToBlock sets the stream pointer to the first byte of a block.
func (dev *StreamDevice) seekToBlock(block bfs.DeviceBlock) error {
	if uint(block) >= dev.totalBlocks {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid block number: %d not in range [0, %d)",
				block,
				dev.totalBlocks,
			),
		)
	}

	_, err := dev.stream.Seek(int64(block)*int64(dev.bytesPerBlock), io.SeekStart)
	if err != nil {
		return bfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

// checkBuffer verifies that a transfer buffer is exactly one block.
func (dev *StreamDevice) checkBuffer(buffer []byte) error {
	if uint(len(buffer)) != dev.bytesPerBlock {
		return bfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"transfer buffer must be exactly %d bytes, got %d",
				dev.bytesPerBlock,
				len(buffer),
			),
		)
	}
	return nil
}

func (dev *StreamDevice) ReadBlock(block bfs.DeviceBlock, buffer []byte) error {
	if err := dev.checkBuffer(buffer); err != nil {
		return err
	}
	if err := dev.seekToBlock(block); err != nil {
		return err
	}

	_, err := io.ReadFull(dev.stream, buffer)
	if err != nil {
		return bfs.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to read block %d: %s", block, err.Error()),
		)
	}
	return nil
}

func (dev *StreamDevice) WriteBlock(block bfs.DeviceBlock, buffer []byte) error {
	if err := dev.checkBuffer(buffer); err != nil {
		return err
	}
	if err := dev.seekToBlock(block); err != nil {
		return err
	}

	_, err := dev.stream.Write(buffer)
	if err != nil {
		return bfs.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to write block %d: %s", block, err.Error()),
		)
	}
	return nil
}

// Sync flushes buffered writes if the underlying stream supports it. Streams
// without a Sync method (e.g. memory buffers) have nothing to flush.
func (dev *StreamDevice) Sync() error {
	type syncer interface {
		Sync() error
	}

	if s, ok := dev.stream.(syncer); ok {
		err := s.Sync()
		if err != nil {
			return bfs.ErrIOFailed.Wrap(err)
		}
	}
	return nil
}

func (dev *StreamDevice) Close() error {
	err := dev.Sync()

	if closer, ok := dev.stream.(io.Closer); ok {
		closeErr := closer.Close()
		if err == nil && closeErr != nil {
			err = bfs.ErrIOFailed.Wrap(closeErr)
		}
	}
	return err
}
