package fs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/atereshkin/bfs"
	"github.com/atereshkin/bfs/fs"
	bfstest "github.com/atereshkin/bfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Write a pattern, seek back, read it in full.
func TestFileIO__RoundTrip(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("roundtrip")
	require.NoError(t, err)

	pattern := bfstest.RandomBytes(t, 1000)
	n, err := fsys.Write(fd, pattern)
	require.NoError(t, err)
	assert.Equal(t, 1000, n, "short write")

	_, err = fsys.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)

	readBack := make([]byte, 1000)
	n, err = fsys.Read(fd, readBack)
	require.NoError(t, err)
	assert.Equal(t, 1000, n, "short read")
	assert.True(t, bytes.Equal(pattern, readBack), "data read back differs")
}

// The worked example: 512-byte blocks, a 600-byte write from cursor 0, then
// a 1000-byte read from cursor 100 comes back clamped to 500 bytes.
func TestFileIO__ClampedReadAcrossBlocks(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("clamped")
	require.NoError(t, err)

	bufA := bfstest.RandomBytes(t, 600)
	_, err = fsys.Write(fd, bufA)
	require.NoError(t, err)

	size, err := fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 600, size)

	_, err = fsys.Seek(fd, 100, io.SeekStart)
	require.NoError(t, err)

	bufB := make([]byte, 1000)
	n, err := fsys.Read(fd, bufB)
	assert.ErrorIs(t, err, io.EOF, "clamped read should report EOF")
	assert.Equal(t, 500, n, "read wasn't clamped to the file size")
	assert.True(t, bytes.Equal(bufA[100:600], bufB[:n]), "clamped read returned wrong bytes")

	// The cursor stops at end-of-file, so the next read gets nothing.
	where, err := fsys.Tell(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 600, where, "cursor should sit at end-of-file")

	n, err = fsys.Read(fd, bufB)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, n)
}

// Overwriting the middle of a block must leave the rest of the block alone.
func TestFileIO__BoundaryPreservation(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("boundary")
	require.NoError(t, err)

	pattern := bfstest.RandomBytes(t, 512)
	_, err = fsys.Write(fd, pattern)
	require.NoError(t, err)

	middle := bfstest.RandomBytes(t, 50)
	_, err = fsys.Seek(fd, 100, io.SeekStart)
	require.NoError(t, err)
	_, err = fsys.Write(fd, middle)
	require.NoError(t, err)

	_, err = fsys.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)

	readBack := make([]byte, 512)
	n, err := fsys.Read(fd, readBack)
	require.NoError(t, err)
	require.Equal(t, 512, n)

	assert.True(t, bytes.Equal(pattern[:100], readBack[:100]), "prefix was clobbered")
	assert.True(t, bytes.Equal(middle, readBack[100:150]), "written span is wrong")
	assert.True(t, bytes.Equal(pattern[150:], readBack[150:]), "suffix was clobbered")
}

// A write spanning four blocks, starting and ending mid-block, must merge
// cleanly with the untouched prefix and suffix.
func TestFileIO__MultiBlockMidBlockWrite(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("multiblock")
	require.NoError(t, err)

	original := bfstest.RandomBytes(t, 2048)
	_, err = fsys.Write(fd, original)
	require.NoError(t, err)

	replacement := bfstest.RandomBytes(t, 1500)
	_, err = fsys.Seek(fd, 300, io.SeekStart)
	require.NoError(t, err)
	n, err := fsys.Write(fd, replacement)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)

	size, err := fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, size, "in-place write must not change the size")

	_, err = fsys.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)
	readBack := make([]byte, 2048)
	_, err = fsys.Read(fd, readBack)
	require.NoError(t, err)

	expected := make([]byte, 0, 2048)
	expected = append(expected, original[:300]...)
	expected = append(expected, replacement...)
	expected = append(expected, original[1800:]...)
	assert.True(t, bytes.Equal(expected, readBack), "merged contents are wrong")
}

func TestFileIO__CursorSemantics(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("cursors")
	require.NoError(t, err)

	_, err = fsys.Write(fd, bfstest.RandomBytes(t, 100))
	require.NoError(t, err)

	where, err := fsys.Seek(fd, 10, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 10, where)

	where, err = fsys.Seek(fd, 5, io.SeekCurrent)
	require.NoError(t, err)
	assert.EqualValues(t, 15, where)

	where, err = fsys.Seek(fd, 0, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 100, where)

	tell, err := fsys.Tell(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 100, tell)

	// A seek that would land before the start of the file is rejected and
	// leaves the cursor alone.
	_, err = fsys.Seek(fd, -5, io.SeekStart)
	assert.ErrorIs(t, err, bfs.ErrArgumentOutOfRange)

	_, err = fsys.Seek(fd, -500, io.SeekCurrent)
	assert.ErrorIs(t, err, bfs.ErrArgumentOutOfRange)

	tell, err = fsys.Tell(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 100, tell, "failed seek must not move the cursor")

	_, err = fsys.Seek(fd, 0, 42)
	assert.ErrorIs(t, err, bfs.ErrInvalidArgument, "unknown whence must be rejected")
}

// Writing past the end grows the file to exactly cursor + count; writing
// inside it leaves the size alone.
func TestFileIO__SizeExtension(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("extension")
	require.NoError(t, err)

	_, err = fsys.Write(fd, bfstest.RandomBytes(t, 700))
	require.NoError(t, err)

	size, err := fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 700, size)

	_, err = fsys.Seek(fd, 200, io.SeekStart)
	require.NoError(t, err)
	_, err = fsys.Write(fd, bfstest.RandomBytes(t, 100))
	require.NoError(t, err)

	size, err = fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 700, size, "interior write changed the size")

	_, err = fsys.Seek(fd, 650, io.SeekStart)
	require.NoError(t, err)
	_, err = fsys.Write(fd, bfstest.RandomBytes(t, 100))
	require.NoError(t, err)

	size, err = fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 750, size, "size must grow to cursor + bytes written")
}

// Seeking far past the end and writing there leaves a gap, and the gap must
// read back as zeroes, not as whatever the allocated blocks held before.
func TestFileIO__SparseGapReadsAsZeroes(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("sparse")
	require.NoError(t, err)

	_, err = fsys.Write(fd, bfstest.RandomBytes(t, 10))
	require.NoError(t, err)

	_, err = fsys.Seek(fd, 2000, io.SeekStart)
	require.NoError(t, err)
	tail := bfstest.RandomBytes(t, 10)
	_, err = fsys.Write(fd, tail)
	require.NoError(t, err)

	size, err := fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 2010, size)

	_, err = fsys.Seek(fd, 10, io.SeekStart)
	require.NoError(t, err)

	gap := make([]byte, 1990)
	n, err := fsys.Read(fd, gap)
	require.NoError(t, err)
	require.Equal(t, 1990, n)
	assert.True(t, bytes.Equal(make([]byte, 1990), gap), "sparse gap isn't zero-filled")

	readTail := make([]byte, 10)
	n, err = fsys.Read(fd, readTail)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.True(t, bytes.Equal(tail, readTail))
}

// Descriptors opened on the same file share the open slot, and with it the
// cursor.
func TestFileIO__DescriptorsShareCursor(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	first, err := fsys.Create("shared")
	require.NoError(t, err)
	_, err = fsys.Write(first, bfstest.RandomBytes(t, 100))
	require.NoError(t, err)

	second, err := fsys.Open("shared")
	require.NoError(t, err)

	_, err = fsys.Seek(first, 30, io.SeekStart)
	require.NoError(t, err)

	where, err := fsys.Tell(second)
	require.NoError(t, err)
	assert.EqualValues(t, 30, where, "descriptors on one file must share the cursor")
}

// Zero-length transfers do nothing and touch nothing.
func TestFileIO__ZeroLengthTransfers(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("empty")
	require.NoError(t, err)

	n, err := fsys.Write(fd, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = fsys.Read(fd, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	size, err := fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)

	tell, err := fsys.Tell(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 0, tell)
}

// A file can't outgrow its inode's block map.
func TestFileIO__FileTooLarge(t *testing.T) {
	// 128-byte blocks: 8 direct + 32 indirect entries = 40 blocks, 5120 bytes.
	fsys := bfstest.CreateFormattedFS(t, 128, 128, 2)

	fd, err := fsys.Create("huge")
	require.NoError(t, err)

	_, err = fsys.Write(fd, make([]byte, 6000))
	assert.ErrorIs(t, err, bfs.ErrFileTooLarge)

	size, err := fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 0, size, "failed write must not grow the file")
}

// A cursor may sit arbitrarily far past the end, but writing there must be
// rejected while the block math is still 64-bit. If the span were narrowed
// to 32-bit block indices first it would wrap around and the write would
// land on the start of the file.
func TestFileIO__WriteFarPastMaxSpan(t *testing.T) {
	fsys := bfstest.CreateFormattedFS(t, 512, 100, 8)

	fd, err := fsys.Create("anchored")
	require.NoError(t, err)

	head := bfstest.RandomBytes(t, 512)
	_, err = fsys.Write(fd, head)
	require.NoError(t, err)

	// 2^32 blocks in, so the wrapped 32-bit block index would be 0.
	where, err := fsys.Seek(fd, int64(512)<<32, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(512)<<32, where)

	_, err = fsys.Write(fd, []byte("way out of range"))
	assert.ErrorIs(t, err, bfs.ErrFileTooLarge)

	size, err := fsys.FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 512, size, "failed write must not grow the file")

	_, err = fsys.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)
	readBack := make([]byte, 512)
	n, err := fsys.Read(fd, readBack)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	assert.True(t, bytes.Equal(head, readBack), "first block was overwritten")
}

// Running the device out of blocks surfaces ENOSPC-style errors instead of
// corrupting anything.
func TestFileIO__OutOfSpace(t *testing.T) {
	// 40 blocks total, 3 metadata + superblock, so 36 data blocks. The
	// write below needs 38.
	fsys := bfstest.CreateFormattedFS(t, 128, 40, 2)

	fd, err := fsys.Create("filler")
	require.NoError(t, err)

	_, err = fsys.Write(fd, make([]byte, 38*128))
	assert.ErrorIs(t, err, bfs.ErrNoSpaceOnDevice)
}

// Data and sizes survive an unmount/remount cycle.
func TestFileIO__PersistsAcrossRemount(t *testing.T) {
	dev := bfstest.CreateRAMDevice(t, 512, 100)
	require.NoError(t, fs.Format(dev, fs.FormatOptions{InodeCount: 8}))

	fsys, err := fs.Mount(dev)
	require.NoError(t, err)

	payload := bfstest.RandomBytes(t, 5000)
	fd, err := fsys.Create("keeper")
	require.NoError(t, err)
	_, err = fsys.Write(fd, payload)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))
	require.NoError(t, fsys.Unmount())

	remounted, err := fs.Mount(dev)
	require.NoError(t, err)

	fd, err = remounted.Open("keeper")
	require.NoError(t, err)

	size, err := remounted.FileSize(fd)
	require.NoError(t, err)
	require.EqualValues(t, 5000, size)

	readBack := make([]byte, 5000)
	n, err := remounted.Read(fd, readBack)
	require.NoError(t, err)
	require.Equal(t, 5000, n)
	assert.True(t, bytes.Equal(payload, readBack), "contents changed across remount")
}
