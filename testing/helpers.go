// Shared helpers for tests across the module. Import as:
//
//	bfstest "github.com/atereshkin/bfs/testing"
package testing

import (
	"crypto/rand"
	"testing"

	"github.com/atereshkin/bfs/device"
	"github.com/atereshkin/bfs/fs"
	"github.com/stretchr/testify/require"
)

// RandomBytes returns n cryptographically random bytes, failing the test
// rather than returning an error.
func RandomBytes(t *testing.T, n int) []byte {
	buffer := make([]byte, n)
	_, err := rand.Read(buffer)
	require.NoErrorf(t, err, "failed to generate %d random bytes", n)
	return buffer
}

// CreateRAMDevice returns a zeroed in-memory block device of the given
// geometry.
func CreateRAMDevice(t *testing.T, bytesPerBlock, totalBlocks uint) *device.StreamDevice {
	dev := device.NewRAMDevice(bytesPerBlock, totalBlocks)
	require.EqualValues(t, bytesPerBlock, dev.BytesPerBlock(), "wrong bytes per block")
	require.EqualValues(t, totalBlocks, dev.TotalBlocks(), "wrong total blocks")
	return dev
}

// CreateFormattedFS formats an in-memory device and mounts it, failing the
// test on any error. The returned session is ready for Open/Create.
func CreateFormattedFS(
	t *testing.T,
	bytesPerBlock,
	totalBlocks,
	inodeCount uint,
) *fs.FileSystem {
	dev := CreateRAMDevice(t, bytesPerBlock, totalBlocks)

	err := fs.Format(dev, fs.FormatOptions{InodeCount: inodeCount})
	require.NoError(t, err, "failed to format device")

	fsys, err := fs.Mount(dev)
	require.NoError(t, err, "failed to mount freshly formatted device")
	return fsys
}
