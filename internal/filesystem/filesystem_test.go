package filesystem

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zfssim/zfssim/internal/device"
	"github.com/zfssim/zfssim/internal/pool"
	"github.com/zfssim/zfssim/internal/vdev"
)

func newTestFilesystem(t *testing.T, size, blockSize int) *FileSystem {
	t.Helper()
	pd := device.NewPhysical("pd1", size, blockSize)
	s := vdev.NewStripe("stripe1", []device.Device{pd}, zerolog.Nop())
	require.True(t, s.AttemptBringOnline())
	p, err := pool.New("tank", []device.Device{s}, zerolog.Nop())
	require.NoError(t, err)
	fs, err := New(p)
	require.NoError(t, err)
	return fs
}

func TestFilesystemRoundTrip(t *testing.T) {
	// Filesystem round-trip.
	fs := newTestFilesystem(t, 2048, 16)

	files := map[string]string{
		"file1": "Hello World!",
		"file2": "Hello World again!",
		"file3": "Hello World a third time!",
	}
	for name, content := range files {
		require.NoError(t, fs.WriteFile(name, []byte(content)))
	}
	for name, content := range files {
		got, err := fs.ReadFile(name)
		require.NoError(t, err)
		require.Equal(t, content, string(got))
	}
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t, 2048, 16)

	require.NoError(t, fs.WriteFile("a", []byte("first version")))
	got, err := fs.ReadFile("a")
	require.NoError(t, err)
	require.Equal(t, "first version", string(got))

	require.NoError(t, fs.WriteFile("a", []byte("second, longer version of the file")))
	got, err = fs.ReadFile("a")
	require.NoError(t, err)
	require.Equal(t, "second, longer version of the file", string(got))
}

func TestFilesystemMissingFile(t *testing.T) {
	fs := newTestFilesystem(t, 2048, 16)
	_, err := fs.ReadFile("nope")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestFilesystemFilenameTooLong(t *testing.T) {
	fs := newTestFilesystem(t, 2048, 16)
	longName := make([]byte, 256)
	for i := range longName {
		longName[i] = 'a'
	}
	err := fs.WriteFile(string(longName), []byte("x"))
	require.ErrorIs(t, err, ErrFilenameTooLong)
}

func TestFilesystemFullWhenRegionsCollide(t *testing.T) {
	// 128 blocks total. One small file consumes the top block, leaving
	// 127 free; asking for a file that needs all 128 must collide with
	// the file-table region rather than wrap into invalid blocks.
	fs := newTestFilesystem(t, 2048, 16)
	require.NoError(t, fs.WriteFile("small", []byte("ok")))

	big := make([]byte, 16*128)
	err := fs.WriteFile("big", big)
	require.ErrorIs(t, err, ErrFilesystemFull)
}
