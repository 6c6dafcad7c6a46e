package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskSaveAndInspect(t *testing.T) {
	d := NewDisk(t.TempDir())

	n, err := d.Save("tmp/uploads/main/a.webm", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.True(t, d.Exists("tmp/uploads/main/a.webm"))
	assert.False(t, d.Exists("tmp/uploads/main"))
	assert.False(t, d.Exists(""))

	size, err := d.Size("tmp/uploads/main/a.webm")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	f, err := d.Open("tmp/uploads/main/a.webm")
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestDiskGlobReturnsSortedRelativePaths(t *testing.T) {
	root := t.TempDir()
	d := NewDisk(root)
	require.NoError(t, d.MakeDir("tmp/chunks/dur_x"))
	for _, name := range []string{"chunk_002.ogg", "chunk_000.ogg", "chunk_001.ogg"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, "tmp/chunks/dur_x", name), []byte("x"), 0o644))
	}

	got, err := d.Glob("tmp/chunks/dur_x/chunk_*.ogg")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"tmp/chunks/dur_x/chunk_000.ogg",
		"tmp/chunks/dur_x/chunk_001.ogg",
		"tmp/chunks/dur_x/chunk_002.ogg",
	}, got)
}

func TestDiskPathKeepsAbsolute(t *testing.T) {
	d := NewDisk("/srv/storage")
	assert.Equal(t, "/abs/file.ogg", d.Path("/abs/file.ogg"))
	assert.Equal(t, filepath.Join("/srv/storage", "tmp", "a.ogg"), d.Path("tmp/a.ogg"))
	assert.Equal(t, "tmp/a.ogg", d.Rel("/srv/storage/tmp/a.ogg"))
}
