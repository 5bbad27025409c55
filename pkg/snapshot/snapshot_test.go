package snapshot

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zfoobar/kvs/pkg/store"
)

func TestWriteReadRoundTrip(t *testing.T) {
	entries := map[string]store.Entry{
		"foo": {Value: "bar", Version: 3},
		"baz": {Value: "with spaces and unicode ✓", Version: 1},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, entries))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestReadGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not a snapshot")))
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.snap")

	src := store.New()
	src.Set("a", "1")
	src.Set("b", "2")
	src.Set("b", "3")
	require.NoError(t, Save(path, src))

	dst := store.New()
	dst.Set("stale", "dropped on restore")
	require.NoError(t, Load(path, dst))

	assert.Equal(t, 2, dst.Len())
	entry, err := dst.Get("b")
	require.NoError(t, err)
	assert.Equal(t, store.Entry{Value: "3", Version: 2}, entry)

	_, err = dst.Get("stale")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	err := Load(filepath.Join(t.TempDir(), "nope.snap"), store.New())
	assert.Error(t, err)
}
