// Package snapshot dumps and restores store contents.
//
// A snapshot is a MessagePack-encoded map of entries wrapped in an
// s2-compressed stream. It is a best-effort operator convenience, not a
// durability guarantee: the copy is taken under the store lock at a
// quiescent point.
package snapshot

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zfoobar/kvs/pkg/store"
)

type entry struct {
	Value   string `msgpack:"value"`
	Version uint64 `msgpack:"version"`
}

// Write encodes entries to w.
func Write(w io.Writer, entries map[string]store.Entry) error {
	out := make(map[string]entry, len(entries))
	for k, e := range entries {
		out[k] = entry{Value: e.Value, Version: e.Version}
	}

	sw := s2.NewWriter(w)
	if err := msgpack.NewEncoder(sw).Encode(out); err != nil {
		sw.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sw.Close()
}

// Read decodes entries from r.
func Read(r io.Reader) (map[string]store.Entry, error) {
	var in map[string]entry
	if err := msgpack.NewDecoder(s2.NewReader(r)).Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	entries := make(map[string]store.Entry, len(in))
	for k, e := range in {
		entries[k] = store.Entry{Value: e.Value, Version: e.Version}
	}
	return entries, nil
}

// Save writes the store's current contents to path. The file is written to a
// temporary name first and renamed into place.
func Save(path string, st *store.Store) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if err := Write(f, st.Snapshot()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load replaces the store's contents with the snapshot at path.
func Load(path string, st *store.Store) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := Read(f)
	if err != nil {
		return err
	}
	st.Restore(entries)
	return nil
}
