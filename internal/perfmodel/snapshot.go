package perfmodel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
)

const snapshotVersion = 1

type snapshotEntry struct {
	Key  Key     `cbor:"1,keyasint"`
	N    uint64  `cbor:"2,keyasint"`
	Mean float64 `cbor:"3,keyasint"`
	M2   float64 `cbor:"4,keyasint"`
}

type snapshot struct {
	Version int             `cbor:"1,keyasint"`
	Entries []snapshotEntry `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Save writes the measured entries as deterministic CBOR.
func (h *History) Save(w io.Writer) error {
	h.mu.RLock()
	snap := snapshot{Version: snapshotVersion}
	for k, e := range h.entries {
		snap.Entries = append(snap.Entries, snapshotEntry{Key: k, N: e.n, Mean: e.mean, M2: e.m2})
	}
	h.mu.RUnlock()
	sort.Slice(snap.Entries, func(i, j int) bool { return lessKey(snap.Entries[i].Key, snap.Entries[j].Key) })

	data, err := encMode.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode performance history: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Load merges a snapshot written by Save, replacing entries with the same
// key.
func (h *History) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode performance history: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported performance history version %d", snap.Version)
	}
	h.mu.Lock()
	for _, se := range snap.Entries {
		h.entries[se.Key] = &entry{n: se.N, mean: se.Mean, m2: se.M2}
	}
	h.mu.Unlock()
	return nil
}

// LoadFile loads a snapshot from path. A missing file is not an error.
func (h *History) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return h.Load(f)
}

// SaveFile writes a snapshot to path, replacing it atomically.
func (h *History) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := h.Save(f); err != nil {
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

func lessKey(a, b Key) bool {
	if a.Codelet != b.Codelet {
		return a.Codelet < b.Codelet
	}
	if a.Arch != b.Arch {
		return a.Arch < b.Arch
	}
	return a.Impl < b.Impl
}

func sortStats(s []Stat) {
	sort.Slice(s, func(i, j int) bool { return lessKey(s[i].Key, s[j].Key) })
}
