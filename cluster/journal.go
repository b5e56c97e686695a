package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JournalRecord is the on-disk, opaque-to-callers journal format of
// spec §6.3: just enough to recover the selected primary across a
// restart without losing its identity.
type JournalRecord struct {
	MasterServer      string `json:"master_server"`
	MasterGtidDomain  uint64 `json:"master_gtid_domain"`
}

// Journal persists JournalRecord between process restarts, the way the
// teacher's config loader round-trips cloud18.toml in server/server.go
// (read, hash, rewrite only on change).
type Journal struct {
	path  string
	dirty bool
	last  JournalRecord
}

// NewJournal binds a Journal to a file path; it does not read the file
// until Load is called.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Load restores the previously stored record, if any. A missing file
// is not an error: the monitor simply starts without a remembered
// primary.
func (j *Journal) Load() (JournalRecord, error) {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return JournalRecord{}, nil
	}
	if err != nil {
		return JournalRecord{}, err
	}
	var rec JournalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return JournalRecord{}, err
	}
	j.last = rec
	return rec, nil
}

// MarkDirty records a candidate value to flush; Flush is a no-op
// unless the value actually changed since the last successful write.
func (j *Journal) MarkDirty(rec JournalRecord) {
	if rec != j.last {
		j.dirty = true
		j.last = rec
	}
}

// Flush writes the journal atomically (write to temp file, rename)
// when dirty, and clears the dirty flag on success.
func (j *Journal) Flush() error {
	if !j.dirty {
		return nil
	}
	data, err := json.Marshal(j.last)
	if err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	j.dirty = false
	return nil
}

// RestorePrimary resolves the journaled primary name against the
// current Node list, returning nil if the name no longer exists.
func RestorePrimary(rec JournalRecord, nodes []*Node) *Node {
	if rec.MasterServer == "" {
		return nil
	}
	for _, n := range nodes {
		if n.ConfigName == rec.MasterServer {
			return n
		}
	}
	return nil
}
