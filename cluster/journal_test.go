package cluster

import (
	"path/filepath"
	"testing"
)

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.json")

	j := NewJournal(path)
	rec, err := j.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if rec != (JournalRecord{}) {
		t.Fatalf("expected empty record on missing file, got %+v", rec)
	}

	j.MarkDirty(JournalRecord{MasterServer: "node-a", MasterGtidDomain: 7})
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	j2 := NewJournal(path)
	got, err := j2.Load()
	if err != nil {
		t.Fatalf("Load after flush: %v", err)
	}
	if got.MasterServer != "node-a" || got.MasterGtidDomain != 7 {
		t.Fatalf("unexpected record after round trip: %+v", got)
	}
}

func TestJournalFlushIsNoopWhenClean(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.json")
	j := NewJournal(path)

	if err := j.Flush(); err != nil {
		t.Fatalf("Flush on clean journal: %v", err)
	}
	if _, err := j.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestRestorePrimaryMissingNameReturnsNil(t *testing.T) {
	nodes := []*Node{newTestNode("a", 0, 1)}
	got := RestorePrimary(JournalRecord{MasterServer: "gone"}, nodes)
	if got != nil {
		t.Fatalf("expected nil for a journal entry naming a node no longer present")
	}
}

func TestRestorePrimaryResolvesByName(t *testing.T) {
	nodes := []*Node{newTestNode("a", 0, 1), newTestNode("b", 1, 2)}
	got := RestorePrimary(JournalRecord{MasterServer: "b"}, nodes)
	if got != nodes[1] {
		t.Fatalf("expected to resolve node b")
	}
}
