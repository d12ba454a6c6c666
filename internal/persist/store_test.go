package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSnapshot(id string) Snapshot {
	return Snapshot{
		InstanceID:    id,
		BufferContent: "$ ls\nfile.txt",
		CursorX:       2,
		CursorY:       1,
		Cols:          80,
		Rows:          24,
		Shell:         "/bin/sh",
		Cwd:           "/tmp",
		LastActive:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)
	want := sampleSnapshot("term-1")

	if err := store.Save(want); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	got, err := store.Load("term-1")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if got.BufferContent != want.BufferContent || got.Shell != want.Shell || got.Cols != want.Cols {
		t.Errorf("roundtrip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	if !got.LastActive.Equal(want.LastActive) {
		t.Errorf("last active mismatch: %v vs %v", got.LastActive, want.LastActive)
	}
}

func TestStore_SaveOverwritesAtomically(t *testing.T) {
	store := newTestStore(t)
	snap := sampleSnapshot("term-1")
	if err := store.Save(snap); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	snap.BufferContent = "updated"
	if err := store.Save(snap); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}

	got, err := store.Load("term-1")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if got.BufferContent != "updated" {
		t.Errorf("expected updated content, got %q", got.BufferContent)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(store.dir)
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("leftover temp file: %s", entry.Name())
		}
	}
}

func TestStore_RejectsInvalidIDs(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"", "../escape", "has space", "a/b", strings.Repeat("x", 65)} {
		if err := store.Save(Snapshot{InstanceID: id}); !errors.Is(err, ErrInvalidInstanceID) {
			t.Errorf("Save(%q): expected ErrInvalidInstanceID, got %v", id, err)
		}
		if _, err := store.Load(id); !errors.Is(err, ErrInvalidInstanceID) {
			t.Errorf("Load(%q): expected ErrInvalidInstanceID, got %v", id, err)
		}
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load("nope"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(sampleSnapshot("term-1")); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := store.Delete("term-1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := store.Load("term-1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound after delete, got %v", err)
	}
	if err := store.Delete("term-1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("double delete should report ErrSnapshotNotFound, got %v", err)
	}
}

func TestStore_ListSkipsCorruptFiles(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(sampleSnapshot("good")); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.dir, "bad.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("failed to plant corrupt file: %v", err)
	}

	snapshots, err := store.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].InstanceID != "good" {
		t.Errorf("expected only the good snapshot, got %+v", snapshots)
	}
}

func TestStore_RejectsSymlinks(t *testing.T) {
	store := newTestStore(t)
	target := filepath.Join(t.TempDir(), "target.json")
	if err := os.WriteFile(target, []byte("{}"), 0o600); err != nil {
		t.Fatalf("failed to write target: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(store.dir, "sneaky.json")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	if _, err := store.Load("sneaky"); !errors.Is(err, ErrSymlinkNotAllowed) {
		t.Errorf("expected ErrSymlinkNotAllowed, got %v", err)
	}
}

func TestStore_SecondProcessLockedOut(t *testing.T) {
	baseDir := t.TempDir()
	first, err := NewStore(baseDir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer first.Close()

	if _, err := NewStore(baseDir); !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("expected ErrStoreLocked, got %v", err)
	}

	// Releasing the lock lets the next owner in.
	if err := first.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	second, err := NewStore(baseDir)
	if err != nil {
		t.Fatalf("expected lock takeover after close, got %v", err)
	}
	_ = second.Close()
}
