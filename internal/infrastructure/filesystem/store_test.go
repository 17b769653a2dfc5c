package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestUserDirRejectsInvalidIDs(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []string{"", "..", "a/b", "../escape", strings.Repeat("x", 65)} {
		if _, err := store.UserDir(id); !errors.Is(err, ErrInvalidUser) {
			t.Fatalf("expected invalid user for %q, got %v", id, err)
		}
	}
}

func TestReserveAddsNumericSuffix(t *testing.T) {
	store := NewStore(t.TempDir())

	first, _, err := store.Reserve("u1", "My Clip", "mp4", "seed")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, full, err := store.Reserve("u1", "My Clip", "mp4", "seed")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first != "My Clip.mp4" || second != "My Clip (2).mp4" {
		t.Fatalf("unexpected names %q %q", first, second)
	}
	if _, err := os.Stat(full); err != nil {
		t.Fatalf("expected reserved file to exist: %v", err)
	}
}

func TestReserveRecreatesDirRemovedBySweep(t *testing.T) {
	store := NewStore(t.TempDir())
	removals := 0
	store.afterEnsure = func(dir string) {
		if removals == 0 {
			removals++
			if err := os.Remove(dir); err != nil {
				t.Fatalf("remove: %v", err)
			}
		}
	}

	name, full, err := store.Reserve("u1", "Clip", "mp3", "seed")
	if err != nil {
		t.Fatalf("expected reservation after directory was swept, got %v", err)
	}
	if name != "Clip.mp3" || removals != 1 {
		t.Fatalf("unexpected reservation %q after %d removals", name, removals)
	}
	if _, err := os.Stat(full); err != nil {
		t.Fatalf("expected reserved file to exist: %v", err)
	}
}

func TestReserveFallsBackOnEmptyTitle(t *testing.T) {
	store := NewStore(t.TempDir())
	name, _, err := store.Reserve("u1", "???", "mp3", "https://example.com/a")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if name != "___.mp3" {
		t.Fatalf("expected sanitized name, got %q", name)
	}
	name, _, err = store.Reserve("u1", " . ", "mp3", "https://example.com/a")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasPrefix(name, "media-") {
		t.Fatalf("expected fallback id name, got %q", name)
	}
}

func TestListFilesNewestFirst(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	dir, err := store.EnsureUserDir("u1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	now := time.Now()
	writeAged(t, filepath.Join(dir, "old.mp3"), now.Add(-2*time.Hour))
	writeAged(t, filepath.Join(dir, "new.mp3"), now.Add(-time.Minute))
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := store.ListFiles("u1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(files) != 2 || files[0].Name != "new.mp3" || files[1].Name != "old.mp3" {
		t.Fatalf("unexpected listing: %+v", files)
	}

	missing, err := store.ListFiles("nobody")
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected empty listing for missing dir, got %v (%v)", missing, err)
	}
}

func TestResolveFileRejectsTraversal(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.ResolveFile("u1", "../u2/secret.mp3"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

func TestRemoveDirIfEmpty(t *testing.T) {
	store := NewStore(t.TempDir())
	dir, _ := store.EnsureUserDir("u1")
	writeAged(t, filepath.Join(dir, "a.txt"), time.Now())

	removed, err := store.RemoveDirIfEmpty("u1")
	if err != nil || removed {
		t.Fatalf("expected non-empty dir kept, got %v (%v)", removed, err)
	}
	if err := store.RemoveFile("u1", "a.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	removed, err = store.RemoveDirIfEmpty("u1")
	if err != nil || !removed {
		t.Fatalf("expected empty dir removed, got %v (%v)", removed, err)
	}
	users, _ := store.ListUsers()
	if len(users) != 0 {
		t.Fatalf("expected no users left, got %v", users)
	}
}

func TestDirSizeAndFreeBytes(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	if err := store.WriteFile("u1", "a.bin", make([]byte, 100)); err == nil {
		t.Fatalf("expected write into missing user dir to fail")
	}
	dir, _ := store.EnsureUserDir("u1")
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 100), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.WriteFile("u1", "b.bin", make([]byte, 28)); err != nil {
		t.Fatalf("write: %v", err)
	}

	size, err := store.DirSize(root)
	if err != nil || size != 128 {
		t.Fatalf("expected 128 bytes, got %d (%v)", size, err)
	}
	missing, err := store.DirSize(filepath.Join(root, "missing"))
	if err != nil || missing != 0 {
		t.Fatalf("expected missing root to be empty, got %d (%v)", missing, err)
	}
	free, err := store.FreeBytes(root)
	if err != nil || free <= 0 {
		t.Fatalf("expected positive free space, got %d (%v)", free, err)
	}
}

func writeAged(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}
