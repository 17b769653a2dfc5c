package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"mediaflow/internal/application/progress"
	"mediaflow/internal/application/resources"
	"mediaflow/internal/domain/media"
	"mediaflow/internal/infrastructure/filesystem"
	"mediaflow/internal/logger"
)

type stubBooks struct {
	users     []string
	forgotten []string
}

func (s *stubBooks) TrackedUsers() []string { return s.users }
func (s *stubBooks) ForgetUser(userID string) {
	s.forgotten = append(s.forgotten, userID)
}

type fixture struct {
	root     string
	files    *filesystem.Store
	progress *progress.Store
	ledger   *resources.Ledger
	books    *stubBooks
	janitor  *Janitor
	now      time.Time
}

func newFixture(t *testing.T, maxUserFiles int) *fixture {
	t.Helper()
	root := t.TempDir()
	now := time.Now()
	files := filesystem.NewStore(root)
	store := progress.NewStore(progress.Options{Retention: time.Hour, EvictActive: true}, logger.Discard())
	ledger := resources.NewLedger(resources.Options{}, files, logger.Discard())
	books := &stubBooks{}
	j := New(files, store, ledger, books, Options{
		Root:         root,
		MaxFileAge:   24 * time.Hour,
		MaxUserFiles: maxUserFiles,
		Now:          func() time.Time { return now },
	}, logger.Discard())
	return &fixture{root: root, files: files, progress: store, ledger: ledger, books: books, janitor: j, now: now}
}

func (f *fixture) write(t *testing.T, userID, name string, age time.Duration) {
	t.Helper()
	dir := filepath.Join(f.root, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mod := f.now.Add(-age)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func (f *fixture) names(t *testing.T, userID string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.root, userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		t.Fatalf("readdir: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func TestRunOnceDeletesOnlyExpiredFiles(t *testing.T) {
	f := newFixture(t, 50)
	f.write(t, "u1", "old.mp3", 48*time.Hour)
	f.write(t, "u1", "older.mp3", 72*time.Hour)
	f.write(t, "u1", "new.mp3", time.Hour)

	report := f.janitor.RunOnce(context.Background())

	if got := f.names(t, "u1"); len(got) != 1 || got[0] != "new.mp3" {
		t.Fatalf("expected only new.mp3 left, got %v", got)
	}
	if report.FilesRemoved != 2 || report.DirsRemoved != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunOnceRemovesEmptiedDirectory(t *testing.T) {
	f := newFixture(t, 50)
	f.write(t, "u1", "old.mp3", 48*time.Hour)

	report := f.janitor.RunOnce(context.Background())

	if _, err := os.Stat(filepath.Join(f.root, "u1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected user directory removed, got %v", err)
	}
	if report.DirsRemoved != 1 {
		t.Fatalf("expected one directory removed, got %+v", report)
	}
}

func TestRunOnceEnforcesFileCapOldestFirst(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 4; i++ {
		f.write(t, "u1", fmt.Sprintf("f%d.mp3", i), time.Duration(i+1)*time.Hour)
	}

	f.janitor.RunOnce(context.Background())

	got := f.names(t, "u1")
	if len(got) != 2 || got[0] != "f0.mp3" || got[1] != "f1.mp3" {
		t.Fatalf("expected two newest files kept, got %v", got)
	}
}

func TestRunOnceSkipsUsersWithActiveJobs(t *testing.T) {
	f := newFixture(t, 50)
	f.write(t, "busy", "old.mp3", 48*time.Hour)
	f.write(t, "running", "old.mp3", 48*time.Hour)
	f.write(t, "idle", "old.mp3", 48*time.Hour)
	f.progress.Upsert("j1", "busy", media.Downloading("clip", 10, ""))
	f.ledger.Begin("running")

	report := f.janitor.RunOnce(context.Background())

	if len(f.names(t, "busy")) != 1 || len(f.names(t, "running")) != 1 {
		t.Fatalf("expected active users untouched")
	}
	if len(f.names(t, "idle")) != 0 {
		t.Fatalf("expected idle user cleaned")
	}
	if report.UsersSkipped != 2 {
		t.Fatalf("expected 2 skipped users, got %+v", report)
	}
}

func TestRunOnceForgetsIdleBookkeeping(t *testing.T) {
	f := newFixture(t, 50)
	f.write(t, "keeps-files", "new.mp3", time.Minute)
	f.progress.Upsert("j1", "has-progress", media.Finished("", nil))
	f.books.users = []string{"keeps-files", "has-progress", "gone"}

	report := f.janitor.RunOnce(context.Background())

	if len(f.books.forgotten) != 1 || f.books.forgotten[0] != "gone" {
		t.Fatalf("expected only gone forgotten, got %v", f.books.forgotten)
	}
	if report.UsersForgotten != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

type failingStore struct {
	*filesystem.Store
	failUser string
}

func (s failingStore) ListFiles(userID string) ([]media.StoredFile, error) {
	if userID == s.failUser {
		return nil, errors.New("permission denied")
	}
	return s.Store.ListFiles(userID)
}

func TestRunOnceIsolatesPerUserFailures(t *testing.T) {
	f := newFixture(t, 50)
	f.write(t, "a-broken", "old.mp3", 48*time.Hour)
	f.write(t, "b-fine", "old.mp3", 48*time.Hour)

	j := New(failingStore{Store: f.files, failUser: "a-broken"}, f.progress, f.ledger, nil, Options{
		Root: f.root,
		Now:  func() time.Time { return f.now },
	}, logger.Discard())

	report := j.RunOnce(context.Background())

	if report.Failures != 1 {
		t.Fatalf("expected one failure, got %+v", report)
	}
	if len(f.names(t, "b-fine")) != 0 {
		t.Fatalf("expected cleanup to continue past failing user")
	}
}

func TestRunOnceEvictsStaleProgress(t *testing.T) {
	f := newFixture(t, 50)
	clock := f.now
	store := progress.NewStore(progress.Options{Retention: time.Hour, EvictActive: true, Now: func() time.Time { return clock }}, logger.Discard())
	store.Upsert("j1", "u1", media.Finished("", nil))
	clock = clock.Add(2 * time.Hour)

	j := New(f.files, store, f.ledger, nil, Options{Root: f.root}, logger.Discard())
	report := j.RunOnce(context.Background())

	if report.ProgressEvicted != 1 || store.Len() != 0 {
		t.Fatalf("expected stale progress evicted, got %+v (len %d)", report, store.Len())
	}
}
