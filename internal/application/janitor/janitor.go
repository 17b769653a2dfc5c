package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mediaflow/internal/application/resources"
	"mediaflow/internal/domain/media"
)

const (
	defaultInterval          = 30 * time.Minute
	defaultMaxFileAge        = 24 * time.Hour
	defaultMaxUserFiles      = 50
	defaultProgressRetention = time.Hour
)

// FileStore is the per-user output tree the janitor prunes.
type FileStore interface {
	ListUsers() ([]string, error)
	ListFiles(userID string) ([]media.StoredFile, error)
	RemoveFile(userID, name string) error
	RemoveDirIfEmpty(userID string) (bool, error)
}

// ProgressTracker exposes the progress store operations used during cleanup.
type ProgressTracker interface {
	HasActive(userID string) bool
	HasUser(userID string) bool
	EvictOlderThan(age time.Duration) []string
}

// JobCounter reports running jobs per user.
type JobCounter interface {
	Active(userID string) int
	Stats(rootDir string) resources.Stats
}

// Bookkeeping is in-memory per-user state that outlives individual jobs.
type Bookkeeping interface {
	TrackedUsers() []string
	ForgetUser(userID string)
}

// Options configures cleanup thresholds. Zero values take the defaults.
type Options struct {
	Root              string
	Interval          time.Duration
	MaxFileAge        time.Duration
	MaxUserFiles      int
	ProgressRetention time.Duration
	Now               func() time.Time
}

// Report summarises one cleanup cycle.
type Report struct {
	UsersScanned    int
	UsersSkipped    int
	FilesRemoved    int
	DirsRemoved     int
	Failures        int
	ProgressEvicted int
	UsersForgotten  int
}

// Janitor periodically reclaims expired files and stale in-memory state.
type Janitor struct {
	files    FileStore
	progress ProgressTracker
	jobs     JobCounter
	books    Bookkeeping
	opts     Options
	logger   *logrus.Entry

	startOnce sync.Once
	runMu     sync.Mutex
}

// New creates a janitor. books may be nil.
func New(files FileStore, progress ProgressTracker, jobs JobCounter, books Bookkeeping, opts Options, logger *logrus.Entry) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxFileAge <= 0 {
		opts.MaxFileAge = defaultMaxFileAge
	}
	if opts.MaxUserFiles <= 0 {
		opts.MaxUserFiles = defaultMaxUserFiles
	}
	if opts.ProgressRetention <= 0 {
		opts.ProgressRetention = defaultProgressRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{
		files:    files,
		progress: progress,
		jobs:     jobs,
		books:    books,
		opts:     opts,
		logger:   logger.WithField("component", "janitor"),
	}
}

// Start runs a cycle immediately and then every interval until ctx is done.
// Calling Start more than once has no effect.
func (j *Janitor) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		j.logger.WithField("interval", j.opts.Interval.String()).Info("janitor enabled")
		go j.loop(ctx)
	})
}

func (j *Janitor) loop(ctx context.Context) {
	j.RunOnce(ctx)

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce executes one cleanup cycle. Cycles never overlap.
func (j *Janitor) RunOnce(ctx context.Context) Report {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	var report Report
	j.sweepFiles(ctx, &report)

	evicted := j.progress.EvictOlderThan(j.opts.ProgressRetention)
	report.ProgressEvicted = len(evicted)

	j.forgetIdleUsers(&report)

	stats := j.jobs.Stats(j.opts.Root)
	j.logger.WithFields(logrus.Fields{
		"users_scanned":    report.UsersScanned,
		"users_skipped":    report.UsersSkipped,
		"files_removed":    report.FilesRemoved,
		"dirs_removed":     report.DirsRemoved,
		"failures":         report.Failures,
		"progress_evicted": report.ProgressEvicted,
		"users_forgotten":  report.UsersForgotten,
		"concurrent_jobs":  stats.ConcurrentJobs,
		"used_bytes":       stats.UsedBytes,
		"free_bytes":       stats.FreeBytes,
	}).Info("cleanup cycle finished")
	return report
}

func (j *Janitor) sweepFiles(ctx context.Context, report *Report) {
	users, err := j.files.ListUsers()
	if err != nil {
		j.logger.WithError(err).Warn("listing user directories failed")
		report.Failures++
		return
	}

	cutoff := j.opts.Now().Add(-j.opts.MaxFileAge)
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		report.UsersScanned++
		if j.progress.HasActive(userID) || j.jobs.Active(userID) > 0 {
			report.UsersSkipped++
			continue
		}
		if err := j.sweepUser(userID, cutoff, report); err != nil {
			report.Failures++
			j.logger.WithError(err).WithField("user_id", userID).Warn("user cleanup failed")
		}
	}
}

func (j *Janitor) sweepUser(userID string, cutoff time.Time, report *Report) error {
	files, err := j.files.ListFiles(userID)
	if err != nil {
		return err
	}

	// files is newest first; walk from the oldest end.
	remaining := len(files)
	var firstErr error
	for i := len(files) - 1; i >= 0; i-- {
		file := files[i]
		expired := file.ModifiedAt.Before(cutoff)
		overCap := remaining > j.opts.MaxUserFiles
		if !expired && !overCap {
			continue
		}
		if err := j.files.RemoveFile(userID, file.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		remaining--
		report.FilesRemoved++
	}

	removed, err := j.files.RemoveDirIfEmpty(userID)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if removed {
		report.DirsRemoved++
	}
	return firstErr
}

func (j *Janitor) forgetIdleUsers(report *Report) {
	if j.books == nil {
		return
	}
	for _, userID := range j.books.TrackedUsers() {
		if j.progress.HasUser(userID) {
			continue
		}
		files, err := j.files.ListFiles(userID)
		if err != nil || len(files) > 0 {
			continue
		}
		j.books.ForgetUser(userID)
		report.UsersForgotten++
	}
}
