package resources

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxConcurrentPerUser = 3
	defaultMaxDiskBytes         = int64(5) << 30
	defaultMinFreeBytes         = int64(1) << 30
)

// DiskProbe measures the output tree and its volume.
type DiskProbe interface {
	DirSize(root string) (int64, error)
	FreeBytes(path string) (int64, error)
}

// Options configures admission limits. Zero values take the defaults.
type Options struct {
	MaxConcurrentPerUser int
	MaxDiskBytes         int64
	MinFreeBytes         int64
}

// Stats is a point-in-time view of ledger and disk usage.
type Stats struct {
	ConcurrentJobs       int   `json:"concurrentJobs"`
	ActiveUsers          int   `json:"activeUsers"`
	MaxConcurrentPerUser int   `json:"maxConcurrentPerUser"`
	UsedBytes            int64 `json:"usedBytes"`
	FreeBytes            int64 `json:"freeBytes"`
	MaxDiskBytes         int64 `json:"maxDiskBytes"`
}

// Ledger tracks per-user concurrent jobs and gates admission.
type Ledger struct {
	opts   Options
	probe  DiskProbe
	logger *logrus.Entry

	mu     sync.Mutex
	counts map[string]int
}

// NewLedger creates a ledger backed by probe for disk checks.
func NewLedger(opts Options, probe DiskProbe, logger *logrus.Entry) *Ledger {
	if opts.MaxConcurrentPerUser <= 0 {
		opts.MaxConcurrentPerUser = defaultMaxConcurrentPerUser
	}
	if opts.MaxDiskBytes <= 0 {
		opts.MaxDiskBytes = defaultMaxDiskBytes
	}
	if opts.MinFreeBytes <= 0 {
		opts.MinFreeBytes = defaultMinFreeBytes
	}
	return &Ledger{
		opts:   opts,
		probe:  probe,
		logger: logger.WithField("component", "ledger"),
		counts: make(map[string]int),
	}
}

// Admit reports whether userID may start another job. It does not reserve a slot.
func (l *Ledger) Admit(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[userID] < l.opts.MaxConcurrentPerUser
}

// Begin records a started job for userID.
func (l *Ledger) Begin(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[userID]++
}

// TryBegin admits and records a job atomically.
func (l *Ledger) TryBegin(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[userID] >= l.opts.MaxConcurrentPerUser {
		return false
	}
	l.counts[userID]++
	return true
}

// End releases one job for userID. The count never drops below zero and the
// entry is removed when it reaches zero.
func (l *Ledger) End(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, ok := l.counts[userID]
	if !ok {
		l.logger.WithField("user_id", userID).Warn("ledger release without matching begin")
		return
	}
	if count <= 1 {
		delete(l.counts, userID)
		return
	}
	l.counts[userID] = count - 1
}

// Active returns the number of running jobs for userID.
func (l *Ledger) Active(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[userID]
}

// Users returns the ids that currently hold at least one slot.
func (l *Ledger) Users() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.counts))
	for id := range l.counts {
		out = append(out, id)
	}
	return out
}

// CheckDiskBudget reports whether rootDir is within the disk budget and its
// volume keeps the minimum free space. Usage exactly at the budget is admitted.
// Probe failures reject.
func (l *Ledger) CheckDiskBudget(rootDir string) bool {
	used, err := l.probe.DirSize(rootDir)
	if err != nil {
		l.logger.WithError(err).Warn("disk usage probe failed")
		return false
	}
	if used > l.opts.MaxDiskBytes {
		l.logger.WithFields(logrus.Fields{"used": used, "max": l.opts.MaxDiskBytes}).Warn("disk budget exceeded")
		return false
	}
	free, err := l.probe.FreeBytes(rootDir)
	if err != nil {
		l.logger.WithError(err).Warn("free space probe failed")
		return false
	}
	if free < l.opts.MinFreeBytes {
		l.logger.WithFields(logrus.Fields{"free": free, "min": l.opts.MinFreeBytes}).Warn("volume free space below minimum")
		return false
	}
	return true
}

// Stats collects counters and disk figures. Probe errors leave the disk fields at zero.
func (l *Ledger) Stats(rootDir string) Stats {
	l.mu.Lock()
	stats := Stats{
		ActiveUsers:          len(l.counts),
		MaxConcurrentPerUser: l.opts.MaxConcurrentPerUser,
		MaxDiskBytes:         l.opts.MaxDiskBytes,
	}
	for _, count := range l.counts {
		stats.ConcurrentJobs += count
	}
	l.mu.Unlock()

	if used, err := l.probe.DirSize(rootDir); err == nil {
		stats.UsedBytes = used
	}
	if free, err := l.probe.FreeBytes(rootDir); err == nil {
		stats.FreeBytes = free
	}
	return stats
}
