package progress

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mediaflow/internal/domain/media"
)

const defaultRetention = time.Hour

// Options configures retention. EvictActive keeps age-based eviction of
// in-flight entries; set it to false to evict only terminal entries.
type Options struct {
	Retention   time.Duration
	EvictActive bool
	Now         func() time.Time
}

type entry struct {
	userID    string
	status    media.Status
	updatedAt time.Time
}

// Store maps job ids to their latest status.
type Store struct {
	retention   time.Duration
	evictActive bool
	now         func() time.Time
	logger      *logrus.Entry

	mu      sync.RWMutex
	entries map[string]entry

	hookMu sync.Mutex
	hooks  []func(ids []string)
}

// NewStore creates an empty progress store.
func NewStore(opts Options, logger *logrus.Entry) *Store {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		retention:   opts.Retention,
		evictActive: opts.EvictActive,
		now:         opts.Now,
		logger:      logger.WithField("component", "progress"),
		entries:     make(map[string]entry),
	}
}

// OnEvict registers fn to run after entries are evicted. fn runs without store locks held.
func (s *Store) OnEvict(fn func(ids []string)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Upsert replaces the status for jobID and refreshes its timestamp. A terminal
// entry is immutable; writes over it are ignored and reported as false.
func (s *Store) Upsert(jobID, userID string, status media.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.entries[jobID]; ok && current.status.Terminal() {
		s.logger.WithFields(logrus.Fields{
			"job_id":  jobID,
			"current": current.status.State,
			"next":    status.State,
		}).Debug("ignoring write to terminal status")
		return false
	}
	s.entries[jobID] = entry{userID: userID, status: status.Clone(), updatedAt: s.now()}
	return true
}

// Get returns a snapshot of jobID's status, or the not-found status.
// Stale entries are evicted first.
func (s *Store) Get(jobID string) (media.Status, bool) {
	s.EvictOlderThan(s.retention)

	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.entries[jobID]
	if !ok {
		return media.NotFound(), false
	}
	return current.status.Clone(), true
}

// EvictOlderThan removes entries last updated more than age ago and returns their ids.
func (s *Store) EvictOlderThan(age time.Duration) []string {
	cutoff := s.now().Add(-age)

	s.mu.RLock()
	stale := s.staleLocked(cutoff)
	s.mu.RUnlock()
	if len(stale) == 0 {
		return nil
	}

	s.mu.Lock()
	evicted := make([]string, 0, len(stale))
	for _, id := range s.staleLocked(cutoff) {
		delete(s.entries, id)
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.WithField("count", len(evicted)).Debug("evicted stale progress")
		s.fireHooks(evicted)
	}
	return evicted
}

// HasActive reports whether userID owns a non-terminal entry.
func (s *Store) HasActive(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.userID == userID && !e.status.Terminal() {
			return true
		}
	}
	return false
}

// HasUser reports whether userID owns any entry.
func (s *Store) HasUser(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.userID == userID {
			return true
		}
	}
	return false
}

// Len returns the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) staleLocked(cutoff time.Time) []string {
	var ids []string
	for id, e := range s.entries {
		if !e.updatedAt.Before(cutoff) {
			continue
		}
		if !s.evictActive && !e.status.Terminal() {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) fireHooks(ids []string) {
	s.hookMu.Lock()
	hooks := make([]func([]string), len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.Unlock()

	for _, fn := range hooks {
		fn(ids)
	}
}
