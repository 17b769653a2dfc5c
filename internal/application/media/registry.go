package media

import (
	"context"
	"sort"
	"sync"

	"mediaflow/internal/domain/media"
)

type jobState struct {
	job    media.Job
	cancel context.CancelCauseFunc
	done   chan struct{}

	transcript []media.TranscriptChunk
}

type jobRegistry struct {
	mu    sync.Mutex
	jobs  map[string]*jobState
	users map[string]map[string]struct{}
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{
		jobs:  make(map[string]*jobState),
		users: make(map[string]map[string]struct{}),
	}
}

func (j *jobRegistry) Add(state *jobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[state.job.ID] = state
	ids := j.users[state.job.UserID]
	if ids == nil {
		ids = make(map[string]struct{})
		j.users[state.job.UserID] = ids
	}
	ids[state.job.ID] = struct{}{}
}

func (j *jobRegistry) Get(id string) (*jobState, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.jobs[id]
	return state, ok
}

func (j *jobRegistry) AppendChunk(id string, chunk media.TranscriptChunk) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if state, ok := j.jobs[id]; ok {
		state.transcript = append(state.transcript, chunk)
	}
}

func (j *jobRegistry) Transcript(id string) ([]media.TranscriptChunk, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.jobs[id]
	if !ok {
		return nil, false
	}
	out := make([]media.TranscriptChunk, len(state.transcript))
	copy(out, state.transcript)
	return out, true
}

func (j *jobRegistry) Running() []*jobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*jobState, 0, len(j.jobs))
	for _, state := range j.jobs {
		if !isDone(state) {
			out = append(out, state)
		}
	}
	return out
}

// Remove deletes finished jobs among ids and returns the ones removed.
// Running jobs stay registered.
func (j *jobRegistry) Remove(ids []string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		state, ok := j.jobs[id]
		if !ok || !isDone(state) {
			continue
		}
		j.removeLocked(state)
		removed = append(removed, id)
	}
	return removed
}

func (j *jobRegistry) removeLocked(state *jobState) {
	delete(j.jobs, state.job.ID)
	if ids := j.users[state.job.UserID]; ids != nil {
		delete(ids, state.job.ID)
		if len(ids) == 0 {
			delete(j.users, state.job.UserID)
		}
	}
}

func (j *jobRegistry) Users() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.users))
	for userID := range j.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// ForgetUser drops the user's finished jobs and returns their ids.
func (j *jobRegistry) ForgetUser(userID string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var removed []string
	for id := range j.users[userID] {
		state := j.jobs[id]
		if state == nil {
			delete(j.users[userID], id)
			continue
		}
		if isDone(state) {
			j.removeLocked(state)
			removed = append(removed, id)
		}
	}
	if ids := j.users[userID]; ids != nil && len(ids) == 0 {
		delete(j.users, userID)
	}
	return removed
}

func isDone(state *jobState) bool {
	select {
	case <-state.done:
		return true
	default:
		return false
	}
}
