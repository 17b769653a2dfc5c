package transcribe

import (
	"sync"

	"mediaflow/internal/domain/media"
)

type pendingResult struct {
	chunk    media.TranscriptChunk
	accepted bool
}

// Assembler releases chunks in segment-index order. Out-of-order completions
// wait until every lower index has been added.
type Assembler struct {
	emit func(media.TranscriptChunk)

	mu      sync.Mutex
	next    int
	pending map[int]pendingResult
}

// NewAssembler creates an assembler that passes released chunks to emit.
// emit is called with the assembler lock held, one chunk at a time.
func NewAssembler(emit func(media.TranscriptChunk)) *Assembler {
	return &Assembler{emit: emit, pending: make(map[int]pendingResult)}
}

// Add records the outcome for index. Rejected results advance the cursor without emitting.
func (a *Assembler) Add(index int, chunk media.TranscriptChunk, accepted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < a.next {
		return
	}
	if _, dup := a.pending[index]; dup {
		return
	}
	a.pending[index] = pendingResult{chunk: chunk, accepted: accepted}

	for {
		res, ok := a.pending[a.next]
		if !ok {
			return
		}
		delete(a.pending, a.next)
		a.next++
		if res.accepted {
			a.emit(res.chunk)
		}
	}
}

// Next returns the lowest index not yet released.
func (a *Assembler) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Pending returns the number of buffered out-of-order results.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
