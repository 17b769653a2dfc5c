package events

import (
	"errors"
	"sync"
	"time"

	"mediaflow/internal/domain/media"
)

// Type classifies job events.
type Type string

const (
	TypeStatus Type = "status"
	TypeChunk  Type = "chunk"
)

const (
	defaultMaxEvents  = 1000
	subscriberBacklog = 64
)

// ErrStreamNotFound is returned for jobs without an event stream.
var ErrStreamNotFound = errors.New("event stream not found")

// Event is one sequenced frame of a job's live stream.
type Event struct {
	Seq       int64                  `json:"seq"`
	JobID     string                 `json:"jobId"`
	Type      Type                   `json:"type"`
	Status    *media.Status          `json:"status,omitempty"`
	Chunk     *media.TranscriptChunk `json:"chunk,omitempty"`
	Final     bool                   `json:"final"`
	Timestamp time.Time              `json:"timestamp"`
}

type stream struct {
	nextSeq     int64
	events      []Event
	closed      bool
	subscribers map[int]chan Event
}

// Hub keeps a bounded event log per job and fans new events out to subscribers.
type Hub struct {
	maxEvents int
	now       func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
	nextSub int
}

// NewHub creates a hub keeping at most maxEvents per job.
func NewHub(maxEvents int) *Hub {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Hub{
		maxEvents: maxEvents,
		now:       func() time.Time { return time.Now().UTC() },
		streams:   make(map[string]*stream),
	}
}

// Open creates the stream for jobID. Opening an existing stream is a no-op.
func (h *Hub) Open(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[jobID]; ok {
		return
	}
	h.streams[jobID] = &stream{subscribers: map[int]chan Event{}}
}

// PublishStatus appends a status transition. Terminal statuses close the stream.
func (h *Hub) PublishStatus(jobID string, status media.Status) (Event, bool) {
	snapshot := status.Clone()
	return h.publish(Event{JobID: jobID, Type: TypeStatus, Status: &snapshot, Final: status.Terminal()})
}

// PublishChunk appends a transcript chunk.
func (h *Hub) PublishChunk(jobID string, chunk media.TranscriptChunk) (Event, bool) {
	return h.publish(Event{JobID: jobID, Type: TypeChunk, Chunk: &chunk})
}

func (h *Hub) publish(event Event) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[event.JobID]
	if !ok || s.closed {
		return Event{}, false
	}

	s.nextSeq++
	event.Seq = s.nextSeq
	event.Timestamp = h.now()

	s.events = append(s.events, event)
	if len(s.events) > h.maxEvents {
		trim := len(s.events) - h.maxEvents
		s.events = append([]Event(nil), s.events[trim:]...)
	}

	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscribers catch up through Since.
		}
	}

	if event.Final {
		s.closed = true
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
	}
	return event, true
}

// Since returns retained events with sequence strictly greater than seq.
func (h *Hub) Since(jobID string, seq int64) ([]Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[jobID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return since(s, seq), nil
}

func since(s *stream, seq int64) []Event {
	out := make([]Event, 0, len(s.events))
	for _, event := range s.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe returns the retained events after seq and a channel of later ones.
// The channel is closed after the final event or when the stream is dropped;
// the cleanup callback may be called any number of times.
func (h *Hub) Subscribe(jobID string, seq int64) ([]Event, <-chan Event, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[jobID]
	if !ok {
		return nil, nil, nil, ErrStreamNotFound
	}

	replay := since(s, seq)
	ch := make(chan Event, subscriberBacklog)
	if s.closed {
		close(ch)
		return replay, ch, func() {}, nil
	}

	h.nextSub++
	subID := h.nextSub
	s.subscribers[subID] = ch

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			current, exists := h.streams[jobID]
			if !exists {
				return
			}
			if sub, ok := current.subscribers[subID]; ok {
				delete(current.subscribers, subID)
				close(sub)
			}
		})
	}
	return replay, ch, cleanup, nil
}

// Drop discards the streams of jobIDs and closes their subscribers.
func (h *Hub) Drop(jobIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, jobID := range jobIDs {
		s, ok := h.streams[jobID]
		if !ok {
			continue
		}
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		delete(h.streams, jobID)
	}
}

// Len returns the number of open or retained streams.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
