package media

import (
	"encoding/json"
	"time"
)

// Kind describes what a job produces.
type Kind string

const (
	KindDownload   Kind = "download"
	KindAudio      Kind = "audio"
	KindTranscribe Kind = "transcribe"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDownload, KindAudio, KindTranscribe:
		return true
	default:
		return false
	}
}

// State is the tag of a job status.
type State string

const (
	StateNotFound     State = "not_found"
	StateInitializing State = "initializing"
	StatePreparing    State = "preparing"
	StateDownloading  State = "downloading"
	StateConverting   State = "converting"
	StateProcessing   State = "processing"
	StateFinished     State = "finished"
	StateError        State = "error"
)

// Job is one user-initiated long-running operation.
type Job struct {
	ID        string
	UserID    string
	Kind      Kind
	URL       string
	Language  string
	CreatedAt time.Time
}

// Artifact references a finished file inside the owner's directory.
type Artifact struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Status is the tagged progress record exposed to pollers.
// Only the fields that belong to State are meaningful.
type Status struct {
	State State

	// Downloading, Converting, Processing.
	Percent       float64
	Indeterminate bool

	// Downloading.
	Rate string

	// Processing.
	Chunks int

	Title     string
	Artifacts []Artifact
	Message   string
}

// NotFound is returned for ids the store has never seen or already evicted.
func NotFound() Status { return Status{State: StateNotFound} }

// Initializing is the first status written for an admitted job.
func Initializing() Status { return Status{State: StateInitializing} }

// Preparing marks source resolution.
func Preparing(title string) Status { return Status{State: StatePreparing, Title: title} }

// Downloading reports transfer progress. A negative percent means the total is unknown.
func Downloading(title string, percent float64, rate string) Status {
	s := Status{State: StateDownloading, Title: title, Rate: rate}
	if percent < 0 {
		s.Indeterminate = true
	} else {
		s.Percent = clampPercent(percent)
	}
	return s
}

// Converting reports transcode progress. A negative percent means the total is unknown.
func Converting(title string, percent float64) Status {
	s := Status{State: StateConverting, Title: title}
	if percent < 0 {
		s.Indeterminate = true
	} else {
		s.Percent = clampPercent(percent)
	}
	return s
}

// Processing reports segmentation and transcription activity.
func Processing(title string, percent float64, chunks int) Status {
	s := Status{State: StateProcessing, Title: title, Chunks: chunks}
	if percent < 0 {
		s.Indeterminate = true
	} else {
		s.Percent = clampPercent(percent)
	}
	return s
}

// Finished is the terminal success status.
func Finished(title string, artifacts []Artifact) Status {
	out := make([]Artifact, len(artifacts))
	copy(out, artifacts)
	return Status{State: StateFinished, Title: title, Artifacts: out}
}

// Failed is the terminal error status.
func Failed(title, message string) Status {
	return Status{State: StateError, Title: title, Message: message}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s.State == StateFinished || s.State == StateError
}

// Clone returns a copy that shares no slices with s.
func (s Status) Clone() Status {
	if s.Artifacts != nil {
		artifacts := make([]Artifact, len(s.Artifacts))
		copy(artifacts, s.Artifacts)
		s.Artifacts = artifacts
	}
	return s
}

// MarshalJSON encodes only the fields that belong to the status tag.
func (s Status) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"state": s.State}
	if s.Title != "" {
		out["title"] = s.Title
	}
	switch s.State {
	case StateDownloading, StateConverting, StateProcessing:
		if s.Indeterminate {
			out["indeterminate"] = true
		} else {
			out["percent"] = s.Percent
		}
		if s.State == StateDownloading && s.Rate != "" {
			out["rate"] = s.Rate
		}
		if s.State == StateProcessing {
			out["chunks"] = s.Chunks
		}
	case StateFinished:
		artifacts := s.Artifacts
		if artifacts == nil {
			artifacts = []Artifact{}
		}
		out["artifacts"] = artifacts
	case StateError:
		out["error"] = s.Message
	}
	return json.Marshal(out)
}

// CanTransition enforces the job state machine edges.
func CanTransition(from, to State) bool {
	switch from {
	case StateInitializing:
		return to == StatePreparing || to == StateError
	case StatePreparing:
		return to == StatePreparing || to == StateDownloading || to == StateConverting ||
			to == StateProcessing || to == StateFinished || to == StateError
	case StateDownloading:
		return to == StateDownloading || to == StateConverting || to == StateProcessing ||
			to == StateFinished || to == StateError
	case StateConverting:
		return to == StateConverting || to == StateFinished || to == StateError
	case StateProcessing:
		return to == StateProcessing || to == StateFinished || to == StateError
	default:
		return false
	}
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
