package media

// SampleRate is the PCM rate every segment is carried at.
const SampleRate = 16000

// Boundary tells why a segment was closed.
type Boundary string

const (
	BoundarySilence     Boundary = "silence"
	BoundaryMaxDuration Boundary = "max-duration"
	BoundaryStreamEnd   Boundary = "stream-end"
)

// Segment is a bounded slice of mono 16 kHz audio selected for one inference call.
type Segment struct {
	Index    int
	Start    float64
	End      float64
	Samples  []float32
	Boundary Boundary
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Backend names an inference engine.
type Backend string

const (
	BackendSenseVoice Backend = "sensevoice"
	BackendWhisper    Backend = "whisper"
)

// TranscriptChunk is one accepted segment transcription.
type TranscriptChunk struct {
	Index    int     `json:"index"`
	Backend  Backend `json:"backend"`
	Model    string  `json:"model,omitempty"`
	Language string  `json:"language"`
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Final    bool    `json:"final"`
}
