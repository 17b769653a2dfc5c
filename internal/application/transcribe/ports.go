package transcribe

import (
	"context"

	"mediaflow/internal/domain/media"
)

// Result is one backend reply for a sample buffer.
type Result struct {
	Text     string
	Language string
}

// Backend is a speech recognition engine.
type Backend interface {
	Name() media.Backend
	Model() string
	Available() bool
	Transcribe(ctx context.Context, samples []float32, language string) (Result, error)
}

// Detector identifies the spoken language of a sample buffer.
type Detector interface {
	DetectLanguage(ctx context.Context, samples []float32) (string, error)
}
