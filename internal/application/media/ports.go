package media

import (
	"context"
	"io"
	"time"

	mediadomain "mediaflow/internal/domain/media"
)

// Extractor is an application port for resolving and downloading remote media.
type Extractor interface {
	Probe(ctx context.Context, url string) (mediadomain.SourceInfo, error)
	DownloadVideo(ctx context.Context, url, outputPath string, onProgress func(mediadomain.DownloadProgress)) error
	DownloadAudio(ctx context.Context, url, outputPath string, onProgress func(mediadomain.DownloadProgress)) error
}

// Transcoder is an application port for decoding and converting audio.
type Transcoder interface {
	StreamPCM(ctx context.Context, input string, headers map[string]string, idle time.Duration) (io.ReadCloser, error)
	ConvertAudio(ctx context.Context, inputPath, outputPath string, onProgress func(float64)) error
}

// FileStore is the per-user output tree jobs write into.
type FileStore interface {
	Reserve(userID, title, ext, seed string) (string, string, error)
	WriteFile(userID, name string, data []byte) error
	RemoveFile(userID, name string) error
	Stat(userID, name string) (mediadomain.StoredFile, error)
	ListFiles(userID string) ([]mediadomain.StoredFile, error)
	ResolveFile(userID, name string) (string, error)
}
