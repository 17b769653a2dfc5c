package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"mediaflow/internal/domain/media"
	"mediaflow/internal/infrastructure/process"
)

// Converter wraps ffmpeg/ffprobe calls.
type Converter struct {
	FFmpegPath  string
	FFprobePath string
}

// NewConverter creates ffmpeg adapter using the given binaries.
func NewConverter(ffmpegPath, ffprobePath string) *Converter {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	return &Converter{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// StreamPCM decodes input (a local path or URL) into mono 16 kHz signed 16-bit
// little-endian PCM. A read that waits longer than idle fails with media.ErrTimeout.
func (c *Converter) StreamPCM(ctx context.Context, input string, headers map[string]string, idle time.Duration) (io.ReadCloser, error) {
	stream, err := process.Start(ctx, c.FFmpegPath, pcmArgs(input, headers)...)
	if err != nil {
		return nil, err
	}
	return &pcmStream{
		reader: process.NewIdleReader(ctx, stream, idle),
		stream: stream,
		idle:   idle,
	}, nil
}

type pcmStream struct {
	reader *process.IdleReader
	stream *process.Stream
	idle   time.Duration
	eof    bool
}

func (p *pcmStream) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		p.eof = true
	case errors.Is(err, process.ErrIdleTimeout):
		err = fmt.Errorf("%w: no audio from ffmpeg for %s", media.ErrTimeout, p.idle)
	}
	return n, err
}

// Close reports the ffmpeg exit status once stdout was drained. A stream closed
// early is killed so a hung decoder cannot block Close.
func (p *pcmStream) Close() error {
	if !p.eof {
		p.stream.Kill()
		_ = p.stream.Close()
		return nil
	}
	return p.stream.Close()
}

func pcmArgs(input string, headers map[string]string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if h := headerBlock(headers); h != "" {
		args = append(args, "-headers", h)
	}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
	}
	return append(args,
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(media.SampleRate),
		"-f", "s16le",
		"pipe:1",
	)
}

func headerBlock(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}

// ConvertAudio converts inputPath into an MP3 at outputPath and reports percentage.
// Progress never exceeds 99 until the output is in place.
func (c *Converter) ConvertAudio(ctx context.Context, inputPath, outputPath string, onProgress func(float64)) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}

	duration, _ := c.ProbeDuration(ctx, inputPath)
	totalUs := int64(duration * 1e6)

	tmpPath := outputPath + ".tmp.mp3"
	_ = os.Remove(tmpPath)

	args := []string{
		"-y",
		"-hide_banner",
		"-nostdin",
		"-i", inputPath,
		"-vn",
		"-c:a", "libmp3lame",
		"-q:a", "2",
		"-progress", "pipe:1",
		"-nostats",
		"-f", "mp3",
		tmpPath,
	}

	last := -1.0
	err := process.Scan(ctx, func(line string) {
		if totalUs <= 0 || onProgress == nil {
			return
		}
		us, ok := parseOutTime(line)
		if !ok {
			return
		}
		percent := float64(us) / float64(totalUs) * 100
		if percent > 99 {
			percent = 99
		}
		if percent > last {
			last = percent
			onProgress(percent)
		}
	}, c.FFmpegPath, args...)
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	_ = os.Remove(outputPath)
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// parseOutTime reads a -progress line. Both out_time_us and the misnamed
// out_time_ms carry microseconds.
func parseOutTime(line string) (int64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || (key != "out_time_us" && key != "out_time_ms") {
		return 0, false
	}
	us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return us, true
}

// ProbeDuration returns the container duration in seconds.
func (c *Converter) ProbeDuration(ctx context.Context, inputPath string) (float64, error) {
	out, err := process.Run(ctx, c.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		inputPath,
	)
	if err != nil {
		return 0, err
	}
	return parseDuration(string(out))
}

func parseDuration(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "N/A" {
		return 0, fmt.Errorf("duration missing")
	}
	return strconv.ParseFloat(value, 64)
}
