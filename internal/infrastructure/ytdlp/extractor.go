package ytdlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"mediaflow/internal/domain/media"
	"mediaflow/internal/infrastructure/process"
)

const (
	progressPrefix = "mfp|"
	progressFormat = "download:" + progressPrefix +
		"%(progress.downloaded_bytes)s|%(progress.total_bytes)s|%(progress.total_bytes_estimate)s|%(progress.speed)s"

	videoFormat = "bv*+ba/b"
	audioFormat = "bestaudio/best"
)

// Extractor wraps the yt-dlp binary.
type Extractor struct {
	Path   string
	logger *logrus.Entry
}

// NewExtractor creates an extractor calling the binary at path.
func NewExtractor(path string, logger *logrus.Entry) *Extractor {
	if strings.TrimSpace(path) == "" {
		path = "yt-dlp"
	}
	return &Extractor{Path: path, logger: logger.WithField("component", "ytdlp")}
}

// Probe resolves metadata and the preferred audio stream for url.
func (e *Extractor) Probe(ctx context.Context, url string) (media.SourceInfo, error) {
	out, err := process.Run(ctx, e.Path, "-J", "--no-playlist", "--no-warnings", "--socket-timeout", "30", url)
	if err != nil {
		return media.SourceInfo{}, err
	}
	info, err := parseInfo(out)
	if err != nil {
		return media.SourceInfo{}, err
	}
	e.logger.WithFields(logrus.Fields{
		"extractor":    info.Extractor,
		"duration":     info.Duration,
		"audio_format": info.AudioFormat,
	}).Debug("probe finished")
	return info, nil
}

// DownloadVideo fetches the best muxed rendition of url into outputPath as mp4.
func (e *Extractor) DownloadVideo(ctx context.Context, url, outputPath string, onProgress func(media.DownloadProgress)) error {
	return e.download(ctx, url, videoFormat, outputPath, onProgress)
}

// DownloadAudio fetches the best audio-only rendition of url into outputPath.
func (e *Extractor) DownloadAudio(ctx context.Context, url, outputPath string, onProgress func(media.DownloadProgress)) error {
	return e.download(ctx, url, audioFormat, outputPath, onProgress)
}

func (e *Extractor) download(ctx context.Context, url, format, outputPath string, onProgress func(media.DownloadProgress)) error {
	args := downloadArgs(url, format, outputPath)
	e.logger.WithFields(logrus.Fields{"format": format, "output": outputPath}).Debug("download started")
	return process.Scan(ctx, func(line string) {
		if progress, ok := parseProgress(line); ok && onProgress != nil {
			onProgress(progress)
		}
	}, e.Path, args...)
}

// downloadArgs overwrites outputPath, which callers reserve as an empty file beforehand.
func downloadArgs(url, format, outputPath string) []string {
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"--force-overwrites",
		"--socket-timeout", "30",
		"--progress-template", progressFormat,
		"-f", format,
		"-o", outputPath,
	}
	if format == videoFormat {
		args = append(args, "--merge-output-format", "mp4")
	}
	return append(args, url)
}

type infoJSON struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Duration    float64           `json:"duration"`
	Extractor   string            `json:"extractor"`
	WebpageURL  string            `json:"webpage_url"`
	Ext         string            `json:"ext"`
	URL         string            `json:"url"`
	HTTPHeaders map[string]string `json:"http_headers"`
	Formats     []formatJSON      `json:"formats"`
}

type formatJSON struct {
	FormatID    string            `json:"format_id"`
	URL         string            `json:"url"`
	Ext         string            `json:"ext"`
	ACodec      string            `json:"acodec"`
	VCodec      string            `json:"vcodec"`
	ABR         float64           `json:"abr"`
	Protocol    string            `json:"protocol"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

func parseInfo(data []byte) (media.SourceInfo, error) {
	var raw infoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return media.SourceInfo{}, fmt.Errorf("decode yt-dlp info: %w", err)
	}
	if raw.ID == "" && raw.Title == "" && len(raw.Formats) == 0 && raw.URL == "" {
		return media.SourceInfo{}, errors.New("yt-dlp returned no media")
	}

	info := media.SourceInfo{
		ID:         raw.ID,
		Title:      strings.TrimSpace(raw.Title),
		Duration:   raw.Duration,
		Extractor:  raw.Extractor,
		WebpageURL: raw.WebpageURL,
		Ext:        raw.Ext,
	}

	if best, ok := pickAudio(raw.Formats); ok {
		info.AudioURL = best.URL
		info.AudioFormat = best.FormatID
		info.AudioHeaders = best.HTTPHeaders
	} else if raw.URL != "" {
		info.AudioURL = raw.URL
		info.AudioHeaders = raw.HTTPHeaders
	}
	return info, nil
}

// pickAudio prefers audio-only formats by codec (mp4a, m4a, opus, vorbis) and
// then by bitrate. Muxed formats are used only when no audio-only one exists.
func pickAudio(formats []formatJSON) (formatJSON, bool) {
	var (
		best      formatJSON
		bestScore = -1
		found     bool
	)
	for _, f := range formats {
		if f.URL == "" || f.ACodec == "none" || f.Protocol == "mhtml" {
			continue
		}
		score := 0
		if f.VCodec == "none" {
			score = 100 - 10*codecRank(f)
		}
		if !found || score > bestScore || (score == bestScore && f.ABR > best.ABR) {
			best, bestScore, found = f, score, true
		}
	}
	return best, found
}

func codecRank(f formatJSON) int {
	codec := strings.ToLower(f.ACodec)
	switch {
	case strings.HasPrefix(codec, "mp4a"):
		return 0
	case strings.EqualFold(f.Ext, "m4a"):
		return 1
	case strings.HasPrefix(codec, "opus"):
		return 2
	case strings.HasPrefix(codec, "vorbis"):
		return 3
	default:
		return 4
	}
}

func parseProgress(line string) (media.DownloadProgress, bool) {
	if !strings.HasPrefix(line, progressPrefix) {
		return media.DownloadProgress{}, false
	}
	fields := strings.Split(strings.TrimPrefix(line, progressPrefix), "|")
	if len(fields) != 4 {
		return media.DownloadProgress{}, false
	}

	downloaded, ok := parseNumber(fields[0])
	if !ok {
		return media.DownloadProgress{}, false
	}
	total, ok := parseNumber(fields[1])
	if !ok || total <= 0 {
		total, _ = parseNumber(fields[2])
	}

	progress := media.DownloadProgress{
		Downloaded: int64(downloaded),
		Total:      int64(total),
		Percent:    -1,
	}
	if total > 0 {
		progress.Percent = downloaded / total * 100
		if progress.Percent > 100 {
			progress.Percent = 100
		}
	}
	if speed, ok := parseNumber(fields[3]); ok && speed > 0 {
		progress.Rate = FormatRate(speed)
	}
	return progress, true
}

func parseNumber(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" || value == "NA" || value == "None" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// FormatRate renders bytes per second in binary units.
func FormatRate(bytesPerSecond float64) string {
	units := []string{"B/s", "KiB/s", "MiB/s", "GiB/s"}
	value := bytesPerSecond
	unit := 0
	for value >= 1024 && unit < len(units)-1 {
		value /= 1024
		unit++
	}
	return strconv.FormatFloat(value, 'f', 1, 64) + units[unit]
}
