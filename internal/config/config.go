package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	gib = int64(1) << 30
	mib = int64(1) << 20
	kib = int64(1) << 10
)

// Config holds runtime settings for the server.
type Config struct {
	ServerAddr  string
	OutputDir   string
	Environment string
	LogLevel    string
	CORSOrigins []string

	MaxConcurrentPerUser int
	MaxDiskBytes         int64
	MinFreeBytes         int64

	CleanupInterval     time.Duration
	MaxFileAge          time.Duration
	MaxUserFiles        int
	ProgressRetention   time.Duration
	EvictActiveProgress bool

	DownloadTimeout   time.Duration
	ConvertTimeout    time.Duration
	TranscribeTimeout time.Duration
	ReadIdleTimeout   time.Duration
	ShutdownTimeout   time.Duration

	YtDlpPath   string
	FFmpegPath  string
	FFprobePath string

	SenseVoiceURL     string
	SenseVoiceModel   string
	WhisperURL        string
	WhisperModel      string
	InferenceTimeout  time.Duration
	TranscribeWorkers int

	SilenceThreshold float64
	MinSilence       time.Duration
	MinSegment       time.Duration
	MaxSegment       time.Duration

	SubmitRPS   float64
	SubmitBurst int
}

// Loader reads configuration. Tests override Lookup and ReadFile to inject
// deterministic inputs.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load reads environment variables (and CONFIG_FILE, when set) and returns
// normalized runtime config.
func Load() (Config, error) {
	return Loader{}.Load()
}

// Load applies the optional YAML file first and lets environment variables override it.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	src := source{env: l.Lookup}
	if path, ok := l.Lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		file, err := readYAML(l.ReadFile, strings.TrimSpace(path))
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		ServerAddr:  src.str("SERVER_ADDR", ":8080"),
		OutputDir:   src.str("OUTPUT_DIR", "./downloads"),
		Environment: src.str("ENVIRONMENT", "local"),
		LogLevel:    src.str("LOG_LEVEL", "info"),
		CORSOrigins: src.list("CORS_ORIGINS", []string{"*"}),

		MaxConcurrentPerUser: src.int("MAX_CONCURRENT_PER_USER", 3),
		MaxDiskBytes:         src.bytes("MAX_DISK_BYTES", 5*gib),
		MinFreeBytes:         src.bytes("MIN_FREE_BYTES", gib),

		CleanupInterval:     src.duration("CLEANUP_INTERVAL", 30*time.Minute),
		MaxFileAge:          src.duration("MAX_FILE_AGE", 24*time.Hour),
		MaxUserFiles:        src.int("MAX_USER_FILES", 50),
		ProgressRetention:   src.duration("PROGRESS_RETENTION", time.Hour),
		EvictActiveProgress: src.bool("PROGRESS_EVICT_ACTIVE", true),

		DownloadTimeout:   src.duration("DOWNLOAD_TIMEOUT", 3*time.Minute),
		ConvertTimeout:    src.duration("CONVERT_TIMEOUT", 10*time.Minute),
		TranscribeTimeout: src.duration("TRANSCRIBE_TIMEOUT", 2*time.Hour),
		ReadIdleTimeout:   src.duration("READ_IDLE_TIMEOUT", time.Minute),
		ShutdownTimeout:   src.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		YtDlpPath:   src.str("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:  src.str("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: src.str("FFPROBE_PATH", "ffprobe"),

		SenseVoiceURL:     src.str("SENSEVOICE_URL", ""),
		SenseVoiceModel:   src.str("SENSEVOICE_MODEL", "SenseVoiceSmall"),
		WhisperURL:        src.str("WHISPER_URL", ""),
		WhisperModel:      src.str("WHISPER_MODEL", "base"),
		InferenceTimeout:  src.duration("INFERENCE_TIMEOUT", 2*time.Minute),
		TranscribeWorkers: src.int("TRANSCRIBE_WORKERS", 2),

		SilenceThreshold: src.float("SILENCE_THRESHOLD", 0.01),
		MinSilence:       src.duration("MIN_SILENCE", 500*time.Millisecond),
		MinSegment:       src.duration("MIN_SEGMENT", time.Second),
		MaxSegment:       src.duration("MAX_SEGMENT", 30*time.Second),

		SubmitRPS:   src.float("SUBMIT_RPS", 5),
		SubmitBurst: src.int("SUBMIT_BURST", 10),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects structurally invalid combinations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("config: output dir is required")
	}
	if c.MinSegment >= c.MaxSegment {
		return fmt.Errorf("config: MIN_SEGMENT (%s) must be below MAX_SEGMENT (%s)", c.MinSegment, c.MaxSegment)
	}
	if c.SilenceThreshold >= 1 {
		return fmt.Errorf("config: SILENCE_THRESHOLD must be below 1, got %g", c.SilenceThreshold)
	}
	return nil
}

func readYAML(readFile func(string) ([]byte, error), path string) (map[string]string, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[strings.ToUpper(key)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return out, nil
}

type source struct {
	env  func(string) (string, bool)
	file map[string]string
}

func (s source) get(key string) string {
	if value, ok := s.env(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) str(key, fallback string) string {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	return value
}

func (s source) int(key string, fallback int) int {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	out, err := strconv.Atoi(value)
	if err != nil || out <= 0 {
		return fallback
	}
	return out
}

func (s source) float(key string, fallback float64) float64 {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	out, err := strconv.ParseFloat(value, 64)
	if err != nil || out <= 0 {
		return fallback
	}
	return out
}

func (s source) bool(key string, fallback bool) bool {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	out, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return out
}

// duration accepts Go duration strings or a bare number of seconds.
func (s source) duration(key string, fallback time.Duration) time.Duration {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return fallback
		}
		return time.Duration(seconds * float64(time.Second))
	}
	out, err := time.ParseDuration(value)
	if err != nil || out <= 0 {
		return fallback
	}
	return out
}

func (s source) bytes(key string, fallback int64) int64 {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	out, err := parseBytes(value)
	if err != nil || out <= 0 {
		return fallback
	}
	return out
}

func (s source) list(key string, fallback []string) []string {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// parseBytes understands plain byte counts and KiB/MiB/GiB (or KB/MB/GB, read as binary) suffixes.
func parseBytes(value string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(value))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		size   int64
	}{
		{"GIB", gib}, {"MIB", mib}, {"KIB", kib},
		{"GB", gib}, {"MB", mib}, {"KB", kib},
		{"G", gib}, {"M", mib}, {"K", kib},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.size
			upper = strings.TrimSpace(strings.TrimSuffix(upper, unit.suffix))
			break
		}
	}
	number, err := strconv.ParseFloat(upper, 64)
	if err != nil {
		return 0, err
	}
	return int64(number * float64(multiplier)), nil
}
