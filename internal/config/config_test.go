package config

import (
	"errors"
	"testing"
	"time"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Loader{Lookup: mapLookup(nil)}.Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ServerAddr != ":8080" || cfg.OutputDir != "./downloads" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxConcurrentPerUser != 3 || cfg.MaxUserFiles != 50 {
		t.Fatalf("unexpected limits: %d %d", cfg.MaxConcurrentPerUser, cfg.MaxUserFiles)
	}
	if cfg.MaxDiskBytes != 5<<30 || cfg.MinFreeBytes != 1<<30 {
		t.Fatalf("unexpected disk limits: %d %d", cfg.MaxDiskBytes, cfg.MinFreeBytes)
	}
	if cfg.DownloadTimeout != 3*time.Minute || cfg.ConvertTimeout != 10*time.Minute || cfg.TranscribeTimeout != 2*time.Hour {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
	if !cfg.EvictActiveProgress {
		t.Fatalf("expected active progress eviction to default on")
	}
	if cfg.MinSegment != time.Second || cfg.MaxSegment != 30*time.Second || cfg.MinSilence != 500*time.Millisecond {
		t.Fatalf("unexpected segmentation defaults: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	cfg, err := Loader{Lookup: mapLookup(map[string]string{
		"SERVER_ADDR":             " :9090 ",
		"MAX_CONCURRENT_PER_USER": "5",
		"MAX_DISK_BYTES":          "512MiB",
		"MAX_FILE_AGE":            "90",
		"PROGRESS_EVICT_ACTIVE":   "false",
		"CORS_ORIGINS":            "https://a.example, https://b.example",
	})}.Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ServerAddr != ":9090" {
		t.Fatalf("expected trimmed addr, got %q", cfg.ServerAddr)
	}
	if cfg.MaxConcurrentPerUser != 5 {
		t.Fatalf("expected 5, got %d", cfg.MaxConcurrentPerUser)
	}
	if cfg.MaxDiskBytes != 512<<20 {
		t.Fatalf("expected 512MiB, got %d", cfg.MaxDiskBytes)
	}
	if cfg.MaxFileAge != 90*time.Second {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.MaxFileAge)
	}
	if cfg.EvictActiveProgress {
		t.Fatalf("expected eviction policy override")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	cfg, err := Loader{Lookup: mapLookup(map[string]string{
		"MAX_CONCURRENT_PER_USER": "-1",
		"MAX_USER_FILES":          "many",
		"CLEANUP_INTERVAL":        "soon",
		"MIN_FREE_BYTES":          "lots",
	})}.Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.MaxConcurrentPerUser != 3 || cfg.MaxUserFiles != 50 {
		t.Fatalf("expected int fallbacks, got %d %d", cfg.MaxConcurrentPerUser, cfg.MaxUserFiles)
	}
	if cfg.CleanupInterval != 30*time.Minute {
		t.Fatalf("expected duration fallback, got %s", cfg.CleanupInterval)
	}
	if cfg.MinFreeBytes != 1<<30 {
		t.Fatalf("expected byte fallback, got %d", cfg.MinFreeBytes)
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	file := []byte("output_dir: /srv/media\nmax_user_files: 10\ncors_origins:\n  - https://x.example\nSERVER_ADDR: \":7000\"\n")
	cfg, err := Loader{
		Lookup: mapLookup(map[string]string{
			"CONFIG_FILE":    "/etc/mediaflow.yaml",
			"MAX_USER_FILES": "20",
		}),
		ReadFile: func(path string) ([]byte, error) {
			if path != "/etc/mediaflow.yaml" {
				t.Fatalf("unexpected path %q", path)
			}
			return file, nil
		},
	}.Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.OutputDir != "/srv/media" || cfg.ServerAddr != ":7000" {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.MaxUserFiles != 20 {
		t.Fatalf("expected env to override file, got %d", cfg.MaxUserFiles)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://x.example" {
		t.Fatalf("expected list from yaml, got %v", cfg.CORSOrigins)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	readErr := errors.New("no such file")
	_, err := Loader{
		Lookup:   mapLookup(map[string]string{"CONFIG_FILE": "missing.yaml"}),
		ReadFile: func(string) ([]byte, error) { return nil, readErr },
	}.Load()
	if !errors.Is(err, readErr) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

func TestValidateRejectsInvertedSegmentBounds(t *testing.T) {
	_, err := Loader{Lookup: mapLookup(map[string]string{
		"MIN_SEGMENT": "40s",
		"MAX_SEGMENT": "30s",
	})}.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"1024": 1024,
		"1KiB": 1024,
		"2 MB": 2 << 20,
		"1.5G": 3 << 29,
		"100b": 100,
		"5GiB": 5 << 30,
	}
	for raw, want := range cases {
		got, err := parseBytes(raw)
		if err != nil || got != want {
			t.Fatalf("parseBytes(%q) = %d (%v), want %d", raw, got, err, want)
		}
	}
}
