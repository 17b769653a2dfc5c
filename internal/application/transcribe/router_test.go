package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/domain/media"
	"mediaflow/internal/logger"
)

type stubBackend struct {
	name      media.Backend
	available bool
	text      string
	err       error
	delays    map[int]time.Duration

	mu        sync.Mutex
	languages []string
}

func (s *stubBackend) Name() media.Backend { return s.name }
func (s *stubBackend) Model() string       { return string(s.name) + "-model" }
func (s *stubBackend) Available() bool     { return s.available }

func (s *stubBackend) Transcribe(ctx context.Context, samples []float32, language string) (Result, error) {
	s.mu.Lock()
	s.languages = append(s.languages, language)
	s.mu.Unlock()
	if len(samples) > 0 {
		if d, ok := s.delays[int(samples[0])]; ok {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{Text: s.text}, nil
}

func (s *stubBackend) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.languages...)
}

type stubDetector struct {
	lang    string
	err     error
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	count int
	seen  []float32
}

func (s *stubDetector) DetectLanguage(ctx context.Context, samples []float32) (string, error) {
	s.mu.Lock()
	s.count++
	if len(samples) > 0 {
		s.seen = append(s.seen, samples[0])
	}
	s.mu.Unlock()
	if s.entered != nil {
		close(s.entered)
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.lang, s.err
}

func newBackends() (*stubBackend, *stubBackend) {
	return &stubBackend{name: media.BackendSenseVoice, available: true, text: "你好世界"},
		&stubBackend{name: media.BackendWhisper, available: true, text: "bonjour le monde"}
}

func seg(index int) media.Segment {
	return media.Segment{Index: index, Start: float64(index), End: float64(index) + 1, Samples: []float32{float32(index)}}
}

func TestAutoDetectsOnceAndPinsWhisper(t *testing.T) {
	sv, wh := newBackends()
	det := &stubDetector{lang: "fr"}
	session := NewRouter(sv, wh, det, logger.Discard()).NewSession(media.LanguageAuto)

	for i := 0; i < 4; i++ {
		chunk, ok, err := session.Transcribe(context.Background(), seg(i))
		if err != nil || !ok {
			t.Fatalf("segment %d: expected accepted chunk, got ok=%v err=%v", i, ok, err)
		}
		if chunk.Backend != media.BackendWhisper || chunk.Language != "fr" {
			t.Fatalf("segment %d: expected whisper/fr, got %s/%s", i, chunk.Backend, chunk.Language)
		}
	}
	if det.count != 1 {
		t.Fatalf("expected one detection call, got %d", det.count)
	}
	if len(sv.calls()) != 0 {
		t.Fatalf("expected sensevoice unused, got %v", sv.calls())
	}
	for _, lang := range wh.calls() {
		if lang != "fr" {
			t.Fatalf("expected fr on every call, got %v", wh.calls())
		}
	}
}

func TestAutoDetectionWaitsForFirstSegment(t *testing.T) {
	sv, wh := newBackends()
	det := &stubDetector{lang: "fr"}
	session := NewRouter(sv, wh, det, logger.Discard()).NewSession(media.LanguageAuto)

	var wg sync.WaitGroup
	chunks := make([]media.TranscriptChunk, 4)
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunk, _, err := session.Transcribe(context.Background(), seg(i))
			if err != nil {
				t.Errorf("segment %d: %v", i, err)
			}
			chunks[i] = chunk
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	det.mu.Lock()
	early := det.count
	det.mu.Unlock()
	if early != 0 {
		t.Fatalf("expected no detection before segment 0, got %d calls", early)
	}

	first, _, err := session.Transcribe(context.Background(), seg(0))
	if err != nil {
		t.Fatalf("segment 0: %v", err)
	}
	chunks[0] = first
	wg.Wait()

	if det.count != 1 || len(det.seen) != 1 || det.seen[0] != 0 {
		t.Fatalf("expected one detection on segment 0, got count=%d seen=%v", det.count, det.seen)
	}
	for i, chunk := range chunks {
		if chunk.Backend != media.BackendWhisper || chunk.Language != "fr" {
			t.Fatalf("segment %d: expected whisper/fr, got %s/%s", i, chunk.Backend, chunk.Language)
		}
	}
}

func TestResolveWaitersAreNotBlockedByDetection(t *testing.T) {
	sv, wh := newBackends()
	det := &stubDetector{lang: "fr", entered: make(chan struct{}), release: make(chan struct{})}
	session := NewRouter(sv, wh, det, logger.Discard()).NewSession(media.LanguageAuto)

	resolved := make(chan error, 1)
	go func() {
		_, err := session.Resolve(context.Background(), seg(0))
		resolved <- err
	}()
	<-det.entered

	cause := errors.New("job cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	done := make(chan error, 1)
	go func() {
		_, err := session.Resolve(ctx, seg(1))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Fatalf("expected cancellation cause, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected waiter to return while detection is in flight")
	}

	close(det.release)
	if err := <-resolved; err != nil {
		t.Fatalf("expected route resolved, got %v", err)
	}
	route, err := session.Resolve(context.Background(), seg(2))
	if err != nil || route.Language != "fr" {
		t.Fatalf("expected cached fr route, got %+v %v", route, err)
	}
}

func TestAutoDetectsAsianLanguage(t *testing.T) {
	sv, wh := newBackends()
	session := NewRouter(sv, wh, &stubDetector{lang: "ja"}, logger.Discard()).NewSession(media.LanguageAuto)

	chunk, ok, err := session.Transcribe(context.Background(), seg(0))
	if err != nil || !ok {
		t.Fatalf("expected accepted chunk, got ok=%v err=%v", ok, err)
	}
	if chunk.Backend != media.BackendSenseVoice || chunk.Language != "ja" {
		t.Fatalf("expected sensevoice/ja, got %s/%s", chunk.Backend, chunk.Language)
	}
	if chunk.Model != "sensevoice-model" {
		t.Fatalf("expected backend model reported, got %q", chunk.Model)
	}
}

func TestDetectionFailureDefaultsToChinese(t *testing.T) {
	sv, wh := newBackends()
	session := NewRouter(sv, wh, &stubDetector{err: errors.New("sidecar down")}, logger.Discard()).NewSession(media.LanguageAuto)

	chunk, _, err := session.Transcribe(context.Background(), seg(0))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if chunk.Backend != media.BackendSenseVoice || chunk.Language != DefaultAsianLanguage {
		t.Fatalf("expected sensevoice/zh, got %s/%s", chunk.Backend, chunk.Language)
	}
}

func TestExplicitLanguageSkipsDetection(t *testing.T) {
	sv, wh := newBackends()
	det := &stubDetector{lang: "en"}
	router := NewRouter(sv, wh, det, logger.Discard())

	chunk, _, _ := router.NewSession("zh-TW").Transcribe(context.Background(), seg(0))
	if chunk.Backend != media.BackendSenseVoice || chunk.Language != "zh-TW" {
		t.Fatalf("expected sensevoice/zh-TW, got %s/%s", chunk.Backend, chunk.Language)
	}
	chunk, _, _ = router.NewSession("de").Transcribe(context.Background(), seg(0))
	if chunk.Backend != media.BackendWhisper || chunk.Language != "de" {
		t.Fatalf("expected whisper/de, got %s/%s", chunk.Backend, chunk.Language)
	}
	if det.count != 0 {
		t.Fatalf("expected no detection for explicit languages, got %d", det.count)
	}
}

func TestWhisperUnavailableFailsNonAsianJob(t *testing.T) {
	sv, wh := newBackends()
	wh.available = false
	session := NewRouter(sv, wh, &stubDetector{}, logger.Discard()).NewSession("en")

	_, _, err := session.Transcribe(context.Background(), seg(0))
	if !errors.Is(err, media.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	_, _, again := session.Transcribe(context.Background(), seg(1))
	if !errors.Is(again, media.ErrBackendUnavailable) {
		t.Fatalf("expected cached routing error, got %v", again)
	}
}

func TestSenseVoiceUnavailableFallsBackToWhisper(t *testing.T) {
	sv, wh := newBackends()
	sv.available = false
	session := NewRouter(sv, wh, nil, logger.Discard()).NewSession("ko")

	chunk, _, err := session.Transcribe(context.Background(), seg(0))
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if chunk.Backend != media.BackendWhisper || chunk.Language != "ko" {
		t.Fatalf("expected whisper/ko, got %s/%s", chunk.Backend, chunk.Language)
	}
}

func TestNoiseAndFailuresAreDropped(t *testing.T) {
	sv, wh := newBackends()
	wh.text = "  a "
	router := NewRouter(sv, wh, nil, logger.Discard())

	_, ok, err := router.NewSession("en").Transcribe(context.Background(), seg(0))
	if err != nil || ok {
		t.Fatalf("expected single-character text dropped, got ok=%v err=%v", ok, err)
	}

	wh.text = ""
	wh.err = errors.New("inference crashed")
	chunk, ok, err := router.NewSession("en").Transcribe(context.Background(), seg(3))
	if err != nil || ok {
		t.Fatalf("expected backend failure absorbed, got ok=%v err=%v", ok, err)
	}
	if chunk.Index != 3 || chunk.Text != "" {
		t.Fatalf("expected empty chunk for index 3, got %+v", chunk)
	}
}

func TestTranscribeStopsOnCancelledContext(t *testing.T) {
	sv, wh := newBackends()
	session := NewRouter(sv, wh, nil, logger.Discard()).NewSession("en")
	if _, err := session.Resolve(context.Background(), seg(0)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cause := errors.New("job cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	_, _, err := session.Transcribe(ctx, seg(1))
	if !errors.Is(err, cause) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
	if len(wh.calls()) != 0 {
		t.Fatalf("expected no backend call after cancellation")
	}
}

func TestAssemblerOrdersOutOfOrderCompletions(t *testing.T) {
	sv, wh := newBackends()
	wh.delays = map[int]time.Duration{1: 60 * time.Millisecond, 2: 5 * time.Millisecond}
	session := NewRouter(sv, wh, nil, logger.Discard()).NewSession("en")
	if _, err := session.Resolve(context.Background(), seg(0)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var got []int
	asm := NewAssembler(func(c media.TranscriptChunk) { got = append(got, c.Index) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunk, ok, err := session.Transcribe(context.Background(), seg(i))
			if err != nil {
				t.Errorf("segment %d: %v", i, err)
				return
			}
			asm.Add(i, chunk, ok)
		}(i)
	}
	wg.Wait()

	if len(got) != 4 {
		t.Fatalf("expected 4 chunks, got %v", got)
	}
	for i, idx := range got {
		if idx != i {
			t.Fatalf("expected strictly increasing indices, got %v", got)
		}
	}
}

func TestAssemblerSkipsDroppedSegments(t *testing.T) {
	var got []int
	asm := NewAssembler(func(c media.TranscriptChunk) { got = append(got, c.Index) })

	asm.Add(2, media.TranscriptChunk{Index: 2}, true)
	asm.Add(0, media.TranscriptChunk{Index: 0}, true)
	if asm.Pending() != 1 || asm.Next() != 1 {
		t.Fatalf("expected index 2 buffered, next=1; got pending=%d next=%d", asm.Pending(), asm.Next())
	}
	asm.Add(1, media.TranscriptChunk{Index: 1}, false)
	asm.Add(1, media.TranscriptChunk{Index: 1}, true)

	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("expected [0 2], got %v", got)
	}
	if asm.Next() != 3 {
		t.Fatalf("expected cursor at 3, got %d", asm.Next())
	}
}
