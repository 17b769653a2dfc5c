package transcribe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"mediaflow/internal/domain/media"
)

// DefaultAsianLanguage is used when automatic detection fails.
const DefaultAsianLanguage = "zh"

var asianOptimal = map[string]struct{}{
	"zh":    {},
	"zh-CN": {},
	"zh-TW": {},
	"yue":   {},
	"ja":    {},
	"ko":    {},
}

// IsAsianOptimal reports whether lang is best served by the SenseVoice backend.
func IsAsianOptimal(lang string) bool {
	_, ok := asianOptimal[lang]
	return ok
}

// Route is the resolved backend and language for a job.
type Route struct {
	Backend  Backend
	Language string
}

// Router picks a backend per job and normalizes backend output.
type Router struct {
	sensevoice Backend
	whisper    Backend
	detector   Detector
	logger     *logrus.Entry
}

// NewRouter creates a router. Any argument may be nil when that backend is absent.
func NewRouter(sensevoice, whisper Backend, detector Detector, logger *logrus.Entry) *Router {
	return &Router{
		sensevoice: sensevoice,
		whisper:    whisper,
		detector:   detector,
		logger:     logger.WithField("component", "router"),
	}
}

// Available reports whether at least one backend can serve jobs.
func (r *Router) Available() bool {
	return available(r.sensevoice) || available(r.whisper)
}

// NewSession starts routing state for one job. language is a normalized tag or "auto".
func (r *Router) NewSession(language string) *Session {
	if language == "" {
		language = media.LanguageAuto
	}
	return &Session{router: r, requested: language, changed: make(chan struct{})}
}

func available(b Backend) bool {
	return b != nil && b.Available()
}

func (r *Router) route(ctx context.Context, requested string, first media.Segment) (Route, error) {
	if requested != media.LanguageAuto {
		return r.routeExplicit(requested)
	}

	if r.detector == nil || !available(r.whisper) {
		r.logger.Debug("language detection unavailable, defaulting to asian backend")
		return r.routeExplicit(DefaultAsianLanguage)
	}

	detected, err := r.detector.DetectLanguage(ctx, first.Samples)
	if err != nil {
		if ctx.Err() != nil {
			return Route{}, context.Cause(ctx)
		}
		r.logger.WithError(err).Warn("language detection failed, defaulting to asian backend")
		return r.routeExplicit(DefaultAsianLanguage)
	}
	lang, err := media.NormalizeLanguage(detected)
	if err != nil || lang == media.LanguageAuto {
		r.logger.WithField("detected", detected).Warn("unusable detected language, defaulting to asian backend")
		return r.routeExplicit(DefaultAsianLanguage)
	}
	r.logger.WithField("language", lang).Debug("language detected")
	return r.routeExplicit(lang)
}

func (r *Router) routeExplicit(lang string) (Route, error) {
	if IsAsianOptimal(lang) {
		if available(r.sensevoice) {
			return Route{Backend: r.sensevoice, Language: lang}, nil
		}
		if available(r.whisper) {
			r.logger.WithField("language", lang).Warn("sensevoice unavailable, falling back to whisper")
			return Route{Backend: r.whisper, Language: lang}, nil
		}
		return Route{}, fmt.Errorf("%w: no backend for %s", media.ErrBackendUnavailable, lang)
	}
	if available(r.whisper) {
		return Route{Backend: r.whisper, Language: lang}, nil
	}
	return Route{}, fmt.Errorf("%w: whisper required for %s", media.ErrBackendUnavailable, lang)
}

// Session carries the routing decision of one job. The first resolution fixes
// the route for the rest of the job. With automatic language only segment 0
// resolves; calls for later segments wait for it.
type Session struct {
	router    *Router
	requested string

	mu        sync.Mutex
	resolved  bool
	detecting bool
	changed   chan struct{}
	route     Route
	err       error
}

// Resolve returns the job's route, fixing it from seg when seg may resolve.
// No lock is held while the detector runs.
func (s *Session) Resolve(ctx context.Context, seg media.Segment) (Route, error) {
	for {
		s.mu.Lock()
		if s.resolved {
			route, err := s.route, s.err
			s.mu.Unlock()
			return route, err
		}
		if s.detecting || (s.requested == media.LanguageAuto && seg.Index != 0) {
			wait := s.changed
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return Route{}, context.Cause(ctx)
			}
		}
		s.detecting = true
		s.mu.Unlock()

		route, err := s.router.route(ctx, s.requested, seg)

		s.mu.Lock()
		s.detecting = false
		// A resolution cut short by cancellation is not cached.
		if err == nil || ctx.Err() == nil {
			s.route, s.err, s.resolved = route, err, true
		}
		close(s.changed)
		s.changed = make(chan struct{})
		s.mu.Unlock()
		return route, err
	}
}

// Transcribe runs seg through the resolved backend. accepted is false for
// dropped output: empty or single-character text, or a failed backend call.
func (s *Session) Transcribe(ctx context.Context, seg media.Segment) (media.TranscriptChunk, bool, error) {
	route, err := s.Resolve(ctx, seg)
	if err != nil {
		return media.TranscriptChunk{}, false, err
	}
	if ctx.Err() != nil {
		return media.TranscriptChunk{}, false, context.Cause(ctx)
	}

	log := s.router.logger.WithFields(logrus.Fields{
		"segment": seg.Index,
		"backend": route.Backend.Name(),
	})

	result, err := route.Backend.Transcribe(ctx, seg.Samples, route.Language)
	if err != nil {
		if ctx.Err() != nil {
			return media.TranscriptChunk{}, false, context.Cause(ctx)
		}
		log.WithError(fmt.Errorf("%w: %v", media.ErrSegmentFailed, err)).Warn("segment transcription failed")
		return emptyChunk(seg, route), false, nil
	}

	text := strings.TrimSpace(result.Text)
	if utf8.RuneCountInString(text) <= 1 {
		log.Debug("dropping noise segment")
		return emptyChunk(seg, route), false, nil
	}

	chunk := emptyChunk(seg, route)
	chunk.Text = text
	return chunk, true, nil
}

func emptyChunk(seg media.Segment, route Route) media.TranscriptChunk {
	return media.TranscriptChunk{
		Index:    seg.Index,
		Backend:  route.Backend.Name(),
		Model:    route.Backend.Model(),
		Language: route.Language,
		Start:    seg.Start,
		End:      seg.End,
		Final:    true,
	}
}
