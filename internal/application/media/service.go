package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediaflow/internal/application/events"
	"mediaflow/internal/application/progress"
	"mediaflow/internal/application/resources"
	"mediaflow/internal/application/segment"
	"mediaflow/internal/application/transcribe"
	"mediaflow/internal/domain/media"
)

const (
	defaultDownloadTimeout   = 3 * time.Minute
	defaultConvertTimeout    = 10 * time.Minute
	defaultTranscribeTimeout = 2 * time.Hour
	defaultReadIdle          = 60 * time.Second
	defaultWorkers           = 2
)

var errShuttingDown = fmt.Errorf("%w: service is shutting down", media.ErrInternal)

// Deps are the collaborators a Service orchestrates.
type Deps struct {
	Ledger     *resources.Ledger
	Progress   *progress.Store
	Events     *events.Hub
	Router     *transcribe.Router
	Files      FileStore
	Extractor  Extractor
	Transcoder Transcoder
}

// Options configures job limits. Zero values take the defaults.
type Options struct {
	Root              string
	DownloadTimeout   time.Duration
	ConvertTimeout    time.Duration
	TranscribeTimeout time.Duration
	ReadIdle          time.Duration
	Workers           int
	Segment           segment.Options
}

// Service runs download, audio and transcription jobs.
type Service struct {
	deps   Deps
	opts   Options
	logger *logrus.Entry
	jobs   *jobRegistry

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// NewService creates the job orchestrator and hooks it to progress eviction.
func NewService(deps Deps, opts Options, logger *logrus.Entry) *Service {
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = defaultDownloadTimeout
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = defaultConvertTimeout
	}
	if opts.TranscribeTimeout <= 0 {
		opts.TranscribeTimeout = defaultTranscribeTimeout
	}
	if opts.ReadIdle <= 0 {
		opts.ReadIdle = defaultReadIdle
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	s := &Service{
		deps:       deps,
		opts:       opts,
		logger:     logger.WithField("component", "jobs"),
		jobs:       newJobRegistry(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	deps.Progress.OnEvict(s.forget)
	return s
}

// Start admits and launches a job for userID. Admission failures create no job.
func (s *Service) Start(ctx context.Context, userID string, req media.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !media.ValidUserID(userID) {
		return "", fmt.Errorf("%w: invalid user id", media.ErrBadRequest)
	}
	req, err := media.NormalizeRequest(req)
	if err != nil {
		return "", err
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return "", errShuttingDown
	}

	if !s.deps.Ledger.TryBegin(userID) {
		return "", media.ErrRateLimited
	}
	if !s.deps.Ledger.CheckDiskBudget(s.opts.Root) {
		s.deps.Ledger.End(userID)
		return "", media.ErrStorageFull
	}

	job := media.Job{
		ID:        newJobID(),
		UserID:    userID,
		Kind:      req.Kind,
		URL:       req.URL,
		Language:  req.Language,
		CreatedAt: time.Now().UTC(),
	}

	jobCtx, cancel := context.WithCancelCause(s.baseCtx)
	state := &jobState{job: job, cancel: cancel, done: make(chan struct{})}
	s.jobs.Add(state)
	s.deps.Events.Open(job.ID)

	run := &jobRun{
		service: s,
		job:     job,
		current: media.NotFound(),
		log: s.logger.WithFields(logrus.Fields{
			"job_id":  job.ID,
			"user_id": job.UserID,
			"kind":    job.Kind,
		}),
	}
	run.set(media.Initializing())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run.execute(jobCtx, state)
	}()

	run.log.WithField("url", job.URL).Info("job started")
	return job.ID, nil
}

// Cancel asks a running job to stop. Finished jobs are left as they are.
func (s *Service) Cancel(jobID string) error {
	state, ok := s.jobs.Get(jobID)
	if !ok {
		return media.ErrJobNotFound
	}
	if isDone(state) {
		return nil
	}
	state.cancel(media.ErrCancelled)
	return nil
}

// Status returns the current status; unknown ids report not_found.
func (s *Service) Status(jobID string) media.Status {
	status, _ := s.deps.Progress.Get(jobID)
	return status
}

// Owner returns the user that started jobID.
func (s *Service) Owner(jobID string) (string, bool) {
	state, ok := s.jobs.Get(jobID)
	if !ok {
		return "", false
	}
	return state.job.UserID, true
}

// Transcript returns the chunks released so far, in segment order.
func (s *Service) Transcript(jobID string) ([]media.TranscriptChunk, error) {
	chunks, ok := s.jobs.Transcript(jobID)
	if !ok {
		return nil, media.ErrJobNotFound
	}
	return chunks, nil
}

// Subscribe returns the job's events after seq and a channel of live ones.
func (s *Service) Subscribe(jobID string, seq int64) ([]events.Event, <-chan events.Event, func(), error) {
	return s.deps.Events.Subscribe(jobID, seq)
}

// EventsSince returns the job's retained events after seq.
func (s *Service) EventsSince(jobID string, seq int64) ([]events.Event, error) {
	return s.deps.Events.Since(jobID, seq)
}

// Files lists the user's finished files, newest first.
func (s *Service) Files(userID string) ([]media.StoredFile, error) {
	return s.deps.Files.ListFiles(userID)
}

// ResolveFile returns the on-disk path of one of the user's files.
func (s *Service) ResolveFile(userID, name string) (string, error) {
	return s.deps.Files.ResolveFile(userID, name)
}

// Stats reports ledger and disk usage.
func (s *Service) Stats() resources.Stats {
	return s.deps.Ledger.Stats(s.opts.Root)
}

// TrackedUsers lists users with in-memory job state.
func (s *Service) TrackedUsers() []string {
	return s.jobs.Users()
}

// ForgetUser drops the finished jobs kept for userID.
func (s *Service) ForgetUser(userID string) {
	if removed := s.jobs.ForgetUser(userID); len(removed) > 0 {
		s.deps.Events.Drop(removed...)
	}
}

// Shutdown cancels running jobs and waits for them to unwind or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	running := s.jobs.Running()
	s.baseCancel(media.ErrCancelled)
	s.logger.WithField("running", len(running)).Info("shutting down jobs")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) forget(ids []string) {
	if removed := s.jobs.Remove(ids); len(removed) > 0 {
		s.deps.Events.Drop(removed...)
	}
}

func (s *Service) timeoutFor(kind media.Kind) time.Duration {
	switch kind {
	case media.KindAudio:
		return s.opts.ConvertTimeout
	case media.KindTranscribe:
		return s.opts.TranscribeTimeout
	default:
		return s.opts.DownloadTimeout
	}
}

func newJobID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// jobRun is owned by the job goroutine, the only writer of the job's status.
type jobRun struct {
	service *Service
	job     media.Job
	log     *logrus.Entry
	current media.Status
	title   string
}

func (r *jobRun) set(status media.Status) {
	if r.current.State != media.StateNotFound && !media.CanTransition(r.current.State, status.State) {
		r.log.WithFields(logrus.Fields{"from": r.current.State, "to": status.State}).Warn("invalid status transition")
		return
	}
	r.current = status
	r.service.deps.Progress.Upsert(r.job.ID, r.job.UserID, status)
	r.service.deps.Events.PublishStatus(r.job.ID, status)
}

func (r *jobRun) execute(parent context.Context, state *jobState) {
	s := r.service
	timeout := s.timeoutFor(r.job.Kind)
	ctx, cancel := context.WithTimeoutCause(parent, timeout, media.ErrTimeout)
	started := time.Now()

	defer s.deps.Ledger.End(r.job.UserID)
	defer close(state.done)
	defer state.cancel(nil)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("job panicked")
			r.finish(nil, fmt.Errorf("%w: %v", media.ErrInternal, rec), started)
		}
	}()

	var (
		artifacts []media.Artifact
		err       error
	)
	switch r.job.Kind {
	case media.KindAudio:
		artifacts, err = r.runAudio(ctx)
	case media.KindTranscribe:
		artifacts, err = r.runTranscribe(ctx)
	default:
		artifacts, err = r.runDownload(ctx)
	}
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	r.finish(artifacts, err, started)
}

func (r *jobRun) finish(artifacts []media.Artifact, err error, started time.Time) {
	log := r.log.WithField("elapsed", time.Since(started).Round(time.Millisecond).String())
	if err != nil {
		log.WithError(err).Warn("job failed")
		r.set(media.Failed(r.title, media.TerminalMessage(err)))
		return
	}
	log.WithField("artifacts", len(artifacts)).Info("job finished")
	r.set(media.Finished(r.title, artifacts))
}

func (r *jobRun) probe(ctx context.Context) (media.SourceInfo, error) {
	info, err := r.service.deps.Extractor.Probe(ctx, r.job.URL)
	if err != nil {
		return media.SourceInfo{}, media.NewStageError("probe", media.ErrExtractionFailed, err)
	}
	r.title = info.Title
	r.set(media.Preparing(r.title))
	return info, nil
}

func (r *jobRun) reserve(ext string) (string, string, error) {
	name, full, err := r.service.deps.Files.Reserve(r.job.UserID, r.title, ext, r.job.ID)
	if err != nil {
		return "", "", media.NewStageError("reserve", media.ErrInternal, err)
	}
	return name, full, nil
}

func (r *jobRun) artifact(name string) (media.Artifact, error) {
	file, err := r.service.deps.Files.Stat(r.job.UserID, name)
	if err != nil {
		return media.Artifact{}, err
	}
	return media.Artifact{Name: file.Name, Size: file.Size, URL: "/api/files/" + url.PathEscape(file.Name)}, nil
}

func (r *jobRun) removeFiles(names ...string) {
	for _, name := range names {
		if err := r.service.deps.Files.RemoveFile(r.job.UserID, name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.WithError(err).WithField("file", name).Debug("cleanup failed")
		}
	}
}

// downloadProgress writes Downloading statuses when the whole-percent value
// moves, and at most once a second otherwise.
func (r *jobRun) downloadProgress() func(media.DownloadProgress) {
	last := -2
	var lastAt time.Time
	return func(p media.DownloadProgress) {
		step := -1
		if p.Percent >= 0 {
			step = int(p.Percent)
		}
		if step == last && time.Since(lastAt) < time.Second {
			return
		}
		last, lastAt = step, time.Now()
		r.set(media.Downloading(r.title, p.Percent, p.Rate))
	}
}
