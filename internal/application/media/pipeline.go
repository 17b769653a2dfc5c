package media

import (
	"context"
	"errors"
	"strings"
	"sync"

	"mediaflow/internal/application/segment"
	"mediaflow/internal/application/transcribe"
	"mediaflow/internal/domain/media"
)

func (r *jobRun) runDownload(ctx context.Context) ([]media.Artifact, error) {
	if _, err := r.probe(ctx); err != nil {
		return nil, err
	}
	name, full, err := r.reserve("mp4")
	if err != nil {
		return nil, err
	}

	if err := r.service.deps.Extractor.DownloadVideo(ctx, r.job.URL, full, r.downloadProgress()); err != nil {
		r.removeFiles(name, name+".part")
		return nil, media.NewStageError("download", media.ErrExtractionFailed, err)
	}

	item, err := r.artifact(name)
	if err != nil || item.Size == 0 {
		r.removeFiles(name)
		return nil, media.NewStageError("download", media.ErrExtractionFailed, errors.New("no media written"))
	}
	return []media.Artifact{item}, nil
}

func (r *jobRun) runAudio(ctx context.Context) ([]media.Artifact, error) {
	if _, err := r.probe(ctx); err != nil {
		return nil, err
	}
	name, full, err := r.reserve("mp3")
	if err != nil {
		return nil, err
	}
	source := name + ".src"
	defer r.removeFiles(source, source+".part")

	if err := r.service.deps.Extractor.DownloadAudio(ctx, r.job.URL, full+".src", r.downloadProgress()); err != nil {
		r.removeFiles(name)
		return nil, media.NewStageError("download", media.ErrExtractionFailed, err)
	}

	r.set(media.Converting(r.title, 0))
	last := 0
	err = r.service.deps.Transcoder.ConvertAudio(ctx, full+".src", full, func(percent float64) {
		if percent > 99 {
			percent = 99
		}
		if int(percent) > last {
			last = int(percent)
			r.set(media.Converting(r.title, percent))
		}
	})
	if err != nil {
		r.removeFiles(name)
		return nil, media.NewStageError("convert", media.ErrConversionFailed, err)
	}

	item, err := r.artifact(name)
	if err != nil {
		return nil, media.NewStageError("convert", media.ErrConversionFailed, err)
	}
	return []media.Artifact{item}, nil
}

type segmentResult struct {
	segment  media.Segment
	chunk    media.TranscriptChunk
	accepted bool
	err      error
}

// runTranscribe streams decoded audio through the splitter into a pool of
// router workers. Results come back to this goroutine, which alone writes
// status; the assembler restores segment order.
func (r *jobRun) runTranscribe(ctx context.Context) ([]media.Artifact, error) {
	s := r.service
	info, err := r.probe(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(info.AudioURL) == "" {
		return nil, media.NewStageError("probe", media.ErrExtractionFailed, errors.New("no audio stream found"))
	}
	if !s.deps.Router.Available() {
		return nil, media.NewStageError("route", media.ErrBackendUnavailable, nil)
	}

	pcm, err := s.deps.Transcoder.StreamPCM(ctx, info.AudioURL, info.AudioHeaders, s.opts.ReadIdle)
	if err != nil {
		return nil, media.NewStageError("decode", media.ErrConversionFailed, err)
	}
	defer pcm.Close()

	percent := func(processed float64) float64 {
		if info.Duration <= 0 {
			return -1
		}
		p := processed / info.Duration * 100
		if p > 99 {
			p = 99
		}
		return p
	}
	r.set(media.Processing(r.title, percent(0), 0))

	pipeCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	session := s.deps.Router.NewSession(r.job.Language)
	segments := make(chan media.Segment, s.opts.Workers)
	results := make(chan segmentResult, s.opts.Workers)
	produced := make(chan error, 1)

	go func() {
		defer close(segments)
		splitter := segment.NewSplitter(s.opts.Segment)
		produced <- splitter.Split(pipeCtx, pcm, func(seg media.Segment) error {
			select {
			case segments <- seg:
				return nil
			case <-pipeCtx.Done():
				return context.Cause(pipeCtx)
			}
		})
	}()

	var workers sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			r.transcribeSegments(pipeCtx, session, segments, results)
		}()
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	var (
		chunks    []media.TranscriptChunk
		processed float64
		fatal     error
	)
	assembler := transcribe.NewAssembler(func(chunk media.TranscriptChunk) {
		chunks = append(chunks, chunk)
		s.jobs.AppendChunk(r.job.ID, chunk)
		s.deps.Events.PublishChunk(r.job.ID, chunk)
	})
	for res := range results {
		if res.err != nil {
			if fatal == nil {
				fatal = res.err
				stop(res.err)
			}
			continue
		}
		assembler.Add(res.segment.Index, res.chunk, res.accepted)
		if res.segment.End > processed {
			processed = res.segment.End
		}
		r.set(media.Processing(r.title, percent(processed), len(chunks)))
	}
	produceErr := <-produced

	switch {
	case ctx.Err() != nil:
		return nil, context.Cause(ctx)
	case fatal != nil:
		return nil, fatal
	case produceErr != nil:
		if errors.Is(produceErr, media.ErrTimeout) {
			return nil, media.NewStageError("decode", media.ErrTimeout, produceErr)
		}
		return nil, media.NewStageError("decode", media.ErrConversionFailed, produceErr)
	}
	if err := pcm.Close(); err != nil {
		return nil, media.NewStageError("decode", media.ErrConversionFailed, err)
	}

	r.log.WithField("chunks", len(chunks)).Info("transcription complete")
	return r.writeTranscript(chunks)
}

func (r *jobRun) transcribeSegments(ctx context.Context, session *transcribe.Session, segments <-chan media.Segment, results chan<- segmentResult) {
	for seg := range segments {
		if ctx.Err() != nil {
			continue
		}
		chunk, accepted, err := session.Transcribe(ctx, seg)
		results <- segmentResult{segment: seg, chunk: chunk, accepted: accepted, err: err}
	}
}

func (r *jobRun) writeTranscript(chunks []media.TranscriptChunk) ([]media.Artifact, error) {
	var b strings.Builder
	for _, chunk := range chunks {
		b.WriteString(chunk.Text)
		b.WriteString("\n")
	}

	name, _, err := r.reserve("txt")
	if err != nil {
		return nil, err
	}
	if err := r.service.deps.Files.WriteFile(r.job.UserID, name, []byte(b.String())); err != nil {
		r.removeFiles(name)
		return nil, media.NewStageError("write", media.ErrInternal, err)
	}
	item, err := r.artifact(name)
	if err != nil {
		return nil, media.NewStageError("write", media.ErrInternal, err)
	}
	return []media.Artifact{item}, nil
}
