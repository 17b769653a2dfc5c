package segment

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"mediaflow/internal/domain/media"
)

const (
	// FrameDuration is the classification window.
	FrameDuration = 100 * time.Millisecond

	defaultThreshold  = 0.01
	defaultMinSilence = 500 * time.Millisecond
	defaultMinSegment = time.Second
	defaultMaxSegment = 30 * time.Second

	readChunkBytes = 32 * 1024
)

// Options tunes segmentation. Zero values take the defaults.
type Options struct {
	Threshold  float64
	MinSilence time.Duration
	MinSegment time.Duration
	MaxSegment time.Duration
}

// Splitter cuts signed 16-bit little-endian mono PCM at SampleRate into
// segments bounded by silence or a maximum duration. It is not safe for
// concurrent use.
type Splitter struct {
	threshold    float64
	frameSamples int
	minSilence   int
	minSegment   int
	maxSegment   int

	carry []byte
	frame []float32

	buf        []float32
	start      int64
	consumed   int64
	silentRun  int
	lastVoiced int

	next int
}

// NewSplitter creates a splitter for one stream.
func NewSplitter(opts Options) *Splitter {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.MinSilence <= 0 {
		opts.MinSilence = defaultMinSilence
	}
	if opts.MinSegment <= 0 {
		opts.MinSegment = defaultMinSegment
	}
	if opts.MaxSegment <= 0 {
		opts.MaxSegment = defaultMaxSegment
	}
	if opts.MaxSegment < opts.MinSegment {
		opts.MaxSegment = opts.MinSegment
	}
	frameSamples := samplesFor(FrameDuration)
	return &Splitter{
		threshold:    opts.Threshold,
		frameSamples: frameSamples,
		minSilence:   samplesFor(opts.MinSilence),
		minSegment:   samplesFor(opts.MinSegment),
		maxSegment:   samplesFor(opts.MaxSegment),
		frame:        make([]float32, 0, frameSamples),
	}
}

func samplesFor(d time.Duration) int {
	return int(int64(d) * media.SampleRate / int64(time.Second))
}

// Position returns the seconds of audio consumed so far.
func (s *Splitter) Position() float64 {
	return float64(s.consumed+int64(len(s.frame))) / media.SampleRate
}

// Feed consumes raw PCM bytes and returns the segments they complete.
// A trailing odd byte is kept for the next call.
func (s *Splitter) Feed(pcm []byte) []media.Segment {
	data := pcm
	if len(s.carry) > 0 {
		data = append(s.carry, pcm...)
		s.carry = nil
	}

	var out []media.Segment
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		s.frame = append(s.frame, float32(sample)/32768)
		if len(s.frame) == s.frameSamples {
			if seg, ok := s.processFrame(); ok {
				out = append(out, seg)
			}
		}
	}
	if n < len(data) {
		s.carry = []byte{data[n]}
	}
	return out
}

// Flush ends the stream and returns what is left: a segment closed by a
// partial final frame, and the trailing segment when it meets the minimum
// duration. Sub-minimum trailing audio is discarded.
func (s *Splitter) Flush() []media.Segment {
	s.carry = nil
	var out []media.Segment
	if len(s.frame) > 0 {
		if seg, ok := s.processFrame(); ok {
			out = append(out, seg)
		}
	}
	if len(s.buf) >= s.minSegment {
		out = append(out, s.emit(s.cutPoint(), media.BoundaryStreamEnd))
	}
	s.reset()
	return out
}

// Split reads r until EOF and calls emit for every segment in order.
// ctx is checked between reads.
func (s *Splitter) Split(ctx context.Context, r io.Reader, emit func(media.Segment) error) error {
	chunk := make([]byte, readChunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			for _, seg := range s.Feed(chunk[:n]) {
				if emitErr := emit(seg); emitErr != nil {
					return emitErr
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}
			for _, seg := range s.Flush() {
				if emitErr := emit(seg); emitErr != nil {
					return emitErr
				}
			}
			return nil
		}
	}
}

func (s *Splitter) processFrame() (media.Segment, bool) {
	frame := s.frame
	framePos := s.consumed
	s.consumed += int64(len(frame))
	s.frame = s.frame[:0]

	silent := meanAbs(frame) < s.threshold
	if len(s.buf) == 0 {
		if silent {
			return media.Segment{}, false
		}
		s.start = framePos
	}

	s.buf = append(s.buf, frame...)
	if silent {
		s.silentRun += len(frame)
	} else {
		s.silentRun = 0
		s.lastVoiced = len(s.buf)
	}

	switch {
	case len(s.buf) >= s.maxSegment:
		return s.emitMax(silent), true
	case s.silentRun >= s.minSilence && len(s.buf) >= s.minSegment:
		return s.emit(s.cutPoint(), media.BoundarySilence), true
	default:
		return media.Segment{}, false
	}
}

// cutPoint ends a segment at its last voiced frame without going below the minimum.
func (s *Splitter) cutPoint() int {
	cut := s.lastVoiced
	if cut < s.minSegment {
		cut = s.minSegment
	}
	if cut > len(s.buf) {
		cut = len(s.buf)
	}
	return cut
}

func (s *Splitter) emitMax(lastSilent bool) media.Segment {
	rest := append([]float32(nil), s.buf[s.maxSegment:]...)
	restStart := s.start + int64(s.maxSegment)
	seg := s.emit(s.maxSegment, media.BoundaryMaxDuration)
	if len(rest) > 0 && !lastSilent {
		s.buf = rest
		s.start = restStart
		s.lastVoiced = len(rest)
	}
	return seg
}

func (s *Splitter) emit(cut int, boundary media.Boundary) media.Segment {
	samples := make([]float32, cut)
	copy(samples, s.buf[:cut])
	seg := media.Segment{
		Index:    s.next,
		Start:    float64(s.start) / media.SampleRate,
		End:      float64(s.start+int64(cut)) / media.SampleRate,
		Samples:  samples,
		Boundary: boundary,
	}
	s.next++
	s.reset()
	return seg
}

func (s *Splitter) reset() {
	s.buf = s.buf[:0]
	s.silentRun = 0
	s.lastVoiced = 0
}

func meanAbs(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		if v < 0 {
			sum -= float64(v)
		} else {
			sum += float64(v)
		}
	}
	return sum / float64(len(frame))
}
