package inference

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediaflow/internal/application/transcribe"
	"mediaflow/internal/domain/media"
)

var richTag = regexp.MustCompile(`<\|[^|]*\|>`)

// SenseVoice is the backend tuned for Chinese, Cantonese, Japanese and Korean.
type SenseVoice struct {
	client *Client
	model  string
}

// NewSenseVoice creates the SenseVoice backend.
func NewSenseVoice(baseURL, model string, timeout time.Duration, logger *logrus.Entry) *SenseVoice {
	if strings.TrimSpace(model) == "" {
		model = "SenseVoiceSmall"
	}
	return &SenseVoice{
		client: NewClient(baseURL, timeout, logger.WithField("backend", media.BackendSenseVoice)),
		model:  model,
	}
}

func (s *SenseVoice) Name() media.Backend { return media.BackendSenseVoice }
func (s *SenseVoice) Model() string       { return s.model }
func (s *SenseVoice) Available() bool     { return s.client.Enabled() }

// Transcribe sends samples to SenseVoice and strips its rich-transcription tags.
func (s *SenseVoice) Transcribe(ctx context.Context, samples []float32, language string) (transcribe.Result, error) {
	out, err := s.client.transcribe(ctx, samples, senseVoiceLanguage(language), s.model)
	if err != nil {
		return transcribe.Result{}, err
	}
	return transcribe.Result{Text: CleanSenseVoiceText(out.Text), Language: out.Language}, nil
}

// CleanSenseVoiceText removes <|...|> markers such as <|zh|><|NEUTRAL|>.
func CleanSenseVoiceText(text string) string {
	return strings.TrimSpace(richTag.ReplaceAllString(text, ""))
}

func senseVoiceLanguage(lang string) string {
	switch lang {
	case "zh-CN", "zh-TW":
		return "zh"
	case "":
		return "auto"
	default:
		return lang
	}
}

// Whisper is the general multilingual backend; it also detects language.
type Whisper struct {
	client *Client
	model  string
}

// NewWhisper creates the Whisper backend.
func NewWhisper(baseURL, model string, timeout time.Duration, logger *logrus.Entry) *Whisper {
	if strings.TrimSpace(model) == "" {
		model = "base"
	}
	return &Whisper{
		client: NewClient(baseURL, timeout, logger.WithField("backend", media.BackendWhisper)),
		model:  model,
	}
}

func (w *Whisper) Name() media.Backend { return media.BackendWhisper }
func (w *Whisper) Model() string       { return "whisper-" + w.model }
func (w *Whisper) Available() bool     { return w.client.Enabled() }

// Transcribe sends samples to Whisper with an optional language hint.
func (w *Whisper) Transcribe(ctx context.Context, samples []float32, language string) (transcribe.Result, error) {
	if language == media.LanguageAuto {
		language = ""
	}
	out, err := w.client.transcribe(ctx, samples, language, w.model)
	if err != nil {
		return transcribe.Result{}, err
	}
	return transcribe.Result{Text: strings.TrimSpace(out.Text), Language: out.Language}, nil
}

type detectResponse struct {
	Language string `json:"language"`
}

// DetectLanguage runs Whisper's language identification on samples.
func (w *Whisper) DetectLanguage(ctx context.Context, samples []float32) (string, error) {
	var out detectResponse
	err := w.client.post(ctx, "/detect", transcribeRequest{
		Audio:      EncodeSamples(samples),
		SampleRate: media.SampleRate,
		Model:      w.model,
	}, &out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Language), nil
}
