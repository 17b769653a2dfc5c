package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"mediaflow/internal/domain/media"
)

const defaultMaxElapsed = 12 * time.Second

// Client talks JSON to one inference sidecar.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	MaxElapsed time.Duration
	logger     *logrus.Entry
}

// NewClient creates a sidecar client. An empty baseURL leaves it disabled.
func NewClient(baseURL string, timeout time.Duration, logger *logrus.Entry) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:       &http.Client{Timeout: timeout},
		MaxElapsed: defaultMaxElapsed,
		logger:     logger,
	}
}

// Enabled reports whether a sidecar URL is configured.
func (c *Client) Enabled() bool {
	return c.BaseURL != ""
}

type transcribeRequest struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Error    string `json:"error"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference error %d: %s", e.code, e.body)
}

// post sends payload to path and decodes the reply, retrying network failures
// and 5xx answers with exponential backoff until MaxElapsed.
func (c *Client) post(ctx context.Context, path string, payload, target interface{}) error {
	if !c.Enabled() {
		return errors.New("inference backend is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(context.Cause(ctx))
			}
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))})
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("decode inference reply: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.MaxElapsed
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		c.logger.WithError(err).WithField("retry_in", wait.String()).Warn("inference call failed, retrying")
	})
}

func (c *Client) transcribe(ctx context.Context, samples []float32, language, model string) (transcribeResponse, error) {
	var out transcribeResponse
	err := c.post(ctx, "/transcribe", transcribeRequest{
		Audio:      EncodeSamples(samples),
		SampleRate: media.SampleRate,
		Language:   language,
		Model:      model,
	}, &out)
	if err != nil {
		return transcribeResponse{}, err
	}
	if out.Error != "" {
		return transcribeResponse{}, errors.New(out.Error)
	}
	return out, nil
}

// EncodeSamples packs samples as base64 little-endian float32.
func EncodeSamples(samples []float32) string {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
