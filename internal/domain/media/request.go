package media

import (
	"fmt"
	"net/url"
	"strings"
)

// LanguageAuto asks the router to detect the language from the first segment.
const LanguageAuto = "auto"

// Request is a job submission.
type Request struct {
	URL      string `json:"url"`
	Kind     Kind   `json:"kind"`
	Language string `json:"language,omitempty"`
}

// NormalizeRequest validates a submission and fills defaults.
func NormalizeRequest(req Request) (Request, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return Request{}, fmt.Errorf("%w: url is required", ErrBadRequest)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Request{}, fmt.Errorf("%w: url must be an absolute http(s) url", ErrBadRequest)
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	if kind == "" {
		kind = KindDownload
	}
	if !kind.Valid() {
		return Request{}, fmt.Errorf("%w: unknown kind %q", ErrBadRequest, req.Kind)
	}

	language, err := NormalizeLanguage(req.Language)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	return Request{URL: parsed.String(), Kind: kind, Language: language}, nil
}
