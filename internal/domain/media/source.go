package media

// SourceInfo is what the extractor learns about a remote media page.
type SourceInfo struct {
	ID         string
	Title      string
	Duration   float64
	Extractor  string
	WebpageURL string
	Ext        string

	// AudioURL is a direct stream for the preferred audio-only format, when one exists.
	AudioURL     string
	AudioFormat  string
	AudioHeaders map[string]string
}

// DownloadProgress is one progress sample from the extractor. Percent is
// negative when the total size is unknown.
type DownloadProgress struct {
	Downloaded int64
	Total      int64
	Percent    float64
	Rate       string
}
