package media

import (
	"errors"
	"path"
	"regexp"
	"strings"
)

var (
	userIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z]{2,4})?$`)
)

// ValidUserID reports whether id can name a directory under the output root.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// NormalizeFileName validates a single file name inside a user directory.
func NormalizeFileName(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("invalid file name")
	}

	value = strings.ReplaceAll(value, "\\", "/")
	cleaned := path.Clean("/" + value)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.Contains(cleaned, "/") {
		return "", errors.New("invalid file name")
	}
	if strings.HasPrefix(cleaned, ".") {
		return "", errors.New("invalid file name")
	}
	return cleaned, nil
}

// NormalizeLanguage lowercases the primary subtag and uppercases a region,
// so "ZH-cn" becomes "zh-CN". Empty input means "auto".
func NormalizeLanguage(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" || strings.EqualFold(value, LanguageAuto) {
		return LanguageAuto, nil
	}
	value = strings.ReplaceAll(value, "_", "-")
	primary, region, hasRegion := strings.Cut(value, "-")
	primary = strings.ToLower(primary)
	if hasRegion {
		if len(region) == 2 {
			region = strings.ToUpper(region)
		} else if region != "" {
			region = strings.ToUpper(region[:1]) + strings.ToLower(region[1:])
		}
		value = primary + "-" + region
	} else {
		value = primary
	}
	if !languagePattern.MatchString(value) {
		return "", errors.New("invalid language")
	}
	return value, nil
}
