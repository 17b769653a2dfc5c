package media

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxTitleBytes caps the encoded length of a file name stem.
const MaxTitleBytes = 180

const unsafeNameChars = `<>:"/\|?*`

// SanitizeTitle turns a source title into a filesystem-safe stem of at most maxBytes bytes.
// The result may be empty when nothing usable is left.
func SanitizeTitle(title string, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = MaxTitleBytes
	}

	var b strings.Builder
	lastSpace := true
	for _, r := range norm.NFC.String(title) {
		switch {
		case r == utf8.RuneError:
			continue
		case unicode.IsControl(r):
			r = ' '
		case strings.ContainsRune(unsafeNameChars, r):
			r = '_'
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), " .")
	out = truncateUTF8(out, maxBytes)
	return strings.Trim(out, " .")
}

// truncateUTF8 cuts value to maxBytes on a rune boundary, preferring the last
// space when it sits in the second half of the kept text.
func truncateUTF8(value string, maxBytes int) string {
	if len(value) <= maxBytes {
		return value
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	head := value[:cut]
	if value[cut] == ' ' {
		return head
	}
	if idx := strings.LastIndexByte(head, ' '); idx >= maxBytes/2 {
		head = head[:idx]
	}
	return head
}

// FallbackName derives a short stable identifier from seed.
func FallbackName(seed string) string {
	sum := sha1.Sum([]byte(seed))
	return "media-" + hex.EncodeToString(sum[:])[:10]
}

// FileName builds "<stem>.<ext>" from a title, using FallbackName(seed) when the
// title sanitises to nothing.
func FileName(title, ext, seed string) string {
	stem := SanitizeTitle(title, MaxTitleBytes)
	if stem == "" {
		stem = FallbackName(seed)
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}
