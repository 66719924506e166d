// Package sanitizer cleans client-supplied session metadata before it is
// persisted. Device ids, user agents, and operator notes arrive from
// untrusted clients and end up in audit views, so markup and control
// characters are stripped and lengths are capped here, in one place.
package sanitizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Field length caps, matching the session table columns.
const (
	MaxDeviceIDLength  = 128
	MaxIPAddressLength = 45 // IPv6 text form
	MaxUserAgentLength = 512
	MaxNoteLength      = 512
)

// MetadataSanitizer normalizes free-text session metadata.
type MetadataSanitizer struct {
	policy *bluemonday.Policy
}

// NewMetadataSanitizer builds a sanitizer with the strict policy: every tag
// is removed, text content survives.
func NewMetadataSanitizer() *MetadataSanitizer {
	return &MetadataSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean strips markup and control characters from s, collapses surrounding
// whitespace, and truncates to at most maxLen bytes without splitting a
// rune. A nil pointer or a value that is empty after cleaning comes back as
// nil, so persisted columns stay NULL rather than holding empty strings.
func (s *MetadataSanitizer) Clean(value *string, maxLen int) *string {
	if value == nil {
		return nil
	}

	cleaned := s.policy.Sanitize(*value)
	cleaned = stripControl(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil
	}
	if maxLen > 0 && len(cleaned) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = strings.TrimSpace(cleaned[:cut])
		if cleaned == "" {
			return nil
		}
	}
	return &cleaned
}

// DeviceID cleans a device identifier.
func (s *MetadataSanitizer) DeviceID(value *string) *string {
	return s.Clean(value, MaxDeviceIDLength)
}

// IPAddress cleans a client IP string. Parsing/validation is the transport
// layer's concern; this only guards storage.
func (s *MetadataSanitizer) IPAddress(value *string) *string {
	return s.Clean(value, MaxIPAddressLength)
}

// UserAgent cleans a user agent string.
func (s *MetadataSanitizer) UserAgent(value *string) *string {
	return s.Clean(value, MaxUserAgentLength)
}

// Note cleans an operator-visible note.
func (s *MetadataSanitizer) Note(value *string) *string {
	return s.Clean(value, MaxNoteLength)
}

// stripControl removes control runes (including NUL and escape sequences)
// while keeping ordinary whitespace.
func stripControl(in string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == ' ' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, in)
}
