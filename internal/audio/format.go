package audio

import (
	"path/filepath"
	"slices"
	"strings"
)

var supportedFormats = map[string]struct{}{
	"mp3":  {},
	"wav":  {},
	"m4a":  {},
	"flac": {},
	"ogg":  {},
	"aac":  {},
	"webm": {},
}

// IsValidFormat reports whether the filename carries an accepted audio extension.
// The comparison is case-insensitive. A name without an extension is invalid.
func IsValidFormat(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return false
	}

	_, ok := supportedFormats[ext]

	return ok
}

// SupportedFormats returns the accepted extensions in alphabetical order.
func SupportedFormats() []string {
	formats := make([]string, 0, len(supportedFormats))
	for f := range supportedFormats {
		formats = append(formats, f)
	}

	slices.Sort(formats)

	return formats
}
