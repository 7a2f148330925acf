// Package extractor turns uploaded file bytes into plain text.
package extractor

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat is returned when no extractor is registered for the
// file's extension.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrDecode is returned when the file bytes cannot be decoded as text.
var ErrDecode = errors.New("failed to decode file content")

// TextExtractor extracts plain text from one file format.
type TextExtractor interface {
	Extract(data []byte) (string, error)
}

// Registry maps file extensions to extractors.
type Registry struct {
	extractors map[string]TextExtractor
}

// NewRegistry creates a registry with the built-in extractors registered
// for .txt and .pdf files.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]TextExtractor)}
	r.Register(".txt", PlainText{})
	r.Register(".pdf", PDF{})
	return r
}

// Register adds or replaces the extractor for an extension. The extension
// must include the leading dot and is matched case-insensitively.
func (r *Registry) Register(ext string, e TextExtractor) {
	r.extractors[strings.ToLower(ext)] = e
}

// Supported reports whether an extractor is registered for the extension.
func (r *Registry) Supported(ext string) bool {
	_, ok := r.extractors[strings.ToLower(ext)]
	return ok
}

// Extract runs the extractor registered for the filename's extension.
func (r *Registry) Extract(filename string, data []byte) (string, error) {
	ext := strings.ToLower(extOf(filename))
	e, ok := r.extractors[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return e.Extract(data)
}

func extOf(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[i:]
	}
	return ""
}

// PlainText decodes bytes as UTF-8, falling back to Latin-1 when the bytes
// are not valid UTF-8.
type PlainText struct{}

// Extract returns the decoded text.
func (PlainText) Extract(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}

	// Latin-1 maps every byte to the code point of the same value,
	// so this decode cannot fail.
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}

// Ensure PlainText implements TextExtractor
var _ TextExtractor = PlainText{}
