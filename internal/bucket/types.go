package bucket

import (
	"errors"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned when an include pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid include pattern")

// PatternError wraps pattern errors with the offending pattern.
type PatternError struct {
	Bucket  string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "bucket " + e.Bucket + ": pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Filter matches object keys against doublestar include patterns.
//
// Matching is case-insensitive, as SharePoint names are. A pattern without a
// separator ("*.pdf") is matched against the last key segment; any other
// pattern is matched against the whole key.
//
// A Filter is safe for concurrent use after creation.
type Filter struct {
	full []string
	base []string
}

// NewFilter compiles include patterns. An empty list yields a nil filter.
func NewFilter(bucket string, patterns []string) (*Filter, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	f := &Filter{}
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimPrefix(strings.ReplaceAll(raw, "\\", "/"), "/"))
		if p == "" || !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Bucket: bucket, Pattern: raw, Err: ErrInvalidPattern}
		}
		if strings.Contains(p, "/") {
			f.full = append(f.full, p)
		} else {
			f.base = append(f.base, p)
		}
	}
	return f, nil
}

// Match reports whether key matches at least one pattern
func (f *Filter) Match(key string) bool {
	key = strings.ToLower(key)
	for _, p := range f.full {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	if len(f.base) > 0 {
		name := path.Base(key)
		for _, p := range f.base {
			if ok, _ := doublestar.Match(p, name); ok {
				return true
			}
		}
	}
	return false
}
