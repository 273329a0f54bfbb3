package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var ErrInvalidKey = errors.New("invalid archive key")

const (
	dayLayout     = "2006-01-02"
	sidecarSuffix = ".json"
)

// archiveKey is the parsed form of {owner}/{YYYY-MM-DD}/{file}. The day is
// the UTC day the recording was archived and drives retention.
type archiveKey struct {
	Owner string
	Day   time.Time
	File  string
}

func newArchiveKey(ownerID string, at time.Time, file string) string {
	return path.Join(safeSegment(ownerID), at.UTC().Format(dayLayout), file)
}

// parseKey accepts recording keys and their sidecars.
func parseKey(key string) (archiveKey, error) {
	segs := strings.Split(key, "/")
	if len(segs) != 3 {
		return archiveKey{}, fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	for _, seg := range segs {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsRune(seg, '\\') {
			return archiveKey{}, fmt.Errorf("%q: %w", key, ErrInvalidKey)
		}
	}
	day, err := time.Parse(dayLayout, segs[1])
	if err != nil {
		return archiveKey{}, fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return archiveKey{Owner: segs[0], Day: day, File: segs[2]}, nil
}

// validateKey accepts recording keys only.
func validateKey(key string) error {
	if isSidecar(key) {
		return fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	_, err := parseKey(key)
	return err
}

func sidecarKey(key string) string { return key + sidecarSuffix }

func isSidecar(key string) bool { return strings.HasSuffix(key, sidecarSuffix) }

// expired reports whether a recording archived on day falls outside the
// retention window. Zero retention keeps everything.
func expired(day time.Time, retention time.Duration, now time.Time) bool {
	return retention > 0 && now.Sub(day) > retention
}

// safeSegment makes an owner id usable as one path segment.
func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
