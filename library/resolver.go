// Package library files converted media into a per-type directory tree.
package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNameLength bounds the sanitized file stem, in bytes.
const MaxNameLength = 70

// maxCollisions bounds the _N suffix search for a free name.
const maxCollisions = 1000

// Buckets maps a media type to its directory under the library root.
// Anything not listed lands in "other".
var Buckets = map[string]string{
	"movie": "movies",
	"tv":    "tv",
	"music": "music",
	"other": "other",
}

var (
	unsafeChars = regexp.MustCompile(`[^\w\-. ]+`)
	spaceRuns   = regexp.MustCompile(`[\s_]+`)
	formatRe    = regexp.MustCompile(`^[a-z0-9]{1,10}$`)
)

// Resolver hands out collision-free output paths inside a root directory.
type Resolver struct {
	root string
}

func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve library root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create library root: %w", err)
	}
	return &Resolver{root: abs}, nil
}

func (r *Resolver) Root() string { return r.root }

// BaseDir returns the directory files of the given media type are written to.
func (r *Resolver) BaseDir(mediaType string) string {
	bucket, ok := Buckets[strings.ToLower(mediaType)]
	if !ok {
		bucket = Buckets["other"]
	}
	return filepath.Join(r.root, bucket)
}

// Resolve picks an absolute output path and reserves it by creating an empty
// file. The caller owns the file and must Discard it if no output is produced.
func (r *Resolver) Resolve(mediaType, name, format string) (string, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if !formatRe.MatchString(format) {
		return "", fmt.Errorf("invalid output format %q", format)
	}

	dir := r.BaseDir(mediaType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	stem := SanitizeName(name)
	for i := 0; i < maxCollisions; i++ {
		candidate := stem
		if i > 0 {
			candidate = stem + "_" + strconv.Itoa(i)
		}
		p := filepath.Join(dir, candidate+"."+format)
		if !within(dir, p) {
			return "", fmt.Errorf("output path %q escapes %q", p, dir)
		}

		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve output file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("reserve output file: %w", err)
		}
		return p, nil
	}
	return "", fmt.Errorf("no free name for %q in %s after %d attempts", stem, dir, maxCollisions)
}

// Discard removes a reserved path. Paths outside the library are refused.
func (r *Resolver) Discard(p string) error {
	if !within(r.root, p) {
		return fmt.Errorf("refusing to remove %q outside %q", p, r.root)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Contains reports whether p lies inside the library root.
func (r *Resolver) Contains(p string) bool {
	return within(r.root, p)
}

// SanitizeName turns arbitrary text into a single safe file stem.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case r == '/' || r == '\\' || r == ':':
			return '_'
		}
		return r
	}, name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = spaceRuns.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._- ")

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
		for !utf8.ValidString(name) {
			name = name[:len(name)-1]
		}
		name = strings.TrimRight(name, "._- ")
	}
	if name == "" {
		return "media"
	}
	return name
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
