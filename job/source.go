package job

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// SourceKind tells the conversion tool how to acquire the media.
type SourceKind string

const (
	SourceURL     SourceKind = "url"
	SourceYouTube SourceKind = "youtube"
	SourceMagnet  SourceKind = "magnet"
	SourceNZB     SourceKind = "nzb"
	SourceTorrent SourceKind = "torrent"
	SourceFile    SourceKind = "file"
	SourceSearch  SourceKind = "search"
)

// MaxSourceLength bounds media_source in bytes.
const MaxSourceLength = 2048

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mkv": true, ".mov": true, ".wmv": true,
	".flv": true, ".webm": true, ".m4v": true, ".mpg": true, ".mpeg": true,
	".mp3": true, ".flac": true, ".wav": true, ".aac": true, ".ogg": true, ".m4a": true,
}

// SanitizeSource validates a raw media source and classifies it.
func SanitizeSource(raw string) (string, SourceKind, error) {
	src := strings.TrimSpace(raw)
	if src == "" {
		return "", "", invalid("media_source", "must not be empty")
	}
	if len(src) > MaxSourceLength {
		return "", "", invalid("media_source", "longer than %d bytes", MaxSourceLength)
	}
	for _, r := range src {
		if unicode.IsControl(r) {
			return "", "", invalid("media_source", "contains control characters")
		}
	}
	// The source is passed to the tool as its own argument; a leading dash
	// would still be read as an option.
	if strings.HasPrefix(src, "-") {
		return "", "", invalid("media_source", "must not start with '-'")
	}

	kind := ClassifySource(src)
	switch kind {
	case SourceURL, SourceYouTube:
		u, err := url.Parse(src)
		if err != nil || u.Host == "" {
			return "", "", invalid("media_source", "malformed URL")
		}
	case SourceMagnet:
		if !strings.HasPrefix(strings.ToLower(src), "magnet:?") {
			return "", "", invalid("media_source", "malformed magnet link")
		}
	case SourceFile, SourceNZB, SourceTorrent:
		if !strings.Contains(src, "://") {
			src = filepath.Clean(src)
		}
	}
	return src, kind, nil
}

// ClassifySource picks the acquisition method for a source string.
func ClassifySource(src string) SourceKind {
	lower := strings.ToLower(strings.TrimSpace(src))
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		return SourceMagnet
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "ftp://"):
		if strings.Contains(lower, "youtube.com/") || strings.Contains(lower, "youtu.be/") {
			return SourceYouTube
		}
		if strings.HasSuffix(pathOf(lower), ".torrent") {
			return SourceTorrent
		}
		if strings.HasSuffix(pathOf(lower), ".nzb") {
			return SourceNZB
		}
		return SourceURL
	case strings.HasSuffix(lower, ".nzb"):
		return SourceNZB
	case strings.HasSuffix(lower, ".torrent"):
		return SourceTorrent
	case strings.ContainsAny(lower, `/\`), videoExtensions[filepath.Ext(lower)]:
		return SourceFile
	default:
		return SourceSearch
	}
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

// NameHint derives a display name for the output file from the source.
func NameHint(src string, kind SourceKind) string {
	switch kind {
	case SourceMagnet:
		if u, err := url.Parse(src); err == nil {
			if dn := u.Query().Get("dn"); dn != "" {
				return dn
			}
		}
		return "magnet"
	case SourceURL, SourceYouTube, SourceNZB, SourceTorrent:
		u, err := url.Parse(src)
		if err != nil {
			return src
		}
		if kind == SourceYouTube {
			if v := u.Query().Get("v"); v != "" {
				return "youtube_" + v
			}
		}
		if base := trimExt(path.Base(u.Path)); base != "" && base != "." && base != "/" {
			return base
		}
		return u.Hostname()
	case SourceFile:
		return trimExt(filepath.Base(src))
	default:
		return src
	}
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

var (
	tvPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bs\d{1,2}e\d{1,2}\b`),
		regexp.MustCompile(`(?i)\b\d{1,2}x\d{1,2}\b`),
		regexp.MustCompile(`(?i)\bseason[ ._-]?\d{1,2}\b`),
		regexp.MustCompile(`(?i)\bepisode[ ._-]?\d{1,2}\b`),
		regexp.MustCompile(`(?i)\bcomplete (series|season)\b`),
	}
	musicPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(mp3|flac|wav|aac|alac|aiff)\b`),
		regexp.MustCompile(`(?i)\b(album|discography|ost|soundtrack)\b`),
		regexp.MustCompile(`(?i)\bva -`),
		regexp.MustCompile(`(?i)\b\d{3,4}kbps\b`),
	}
	moviePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(19|20)\d{2}\b`),
		regexp.MustCompile(`(?i)\b(720p|1080p|2160p|4k)\b`),
		regexp.MustCompile(`(?i)\b(brrip|bluray|webdl|web-dl|dvdrip)\b`),
		regexp.MustCompile(`(?i)directors.cut|extended.edition`),
	}
)

// DetectMediaType guesses the media type from release-name conventions.
// Episode markers win over years, since most episode names carry a year too.
func DetectMediaType(src string) MediaType {
	name := strings.NewReplacer(".", " ", "_", " ").Replace(src)
	for _, re := range tvPatterns {
		if re.MatchString(name) {
			return MediaTV
		}
	}
	for _, re := range musicPatterns {
		if re.MatchString(name) {
			return MediaMusic
		}
	}
	for _, re := range moviePatterns {
		if re.MatchString(name) {
			return MediaMovie
		}
	}
	return MediaOther
}

// ParseMediaType validates a submitted media type. Empty and "auto" are
// resolved against the source.
func ParseMediaType(raw, src string) (MediaType, error) {
	mt := MediaType(strings.ToLower(strings.TrimSpace(raw)))
	if mt == "" || mt == MediaAuto {
		return DetectMediaType(src), nil
	}
	if !mt.Valid() {
		return "", invalid("media_type", "%q is not one of movie, tv, music, other", raw)
	}
	return mt, nil
}
