package job

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus accepts the canonical status names, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	_, ok := allowedTransitions[st]
	return st, ok
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

type MediaType string

const (
	MediaMovie MediaType = "movie"
	MediaTV    MediaType = "tv"
	MediaMusic MediaType = "music"
	MediaOther MediaType = "other"

	// MediaAuto is only valid on submission; it is resolved before the job is created.
	MediaAuto MediaType = "auto"
)

func (t MediaType) Valid() bool {
	switch t {
	case MediaMovie, MediaTV, MediaMusic, MediaOther:
		return true
	}
	return false
}

// FailureKind tags the cause of a failed job. It prefixes Job.Error.
type FailureKind string

const (
	FailureExecution     FailureKind = "execution"
	FailureTimeout       FailureKind = "timeout"
	FailureResourceLimit FailureKind = "resource_limit_exceeded"
	FailureInterrupted   FailureKind = "interrupted"
)

// DefaultMaxLogLines bounds Job.OutputLog when the manager is not told otherwise.
const DefaultMaxLogLines = 1000

type Job struct {
	ID           string     `json:"id"`
	MediaSource  string     `json:"mediaSource"`
	SourceKind   SourceKind `json:"sourceKind"`
	MediaType    MediaType  `json:"mediaType"`
	OutputFormat string     `json:"outputFormat"`
	KeepOriginal bool       `json:"keepOriginal"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    time.Time  `json:"startedAt,omitempty"`
	FinishedAt   time.Time  `json:"finishedAt,omitempty"`
	OutputFile   string     `json:"outputFile,omitempty"`
	Error        string     `json:"error,omitempty"`
	OutputLog    []string   `json:"outputLog,omitempty"`
	Progress     float64    `json:"progress"`
	RetryCount   int        `json:"retryCount"`
	RetryOf      string     `json:"retryOf,omitempty"`
}

// Clone returns a deep copy safe to hand out of the manager.
func (j *Job) Clone() Job {
	c := *j
	if j.OutputLog != nil {
		c.OutputLog = make([]string, len(j.OutputLog))
		copy(c.OutputLog, j.OutputLog)
	}
	return c
}

// Elapsed is the running time so far, or the total once finished.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if !j.FinishedAt.IsZero() {
		return j.FinishedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

// NameHint is the human part of the output filename, before sanitizing.
func (j *Job) NameHint() string {
	return NameHint(j.MediaSource, j.SourceKind)
}

// appendBounded appends line and evicts the oldest entries beyond max.
func appendBounded(lines []string, line string, max int) []string {
	if max <= 0 {
		max = DefaultMaxLogLines
	}
	lines = append(lines, line)
	if over := len(lines) - max; over > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(lines, lines[over:])
		for i := n; i < len(lines); i++ {
			lines[i] = ""
		}
		lines = lines[:n]
	}
	return lines
}

func failureText(kind FailureKind, reason string) string {
	if reason == "" {
		return string(kind)
	}
	return string(kind) + ": " + reason
}
