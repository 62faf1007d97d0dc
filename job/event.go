package job

import (
	"strconv"
	"time"
)

type EventType string

const (
	EventStarted   EventType = "job.started"
	EventCompleted EventType = "job.completed"
	EventFailed    EventType = "job.failed"
	EventCancelled EventType = "job.cancelled"
)

// Event is emitted on pending -> running and on every terminal transition.
type Event struct {
	ID        string            `json:"id"`
	JobID     string            `json:"jobId"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Summary   map[string]string `json:"summary"`
}

// Notifier receives job events. Implementations must not block.
type Notifier interface {
	Notify(ev Event)
}

func eventTypeFor(s Status) (EventType, bool) {
	switch s {
	case StatusRunning:
		return EventStarted, true
	case StatusCompleted:
		return EventCompleted, true
	case StatusFailed:
		return EventFailed, true
	case StatusCancelled:
		return EventCancelled, true
	}
	return "", false
}

func newEvent(j Job, now time.Time) (Event, bool) {
	typ, ok := eventTypeFor(j.Status)
	if !ok {
		return Event{}, false
	}
	summary := map[string]string{
		"media_source":  j.MediaSource,
		"media_type":    string(j.MediaType),
		"output_format": j.OutputFormat,
		"status":        string(j.Status),
		"retry_count":   strconv.Itoa(j.RetryCount),
	}
	if j.OutputFile != "" {
		summary["output_file"] = j.OutputFile
	}
	if j.Error != "" {
		summary["error"] = j.Error
	}
	if !j.StartedAt.IsZero() && !j.FinishedAt.IsZero() {
		summary["elapsed"] = j.FinishedAt.Sub(j.StartedAt).Round(time.Millisecond).String()
	}
	return Event{
		JobID:     j.ID,
		Type:      typ,
		Timestamp: now,
		Summary:   summary,
	}, true
}
