package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"mediaconv/job"

	"github.com/redis/go-redis/v9"
)

// LogSink writes every event as a structured log record.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, ev job.Event) error {
	attrs := []any{"event_id", ev.ID, "job_id", ev.JobID, "type", ev.Type}
	for k, v := range ev.Summary {
		attrs = append(attrs, k, v)
	}
	s.Logger.Info("job event", attrs...)
	return nil
}

// WebhookSink POSTs the event as JSON.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (WebhookSink) Name() string { return "webhook" }

func (s WebhookSink) Send(ctx context.Context, ev job.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mediaconv-Event", string(ev.Type))

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// RedisSink publishes the event as JSON on a pub/sub channel.
type RedisSink struct {
	Client  *redis.Client
	Channel string
}

func (RedisSink) Name() string { return "redis" }

func (s RedisSink) Send(ctx context.Context, ev job.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.Client.Publish(ctx, s.Channel, body).Err()
}
