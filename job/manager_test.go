package job

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediaconv/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store that also records every saved status per job.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]Job
	history    map[string][]Status
	lastFilter Filter
	failSave   atomic.Bool
	failPing   atomic.Bool
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]Job{}, history: map[string][]Status{}}
}

func (s *memStore) Save(_ context.Context, j Job) error {
	if s.failSave.Load() {
		return errors.New("disk I/O error")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[j.ID]
	if len(h) == 0 || h[len(h)-1] != j.Status {
		s.history[j.ID] = append(h, j.Status)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *memStore) List(_ context.Context, f Filter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = f
	var out []Job
	for _, j := range s.jobs {
		if f.Match(j) {
			c := j.Clone()
			if f.OmitLog {
				c.OutputLog = nil
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) CountByStatus(context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error {
	if s.failPing.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func (s *memStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) statuses(id string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.history[id]...)
}

type funcExec struct {
	calls atomic.Int32
	run   func(ctx context.Context, req RunRequest) Outcome
}

func (e *funcExec) Run(ctx context.Context, req RunRequest) Outcome {
	e.calls.Add(1)
	if e.run != nil {
		return e.run(ctx, req)
	}
	return Outcome{Status: StatusCompleted, OutputFile: req.OutputPath}
}

type fakeResolver struct {
	mu        sync.Mutex
	discarded []string
}

func (r *fakeResolver) Resolve(mediaType, name, format string) (string, error) {
	return path.Join("/library", mediaType, name+"."+format), nil
}

func (r *fakeResolver) Discard(p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, p)
	return nil
}

type fakeDisk struct{ free atomic.Uint64 }

func (d *fakeDisk) DiskFree(string) (uint64, error) { return d.free.Load(), nil }

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types(jobID string) []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []EventType
	for _, ev := range n.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrency:   2,
		PollInterval:     10 * time.Millisecond,
		MinFreeDisk:      100,
		OutputDir:        "/library",
		AllowedFormats:   []string{"mp4", "mkv", "webm"},
		JobRetention:     time.Hour,
		LogMaxLines:      5,
		LogFlushInterval: 0,
		PersistRetries:   2,
		PersistBackoff:   time.Millisecond,
	}
}

type harness struct {
	mgr      *Manager
	store    *memStore
	exec     *funcExec
	resolver *fakeResolver
	disk     *fakeDisk
	notes    *recordingNotifier
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, cfg *config.Config, run func(ctx context.Context, req RunRequest) Outcome) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		exec:     &funcExec{run: run},
		resolver: &fakeResolver{},
		disk:     &fakeDisk{},
		notes:    &recordingNotifier{},
	}
	h.disk.free.Store(1 << 30)
	mgr, err := NewManager(cfg, Deps{
		Store:    h.store,
		Executor: h.exec,
		Resolver: h.resolver,
		Disk:     h.disk,
		Notifier: h.notes,
	})
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	require.NoError(t, h.mgr.Start(ctx))
	t.Cleanup(func() {
		cancel()
		h.mgr.Wait()
	})
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) Job {
	t.Helper()
	var got Job
	require.Eventually(t, func() bool {
		j, err := h.mgr.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func movieRequest() SubmitRequest {
	return SubmitRequest{MediaSource: "http://example.com/video", MediaType: "movie", OutputFormat: "mp4"}
}

func TestManager_SubmitCompletes(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, SourceURL, j.SourceKind)

	done := h.waitStatus(t, j.ID, StatusCompleted)
	assert.Equal(t, "/library/movie/video.mp4", done.OutputFile)
	assert.Empty(t, done.Error)
	assert.Equal(t, float64(100), done.Progress)
	assert.False(t, done.StartedAt.Before(done.CreatedAt))
	assert.False(t, done.FinishedAt.Before(done.StartedAt))

	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, h.store.statuses(j.ID))
	require.Eventually(t, func() bool {
		return len(h.notes.types(j.ID)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{EventStarted, EventCompleted}, h.notes.types(j.ID))
}

func TestManager_SubmitValidation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"bogus media type", SubmitRequest{MediaSource: "movie.mkv", MediaType: "bogus", OutputFormat: "mp4"}, "media_type"},
		{"empty source", SubmitRequest{MediaSource: "   ", MediaType: "movie", OutputFormat: "mp4"}, "media_source"},
		{"format not allowed", SubmitRequest{MediaSource: "movie.mkv", MediaType: "movie", OutputFormat: "exe"}, "output_format"},
		{"option injection", SubmitRequest{MediaSource: "-f lavfi", MediaType: "movie", OutputFormat: "mp4"}, "media_source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	jobs, err := h.mgr.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must not create jobs")
}

func TestManager_SubmitInsufficientDisk(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.disk.free.Store(10)

	_, err := h.mgr.Submit(context.Background(), movieRequest())
	assert.ErrorIs(t, err, ErrInsufficientDiskSpace)

	jobs, err := h.mgr.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestManager_AutoMediaType(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	j, err := h.mgr.Submit(context.Background(), SubmitRequest{
		MediaSource:  "Some.Show.S02E05.720p.mkv",
		MediaType:    "auto",
		OutputFormat: "MKV",
	})
	require.NoError(t, err)
	assert.Equal(t, MediaTV, j.MediaType)
	assert.Equal(t, "mkv", j.OutputFormat)
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testConfig(), func(ctx context.Context, req RunRequest) Outcome {
		select {
		case <-release:
			return Outcome{Status: StatusCompleted, OutputFile: req.OutputPath}
		case <-ctx.Done():
			return Outcome{Status: StatusCancelled}
		}
	})
	h.start(t)

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := h.mgr.Submit(context.Background(), SubmitRequest{
			MediaSource:  fmt.Sprintf("clip%d.mp4", i),
			MediaType:    "other",
			OutputFormat: "webm",
		})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	require.Eventually(t, func() bool {
		hl := h.mgr.Health(context.Background())
		return hl.Running == 2 && hl.Pending == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Stays at the limit while nothing finishes.
	time.Sleep(50 * time.Millisecond)
	hl := h.mgr.Health(context.Background())
	assert.Equal(t, 2, hl.Running)
	assert.Equal(t, 3, hl.Pending)

	// First submitted, first dispatched.
	for _, id := range ids[:2] {
		j, err := h.mgr.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, j.Status)
	}

	close(release)
	for _, id := range ids {
		h.waitStatus(t, id, StatusCompleted)
	}
	assert.EqualValues(t, 5, h.exec.calls.Load())
}

func TestManager_CancelPending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	started := make(chan string, 4)
	h := newHarness(t, cfg, func(ctx context.Context, req RunRequest) Outcome {
		started <- req.Job.ID
		<-ctx.Done()
		return Outcome{Status: StatusCancelled}
	})
	h.start(t)

	first, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	require.Equal(t, first.ID, <-started)

	second, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)

	accepted, err := h.mgr.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	j, err := h.mgr.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.True(t, j.StartedAt.IsZero())
	assert.Equal(t, []Status{StatusPending, StatusCancelled}, h.store.statuses(second.ID))

	_, err = h.mgr.Cancel(context.Background(), first.ID)
	require.NoError(t, err)
	h.waitStatus(t, first.ID, StatusCancelled)

	select {
	case id := <-started:
		t.Fatalf("cancelled pending job %s was dispatched", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, testConfig(), func(ctx context.Context, req RunRequest) Outcome {
		close(started)
		<-ctx.Done()
		return Outcome{Status: StatusCancelled}
	})
	h.start(t)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	<-started

	accepted, err := h.mgr.Cancel(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	done := h.waitStatus(t, j.ID, StatusCancelled)
	assert.Empty(t, done.OutputFile)
	assert.Empty(t, done.Error)
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCancelled}, h.store.statuses(j.ID))

	h.resolver.mu.Lock()
	assert.Equal(t, []string{"/library/movie/video.mp4"}, h.resolver.discarded)
	h.resolver.mu.Unlock()
}

func TestManager_CancelTerminalAndUnknown(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	h.waitStatus(t, j.ID, StatusCompleted)

	accepted, err := h.mgr.Cancel(context.Background(), j.ID)
	require.NoError(t, err)
	assert.False(t, accepted)

	again, err := h.mgr.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)

	_, err = h.mgr.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.mgr.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_FailureReasons(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		prefix  string
	}{
		{"non-zero exit", Outcome{Status: StatusFailed, Kind: FailureExecution, Reason: "exit status 1"}, "execution: exit status 1"},
		{"timeout", Outcome{Status: StatusFailed, Kind: FailureTimeout, Reason: "exceeded 1s"}, "timeout: exceeded 1s"},
		{"resource limit", Outcome{Status: StatusFailed, Kind: FailureResourceLimit, Reason: "cpu 99%"}, "resource_limit_exceeded: cpu 99%"},
		{"success without output", Outcome{Status: StatusCompleted}, "execution: tool reported success without an output file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), func(context.Context, RunRequest) Outcome { return tt.outcome })
			h.start(t)

			j, err := h.mgr.Submit(context.Background(), movieRequest())
			require.NoError(t, err)

			done := h.waitStatus(t, j.ID, StatusFailed)
			assert.Equal(t, tt.prefix, done.Error)
			assert.Empty(t, done.OutputFile)
		})
	}
}

func TestManager_RetryFailed(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, testConfig(), func(ctx context.Context, req RunRequest) Outcome {
		if attempts.Add(1) == 1 {
			return Outcome{Status: StatusFailed, Reason: "exit status 1"}
		}
		return Outcome{Status: StatusCompleted, OutputFile: req.OutputPath}
	})
	h.start(t)

	orig, err := h.mgr.Submit(context.Background(), SubmitRequest{
		MediaSource:  "http://example.com/video",
		MediaType:    "movie",
		OutputFormat: "mp4",
		KeepOriginal: true,
	})
	require.NoError(t, err)
	failed := h.waitStatus(t, orig.ID, StatusFailed)

	retried, err := h.mgr.Retry(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, retried.ID)
	assert.Equal(t, failed.RetryCount+1, retried.RetryCount)
	assert.Equal(t, orig.ID, retried.RetryOf)
	assert.True(t, retried.KeepOriginal)

	h.waitStatus(t, retried.ID, StatusCompleted)

	after, err := h.mgr.Get(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, failed, after, "retry must not touch the original record")

	_, err = h.mgr.Retry(context.Background(), retried.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.mgr.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_OutputLogBoundedAndProgress(t *testing.T) {
	h := newHarness(t, testConfig(), func(ctx context.Context, req RunRequest) Outcome {
		req.OnLine("Duration: 00:00:10.00, start: 0.000000")
		for i := 1; i <= 9; i++ {
			req.OnLine(fmt.Sprintf("frame=%d time=00:00:0%d.00 speed=1x", i, i))
		}
		return Outcome{Status: StatusFailed, Reason: "stopped"}
	})
	h.start(t)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	done := h.waitStatus(t, j.ID, StatusFailed)

	require.Len(t, done.OutputLog, 5)
	assert.Equal(t, "frame=5 time=00:00:05.00 speed=1x", done.OutputLog[0])
	assert.Equal(t, "frame=9 time=00:00:09.00 speed=1x", done.OutputLog[4])
	assert.InDelta(t, 90, done.Progress, 0.01)

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, done.OutputLog, stored.OutputLog)
}

func TestManager_ListNewestFirst(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	h.mgr.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := h.mgr.Submit(context.Background(), movieRequest())
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	_, err := h.mgr.Cancel(context.Background(), ids[1])
	require.NoError(t, err)

	all, err := h.mgr.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	pending, err := h.mgr.List(context.Background(), Filter{Statuses: []Status{StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[2], pending[0].ID)

	cancelled, err := h.mgr.List(context.Background(), Filter{Statuses: []Status{StatusCancelled}})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, ids[1], cancelled[0].ID)
}

func TestManager_RunMaintenance(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	old := time.Now().Add(-2 * time.Hour)
	ctx := context.Background()

	require.NoError(t, h.store.Save(ctx, Job{ID: "old-done", Status: StatusCompleted, OutputFile: "x", CreatedAt: old, FinishedAt: old}))
	require.NoError(t, h.store.Save(ctx, Job{ID: "old-failed", Status: StatusFailed, Error: "x", CreatedAt: old, FinishedAt: old}))
	require.NoError(t, h.store.Save(ctx, Job{ID: "fresh-done", Status: StatusCompleted, OutputFile: "x", CreatedAt: old, FinishedAt: time.Now()}))
	require.NoError(t, h.store.Save(ctx, Job{ID: "old-pending", Status: StatusPending, CreatedAt: old}))

	res, err := h.mgr.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.JobsCleaned)

	for _, id := range []string{"fresh-done", "old-pending"} {
		_, err := h.store.Get(ctx, id)
		assert.NoError(t, err, id)
	}
	_, err = h.store.Get(ctx, "old-done")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_StartRecoversUnfinishedJobs(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	created := time.Now().Add(-time.Minute)

	require.NoError(t, h.store.Save(ctx, Job{
		ID: "was-running", MediaSource: "a.mkv", SourceKind: SourceFile, MediaType: MediaMovie,
		OutputFormat: "mp4", Status: StatusRunning, CreatedAt: created, StartedAt: created,
	}))
	require.NoError(t, h.store.Save(ctx, Job{
		ID: "was-pending", MediaSource: "b.mkv", SourceKind: SourceFile, MediaType: MediaMovie,
		OutputFormat: "mp4", Status: StatusPending, CreatedAt: created,
	}))

	h.start(t)

	interrupted := h.waitStatus(t, "was-running", StatusFailed)
	assert.Contains(t, interrupted.Error, "interrupted: ")
	assert.False(t, interrupted.FinishedAt.IsZero())

	done := h.waitStatus(t, "was-pending", StatusCompleted)
	assert.Equal(t, "/library/movie/b.mp4", done.OutputFile)
}

func TestManager_ShutdownInterruptsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, testConfig(), func(ctx context.Context, req RunRequest) Outcome {
		close(started)
		<-ctx.Done()
		return Outcome{Status: StatusCancelled}
	})
	h.start(t)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	<-started

	h.cancel()
	h.mgr.Wait()

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "interrupted: manager shutting down", stored.Error)

	_, err = h.mgr.Submit(context.Background(), movieRequest())
	assert.ErrorIs(t, err, ErrManagerStopped)
}

func TestManager_PersistenceFailureDegrades(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.store.failSave.Store(true)

	_, err := h.mgr.Submit(context.Background(), movieRequest())
	assert.ErrorIs(t, err, ErrPersistence)
	hl := h.mgr.Health(context.Background())
	assert.True(t, hl.Degraded)
	assert.Contains(t, hl.LastError, "disk I/O error")

	h.store.failSave.Store(false)
	_, err = h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	assert.False(t, h.mgr.Health(context.Background()).Degraded)
}

func TestManager_TerminalStateResyncedAfterStoreRecovers(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testConfig(), func(ctx context.Context, req RunRequest) Outcome {
		<-release
		return Outcome{Status: StatusCompleted, OutputFile: req.OutputPath}
	})
	h.start(t)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	h.waitStatus(t, j.ID, StatusRunning)

	h.store.failSave.Store(true)
	close(release)

	// Served from memory while the store is down.
	h.waitStatus(t, j.ID, StatusCompleted)
	assert.True(t, h.mgr.Health(context.Background()).Degraded)

	h.store.failSave.Store(false)
	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), j.ID)
		return err == nil && stored.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.mgr.Health(context.Background()).Degraded }, time.Second, 5*time.Millisecond)
}

func TestManager_DispatchWaitsForDiskSpace(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)

	// Space runs out between admission and dispatch.
	h.disk.free.Store(10)
	h.start(t)

	time.Sleep(50 * time.Millisecond)
	got, err := h.mgr.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, int32(0), h.exec.calls.Load())

	h.disk.free.Store(1 << 30)
	done := h.waitStatus(t, j.ID, StatusCompleted)
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, h.store.statuses(done.ID))
}

func TestManager_HealthReportsStore(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	h.waitStatus(t, j.ID, StatusCompleted)

	require.Eventually(t, func() bool {
		return h.mgr.Health(context.Background()).Stored[StatusCompleted] == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.mgr.Health(context.Background()).Degraded)

	h.store.failPing.Store(true)
	hl := h.mgr.Health(context.Background())
	assert.True(t, hl.Degraded)
	assert.Contains(t, hl.LastError, "connection refused")
	assert.Nil(t, hl.Stored)

	h.store.failPing.Store(false)
	assert.False(t, h.mgr.Health(context.Background()).Degraded)
}

func TestManager_ListLimitAndOmitLog(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testConfig(), func(ctx context.Context, req RunRequest) Outcome {
		req.OnLine("frame=1")
		<-release
		return Outcome{Status: StatusCompleted, OutputFile: req.OutputPath}
	})
	h.start(t)
	defer close(release)

	j, err := h.mgr.Submit(context.Background(), movieRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := h.mgr.Get(context.Background(), j.ID)
		return err == nil && len(got.OutputLog) == 1
	}, 2*time.Second, 5*time.Millisecond)

	list, err := h.mgr.List(context.Background(), Filter{Limit: 1, OmitLog: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].OutputLog)

	h.store.mu.Lock()
	f := h.store.lastFilter
	h.store.mu.Unlock()
	assert.True(t, f.OmitLog)
	assert.Equal(t, 2, f.Limit, "limit is widened by the active jobs")
}
