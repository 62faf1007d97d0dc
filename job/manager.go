package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"mediaconv/config"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/semaphore"
)

// storeTimeout bounds a single store call.
const storeTimeout = 5 * time.Second

// Store persists jobs. Save is an upsert keyed by Job.ID.
type Store interface {
	Save(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Ping(ctx context.Context) error
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Statuses []Status
	Limit    int
	// OmitLog leaves Job.OutputLog empty, for list views.
	OmitLog bool
}

func (f Filter) Match(j Job) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// RunRequest is what the executor needs to run one job.
type RunRequest struct {
	Job        Job
	OutputPath string
	// OnLine receives every output line of the subprocess.
	OnLine func(line string)
}

// Outcome is the executor's terminal verdict.
type Outcome struct {
	Status     Status
	OutputFile string
	Kind       FailureKind
	Reason     string
}

// Executor runs the external tool for a job. Cancelling ctx must make Run
// return a StatusCancelled outcome promptly.
type Executor interface {
	Run(ctx context.Context, req RunRequest) Outcome
}

// PathResolver picks and reserves output paths.
type PathResolver interface {
	Resolve(mediaType, name, format string) (string, error)
	Discard(path string) error
}

// DiskProbe reports free bytes for admission checks.
type DiskProbe interface {
	DiskFree(path string) (uint64, error)
}

// Deps are the collaborators composed by the Manager. Disk and Notifier are optional.
type Deps struct {
	Store    Store
	Executor Executor
	Resolver PathResolver
	Disk     DiskProbe
	Notifier Notifier
	Logger   *slog.Logger
}

type SubmitRequest struct {
	MediaSource  string `json:"mediaSource"`
	MediaType    string `json:"mediaType"`
	OutputFormat string `json:"outputFormat"`
	KeepOriginal bool   `json:"keepOriginal"`
}

type MaintenanceResult struct {
	JobsCleaned int
	Elapsed     time.Duration
}

type Health struct {
	Degraded  bool           `json:"degraded"`
	LastError string         `json:"lastError,omitempty"`
	Running   int            `json:"running"`
	Pending   int            `json:"pending"`
	Stored    map[Status]int `json:"stored,omitempty"`
}

// entry is the single authority over one active job. Every mutation holds mu.
type entry struct {
	mu              sync.Mutex
	job             *Job
	cancel          context.CancelFunc
	cancelRequested bool
	dirty           bool
	lastFlush       time.Time
	progress        progressTracker
}

// Manager owns every job state transition. Active jobs live in memory and
// are written through to the Store; terminal jobs are served from the Store.
//
// Lock order: Manager.mu may be held while taking entry.mu, never the reverse.
type Manager struct {
	cfg      *config.Config
	store    Store
	exec     Executor
	resolver PathResolver
	disk     DiskProbe
	notifier Notifier
	logger   *slog.Logger
	allowed  map[string]bool
	persist  retryConfig
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	queue   []string
	runCtx  context.Context
	slots   *semaphore.Weighted
	wake    chan struct{}
	wg      sync.WaitGroup

	healthMu  sync.Mutex
	degraded  bool
	lastError string
}

func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Executor == nil || deps.Resolver == nil {
		return nil, errors.New("job manager needs a store, an executor and a path resolver")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(cfg.AllowedFormats))
	for _, f := range cfg.AllowedFormats {
		allowed[strings.ToLower(f)] = true
	}

	return &Manager{
		cfg:      cfg,
		store:    deps.Store,
		exec:     deps.Executor,
		resolver: deps.Resolver,
		disk:     deps.Disk,
		notifier: deps.Notifier,
		logger:   logger.With("component", "job_manager"),
		allowed:  allowed,
		persist: retryConfig{
			MaxAttempts:  cfg.PersistRetries,
			InitialDelay: cfg.PersistBackoff,
			MaxDelay:     5 * time.Second,
		},
		now:     time.Now,
		entries: make(map[string]*entry),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Start recovers unfinished jobs from the store and begins dispatching.
// Jobs keep running until ctx is cancelled; call Wait to let them settle.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.runCtx != nil {
		m.mu.Unlock()
		return errors.New("job manager already started")
	}
	m.runCtx = ctx
	m.mu.Unlock()

	if err := m.recover(ctx); err != nil {
		return err
	}

	m.logger.Info("job manager started",
		"max_concurrency", m.cfg.MaxConcurrency,
		"allowed_formats", m.cfg.AllowedFormats,
	)

	m.wg.Add(2)
	go m.dispatchLoop(ctx)
	go m.maintenanceLoop(ctx)
	m.signal()
	return nil
}

// Wait blocks until the loops and every running job have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	return m.submit(ctx, req, 0, "")
}

func (m *Manager) submit(ctx context.Context, req SubmitRequest, retryCount int, retryOf string) (Job, error) {
	m.mu.Lock()
	stopped := m.runCtx != nil && m.runCtx.Err() != nil
	m.mu.Unlock()
	if stopped {
		return Job{}, ErrManagerStopped
	}

	src, kind, err := SanitizeSource(req.MediaSource)
	if err != nil {
		return Job{}, err
	}
	mediaType, err := ParseMediaType(req.MediaType, src)
	if err != nil {
		return Job{}, err
	}
	format := strings.ToLower(strings.TrimSpace(req.OutputFormat))
	if !m.allowed[format] {
		return Job{}, invalid("output_format", "%q is not one of %s", req.OutputFormat, strings.Join(m.cfg.AllowedFormats, ", "))
	}
	if err := m.checkDisk(); err != nil {
		return Job{}, err
	}

	j := &Job{
		ID:           shortuuid.New(),
		MediaSource:  src,
		SourceKind:   kind,
		MediaType:    mediaType,
		OutputFormat: format,
		KeepOriginal: req.KeepOriginal,
		Status:       StatusPending,
		CreatedAt:    m.now(),
		RetryCount:   retryCount,
		RetryOf:      retryOf,
	}
	e := &entry{job: j}

	e.mu.Lock()
	err = m.persistLocked(e)
	snap := e.job.Clone()
	e.mu.Unlock()
	if err != nil {
		return Job{}, err
	}

	m.mu.Lock()
	m.entries[j.ID] = e
	m.queue = append(m.queue, j.ID)
	m.mu.Unlock()

	m.logger.Info("job submitted",
		"job_id", snap.ID,
		"media_type", snap.MediaType,
		"source_kind", snap.SourceKind,
		"output_format", snap.OutputFormat,
		"retry_of", snap.RetryOf,
	)
	m.signal()
	return snap, nil
}

func (m *Manager) checkDisk() error {
	if m.disk == nil || m.cfg.MinFreeDisk <= 0 {
		return nil
	}
	free, err := m.disk.DiskFree(m.cfg.OutputDir)
	if err != nil {
		m.logger.Warn("could not read free disk space", "path", m.cfg.OutputDir, "error", err)
		return nil
	}
	if free < uint64(m.cfg.MinFreeDisk) {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientDiskSpace, free, m.cfg.MinFreeDisk)
	}
	return nil
}

// Get returns the current state of a job.
func (m *Manager) Get(ctx context.Context, id string) (Job, error) {
	if e := m.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job.Clone(), nil
	}
	return m.store.Get(ctx, id)
}

// List returns jobs newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]Job, error) {
	active := m.activeSnapshots()

	query := Filter{Statuses: f.Statuses, OmitLog: f.OmitLog}
	if f.Limit > 0 {
		// Active jobs may replace stored rows that no longer match.
		query.Limit = f.Limit + len(active)
	}
	stored, err := m.store.List(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	byID := make(map[string]Job, len(stored))
	for _, j := range stored {
		byID[j.ID] = j
	}

	// In-memory state is never older than the stored row.
	for _, j := range active {
		if !f.Match(j) {
			delete(byID, j.ID)
			continue
		}
		if f.OmitLog {
			j.OutputLog = nil
		}
		byID[j.ID] = j
	}

	out := make([]Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cancel requests cancellation. It reports false, without error, when the
// job had already reached a terminal state.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	e := m.lookup(id)
	if e == nil {
		if _, err := m.store.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	e.mu.Lock()
	switch e.job.Status {
	case StatusPending:
		err := m.closeLocked(e, StatusCancelled, "", "")
		snap := e.job.Clone()
		e.mu.Unlock()

		m.logger.Info("job cancelled while pending", "job_id", id)
		if err == nil {
			m.forget(id)
		} else {
			m.dropFromQueue(id)
		}
		m.emit(snap)
		return true, nil

	case StatusRunning:
		if !e.cancelRequested {
			e.cancelRequested = true
			if e.cancel != nil {
				e.cancel()
			}
			m.logger.Info("cancellation signal sent to running job", "job_id", id)
		}
		e.mu.Unlock()
		return true, nil

	default:
		e.mu.Unlock()
		return false, nil
	}
}

// Retry submits a fresh copy of a failed or cancelled job.
func (m *Manager) Retry(ctx context.Context, id string) (Job, error) {
	src, err := m.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if src.Status != StatusFailed && src.Status != StatusCancelled {
		return Job{}, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, src.Status)
	}
	return m.submit(ctx, SubmitRequest{
		MediaSource:  src.MediaSource,
		MediaType:    string(src.MediaType),
		OutputFormat: src.OutputFormat,
		KeepOriginal: src.KeepOriginal,
	}, src.RetryCount+1, src.ID)
}

// RunMaintenance purges terminal jobs that finished before the retention window.
func (m *Manager) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	start := time.Now()
	cutoff := m.now().Add(-m.cfg.JobRetention)

	n, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	res := MaintenanceResult{JobsCleaned: n, Elapsed: time.Since(start)}
	if err != nil {
		m.logger.Error("maintenance failed", "error", err)
		return res, fmt.Errorf("purge terminal jobs: %w", err)
	}
	m.logger.Info("maintenance finished", "jobs_cleaned", n, "cutoff", cutoff, "elapsed", res.Elapsed)
	return res, nil
}

// Health reports active job counts and the state of the store. An unreachable
// store reports degraded even when no write has failed yet.
func (m *Manager) Health(ctx context.Context) Health {
	h := Health{}
	for _, j := range m.activeSnapshots() {
		switch j.Status {
		case StatusRunning:
			h.Running++
		case StatusPending:
			h.Pending++
		}
	}
	m.healthMu.Lock()
	h.Degraded = m.degraded
	h.LastError = m.lastError
	m.healthMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.Ping(ctx); err != nil {
		h.Degraded = true
		h.LastError = fmt.Sprintf("ping store: %v", err)
		return h
	}
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		m.logger.Warn("could not count stored jobs", "error", err)
		return h
	}
	h.Stored = counts
	return h
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("dispatch loop shutting down")
			return
		case <-m.wake:
		case <-ticker.C:
			m.flushDirty()
		}
		m.dispatch(ctx)
	}
}

// dispatch starts queued jobs while slots are free and admission passes.
func (m *Manager) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		if !m.slots.TryAcquire(1) {
			m.mu.Unlock()
			return
		}
		if err := m.checkDisk(); err != nil {
			m.slots.Release(1)
			m.mu.Unlock()
			m.logger.Debug("dispatch deferred", "error", err)
			return
		}
		id := m.queue[0]
		m.queue = m.queue[1:]
		e := m.entries[id]
		if e == nil {
			m.slots.Release(1)
			m.mu.Unlock()
			continue
		}
		m.wg.Add(1)
		m.mu.Unlock()

		go m.run(ctx, e)
	}
}

// run owns one execution slot for the lifetime of the job's subprocess.
func (m *Manager) run(parent context.Context, e *entry) {
	defer m.wg.Done()
	defer m.signal()
	defer m.slots.Release(1)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	e.mu.Lock()
	if e.job.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	e.job.Status = StatusRunning
	e.job.StartedAt = m.now()
	e.cancel = cancel
	_ = m.persistLocked(e)
	snap := e.job.Clone()
	e.mu.Unlock()

	logger := m.logger.With("job_id", snap.ID)
	logger.Info("job started", "source_kind", snap.SourceKind, "media_type", snap.MediaType)
	m.emit(snap)

	out, err := m.resolver.Resolve(string(snap.MediaType), snap.NameHint(), snap.OutputFormat)
	if err != nil {
		m.finish(e, Outcome{Status: StatusFailed, Kind: FailureExecution, Reason: fmt.Sprintf("resolve output path: %v", err)})
		return
	}

	outcome := m.exec.Run(ctx, RunRequest{
		Job:        snap,
		OutputPath: out,
		OnLine:     func(line string) { m.appendLog(e, line) },
	})
	if outcome.Status != StatusCompleted || outcome.OutputFile == "" {
		if err := m.resolver.Discard(out); err != nil {
			logger.Warn("could not discard output placeholder", "path", out, "error", err)
		}
	}
	m.finish(e, outcome)
}

// finish records the executor's outcome as the job's terminal state.
func (m *Manager) finish(e *entry, o Outcome) {
	e.mu.Lock()
	if e.job.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}

	status := o.Status
	switch status {
	case StatusCompleted:
		if o.OutputFile == "" {
			status, o.Kind, o.Reason = StatusFailed, FailureExecution, "tool reported success without an output file"
		}
	case StatusCancelled:
		if !e.cancelRequested {
			status, o.Kind, o.Reason = StatusFailed, FailureInterrupted, "manager shutting down"
		}
	case StatusFailed:
	default:
		status, o.Kind, o.Reason = StatusFailed, FailureExecution, fmt.Sprintf("executor returned status %q", o.Status)
	}
	if o.Kind == "" {
		o.Kind = FailureExecution
	}

	errText := ""
	if status == StatusFailed {
		errText = failureText(o.Kind, o.Reason)
	}
	err := m.closeLocked(e, status, o.OutputFile, errText)
	snap := e.job.Clone()
	e.mu.Unlock()

	m.logger.Info("job finished",
		"job_id", snap.ID,
		"status", snap.Status,
		"output_file", snap.OutputFile,
		"error", snap.Error,
		"elapsed", snap.Elapsed(m.now()),
	)
	if err == nil {
		m.forget(snap.ID)
	}
	m.emit(snap)
}

// closeLocked applies a terminal transition; e.mu must be held. The in-memory
// transition stands even when persisting fails.
func (m *Manager) closeLocked(e *entry, status Status, outputFile, errText string) error {
	if !CanTransition(e.job.Status, status) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", e.job.Status, status, e.job.ID)
	}
	e.job.Status = status
	e.job.FinishedAt = m.now()
	switch status {
	case StatusCompleted:
		e.job.OutputFile = outputFile
		e.job.Progress = 100
	case StatusFailed:
		e.job.Error = errText
	}
	e.cancel = nil
	return m.persistLocked(e)
}

func (m *Manager) appendLog(e *entry, line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status != StatusRunning {
		return
	}
	e.job.OutputLog = appendBounded(e.job.OutputLog, line, m.cfg.LogMaxLines)
	if p, ok := e.progress.observe(line); ok {
		e.job.Progress = p
	}
	e.dirty = true
	if m.now().Sub(e.lastFlush) >= m.cfg.LogFlushInterval {
		_ = m.saveLocked(e, retryConfig{MaxAttempts: 1})
	}
}

func (m *Manager) persistLocked(e *entry) error {
	return m.saveLocked(e, m.persist)
}

func (m *Manager) saveLocked(e *entry, rc retryConfig) error {
	snap := e.job.Clone()
	err := withRetry(context.Background(), rc, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		return m.store.Save(ctx, snap)
	})
	if err != nil {
		e.dirty = true
		m.setDegraded(err)
		m.logger.Error("persist job failed", "job_id", snap.ID, "status", snap.Status, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	e.dirty = false
	e.lastFlush = m.now()
	m.clearDegraded()
	return nil
}

// flushDirty writes in-memory state that is ahead of the store and drops
// terminal entries once they are safely persisted.
func (m *Manager) flushDirty() {
	m.mu.Lock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.Unlock()

	for _, e := range list {
		e.mu.Lock()
		if !e.dirty {
			e.mu.Unlock()
			continue
		}
		err := m.saveLocked(e, retryConfig{MaxAttempts: 1})
		terminal := e.job.Status.IsTerminal()
		id := e.job.ID
		e.mu.Unlock()

		if err == nil && terminal {
			m.forget(id)
		}
	}
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	if m.cfg.MaintenanceInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance loop shutting down")
			return
		case <-ticker.C:
			_, _ = m.RunMaintenance(ctx)
		}
	}
}

// recover reloads unfinished jobs. Pending jobs are queued again in
// submission order; running jobs lost their subprocess and are failed.
func (m *Manager) recover(ctx context.Context) error {
	jobs, err := m.store.List(ctx, Filter{Statuses: []Status{StatusPending, StatusRunning}})
	if err != nil {
		return fmt.Errorf("load unfinished jobs: %w", err)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })

	var requeue []string
	interrupted := 0
	for i := range jobs {
		j := jobs[i]
		m.mu.Lock()
		_, known := m.entries[j.ID]
		m.mu.Unlock()
		if known {
			continue
		}

		e := &entry{job: &j}
		switch j.Status {
		case StatusRunning:
			e.mu.Lock()
			err := m.closeLocked(e, StatusFailed, "", failureText(FailureInterrupted, "manager restarted while the job was running"))
			snap := e.job.Clone()
			e.mu.Unlock()
			if err != nil {
				m.mu.Lock()
				m.entries[j.ID] = e
				m.mu.Unlock()
			}
			m.emit(snap)
			interrupted++
		case StatusPending:
			m.mu.Lock()
			m.entries[j.ID] = e
			m.mu.Unlock()
			requeue = append(requeue, j.ID)
		}
	}

	m.mu.Lock()
	m.queue = append(requeue, m.queue...)
	m.mu.Unlock()

	if len(requeue) > 0 || interrupted > 0 {
		m.logger.Info("recovered unfinished jobs", "requeued", len(requeue), "interrupted", interrupted)
	}
	return nil
}

func (m *Manager) lookup(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id]
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	m.removeQueuedLocked(id)
}

func (m *Manager) dropFromQueue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeQueuedLocked(id)
}

func (m *Manager) removeQueuedLocked(id string) {
	for i, q := range m.queue {
		if q == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) activeSnapshots() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
	}
	return out
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) emit(j Job) {
	if m.notifier == nil {
		return
	}
	if ev, ok := newEvent(j, m.now()); ok {
		m.notifier.Notify(ev)
	}
}

func (m *Manager) setDegraded(err error) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if !m.degraded {
		m.logger.Warn("job store degraded", "error", err)
	}
	m.degraded = true
	m.lastError = err.Error()
}

func (m *Manager) clearDegraded() {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.degraded {
		m.logger.Info("job store recovered")
	}
	m.degraded = false
	m.lastError = ""
}
