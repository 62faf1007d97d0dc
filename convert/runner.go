// Package convert runs the external conversion tool as a supervised subprocess.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"mediaconv/config"
	"mediaconv/job"
)

// tailLines is how much output ends up in a failure reason.
const tailLines = 5

// LimitChecker reports resource limit breaches for a running process tree.
type LimitChecker interface {
	ExceedsLimits(pid int, cpuLimit, memLimit float64) (bool, string, error)
	Forget(pid int)
}

type Runner struct {
	bin           string
	tmpl          *Template
	timeout       time.Duration
	grace         time.Duration
	poll          time.Duration
	resourceGrace time.Duration
	cpuLimit      float64
	memLimit      float64
	limits        LimitChecker
	logger        *slog.Logger
}

// NewRunner checks that the tool exists and parses the argument template.
// limits may be nil to disable resource enforcement.
func NewRunner(cfg *config.Config, limits LimitChecker, logger *slog.Logger) (*Runner, error) {
	bin, err := exec.LookPath(cfg.ConvertBin)
	if err != nil {
		return nil, fmt.Errorf("conversion binary not found or not in PATH: %s", cfg.ConvertBin)
	}
	tmpl, err := ParseTemplate(cfg.ConvertArgs)
	if err != nil {
		return nil, fmt.Errorf("CONVERT_ARGS: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		bin:           bin,
		tmpl:          tmpl,
		timeout:       cfg.JobTimeout,
		grace:         cfg.KillGrace,
		poll:          cfg.PollInterval,
		resourceGrace: cfg.ResourceGrace,
		cpuLimit:      cfg.CPULimit,
		memLimit:      cfg.MemLimit,
		limits:        limits,
		logger:        logger.With("component", "convert"),
	}, nil
}

// Args returns the argument vector a job would be run with.
func (r *Runner) Args(j job.Job, outputPath string) []string {
	return r.tmpl.Expand(map[string]string{
		PlaceholderSource:       j.MediaSource,
		PlaceholderOutput:       outputPath,
		PlaceholderOutputDir:    filepath.Dir(outputPath),
		PlaceholderFormat:       j.OutputFormat,
		PlaceholderMediaType:    string(j.MediaType),
		PlaceholderKind:         string(j.SourceKind),
		PlaceholderKeepOriginal: strconv.FormatBool(j.KeepOriginal),
		PlaceholderJobID:        j.ID,
	})
}

// Run executes the tool for one job and blocks until it has exited. The
// process is stopped on ctx cancellation, on the wall-clock timeout, and when
// it stays over the resource limits for longer than the resource grace period.
func (r *Runner) Run(ctx context.Context, req job.RunRequest) job.Outcome {
	logger := r.logger.With("job_id", req.Job.ID)
	if err := ctx.Err(); err != nil {
		return job.Outcome{Status: job.StatusCancelled, Reason: "cancelled before start"}
	}

	args := r.Args(req.Job, req.OutputPath)
	cmd := exec.Command(r.bin, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = r.grace

	recent := &tail{n: tailLines}
	out := &lineWriter{emit: func(line string) {
		recent.add(line)
		if req.OnLine != nil {
			req.OnLine(line)
		}
	}}
	// Same writer for both streams: exec serializes the writes.
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return job.Outcome{Status: job.StatusFailed, Kind: job.FailureExecution, Reason: fmt.Sprintf("start %s: %v", r.bin, err)}
	}
	pid := cmd.Process.Pid
	logger.Info("conversion started", "pid", pid, "bin", r.bin, "args", args)
	if r.limits != nil {
		defer r.limits.Forget(pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	var breachSince time.Time
	for {
		select {
		case err := <-done:
			_ = out.Close()
			if errors.Is(err, exec.ErrWaitDelay) {
				// The tool exited cleanly but left a child holding its output open.
				logger.Warn("conversion output still held open after exit", "pid", pid)
				err = nil
			}
			return r.exited(err, req.OutputPath, recent, logger)

		case <-ctx.Done():
			logger.Info("cancelling conversion", "pid", pid)
			r.terminate(cmd, done, logger)
			_ = out.Close()
			return job.Outcome{Status: job.StatusCancelled, Reason: "cancelled"}

		case <-timer.C:
			logger.Warn("conversion timed out", "pid", pid, "timeout", r.timeout)
			r.terminate(cmd, done, logger)
			_ = out.Close()
			return job.Outcome{Status: job.StatusFailed, Kind: job.FailureTimeout, Reason: fmt.Sprintf("exceeded %s", r.timeout)}

		case <-ticker.C:
			if r.limits == nil {
				continue
			}
			over, why, err := r.limits.ExceedsLimits(pid, r.cpuLimit, r.memLimit)
			if err != nil {
				logger.Debug("resource poll failed", "pid", pid, "error", err)
				continue
			}
			if !over {
				breachSince = time.Time{}
				continue
			}
			if breachSince.IsZero() {
				breachSince = time.Now()
				logger.Warn("conversion over resource limits", "pid", pid, "reason", why)
			}
			if time.Since(breachSince) >= r.resourceGrace {
				r.terminate(cmd, done, logger)
				_ = out.Close()
				return job.Outcome{Status: job.StatusFailed, Kind: job.FailureResourceLimit, Reason: why}
			}
		}
	}
}

func (r *Runner) exited(err error, outputPath string, recent *tail, logger *slog.Logger) job.Outcome {
	if err != nil {
		reason := err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reason = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		}
		if len(recent.lines) > 0 {
			reason += ": " + recent.String()
		}
		logger.Warn("conversion failed", "error", err)
		return job.Outcome{Status: job.StatusFailed, Kind: job.FailureExecution, Reason: reason}
	}

	info, statErr := os.Stat(outputPath)
	if statErr != nil || info.Size() == 0 {
		return job.Outcome{
			Status: job.StatusFailed,
			Kind:   job.FailureExecution,
			Reason: fmt.Sprintf("tool exited 0 but wrote nothing to %s", outputPath),
		}
	}
	logger.Info("conversion finished", "output_file", outputPath, "bytes", info.Size())
	return job.Outcome{Status: job.StatusCompleted, OutputFile: outputPath}
}

// terminate asks the process group to stop, then kills it after the grace period.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error, logger *slog.Logger) {
	if err := interruptGroup(cmd); err != nil {
		logger.Debug("graceful stop failed", "pid", cmd.Process.Pid, "error", err)
	}
	select {
	case <-done:
		return
	case <-time.After(r.grace):
	}
	logger.Warn("process ignored termination, killing", "pid", cmd.Process.Pid, "grace", r.grace)
	if err := killGroup(cmd); err != nil {
		logger.Debug("kill failed", "pid", cmd.Process.Pid, "error", err)
	}
	<-done
}
