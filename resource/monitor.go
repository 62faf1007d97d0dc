// Package resource samples host and process resource usage with gopsutil.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// cpuSampleWindow is how long Snapshot measures host CPU.
const cpuSampleWindow = 200 * time.Millisecond

type Snapshot struct {
	CPUPercent     float64   `json:"cpuPercent"`
	MemoryPercent  float64   `json:"memoryPercent"`
	DiskFreeBytes  uint64    `json:"diskFreeBytes"`
	DiskTotalBytes uint64    `json:"diskTotalBytes"`
	Path           string    `json:"path"`
	TakenAt        time.Time `json:"takenAt"`
}

// Monitor reports host usage and per-process limit breaches.
// Process handles are cached so CPU percentages are measured between polls.
type Monitor struct {
	path   string
	cores  int
	logger *slog.Logger

	mu       sync.Mutex
	procs    map[int32]*process.Process
	children map[int32][]int32
}

// NewMonitor watches disk usage at path (normally the output directory).
func NewMonitor(path string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		logger.Warn("could not count CPU cores, assuming 1", "error", err)
		cores = 1
	}
	return &Monitor{
		path:     path,
		cores:    cores,
		logger:   logger.With("component", "resource_monitor"),
		procs:    make(map[int32]*process.Process),
		children: make(map[int32][]int32),
	}
}

// Snapshot samples host CPU, memory and the disk holding the watched path.
// Individual probe failures are logged and leave their fields zero.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{Path: m.path, TakenAt: time.Now()}

	p, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		m.logger.Warn("could not get CPU usage", "error", err)
	} else if len(p) > 0 {
		s.CPUPercent = p[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.logger.Warn("could not get memory usage", "error", err)
	} else {
		s.MemoryPercent = vm.UsedPercent
	}

	usage, err := m.diskUsage(ctx, m.path)
	if err != nil {
		return s, fmt.Errorf("disk usage for %s: %w", m.path, err)
	}
	s.DiskFreeBytes = usage.Free
	s.DiskTotalBytes = usage.Total
	return s, nil
}

// DiskFree returns the free bytes on the filesystem holding path. A path that
// does not exist yet is measured at its nearest existing parent.
func (m *Monitor) DiskFree(path string) (uint64, error) {
	usage, err := m.diskUsage(context.Background(), path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (m *Monitor) diskUsage(ctx context.Context, path string) (*disk.UsageStat, error) {
	p, err := existingAncestor(path)
	if err != nil {
		return nil, err
	}
	return disk.UsageWithContext(ctx, p)
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing directory above %s", path)
		}
		p = parent
	}
}

// ExceedsLimits sums CPU and memory of pid and every process below it. CPU is
// a percentage of the whole host, so 100 means every core is busy. A limit of
// zero disables that check.
func (m *Monitor) ExceedsLimits(pid int, cpuLimit, memLimit float64) (bool, string, error) {
	root, err := m.handle(int32(pid))
	if err != nil {
		return false, "", err
	}
	group := append([]*process.Process{root}, m.track(root)...)

	var cpuSum, memSum float64
	for _, p := range group {
		// Percent(0) measures since the previous call on the same handle.
		if c, err := p.Percent(0); err == nil {
			cpuSum += c
		}
		if mp, err := p.MemoryPercent(); err == nil {
			memSum += float64(mp)
		}
	}
	cpuSum /= float64(m.cores)

	switch {
	case cpuLimit > 0 && cpuSum > cpuLimit:
		return true, fmt.Sprintf("cpu %.1f%% over limit %.1f%%", cpuSum, cpuLimit), nil
	case memLimit > 0 && memSum > memLimit:
		return true, fmt.Sprintf("memory %.1f%% over limit %.1f%%", memSum, memLimit), nil
	}
	return false, "", nil
}

// track records the current descendants of root, reusing cached handles, and
// drops handles of descendants that have exited since the last poll.
func (m *Monitor) track(root *process.Process) []*process.Process {
	found := descendants(root, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	current := make(map[int32]bool, len(found))
	out := make([]*process.Process, 0, len(found))
	for _, p := range found {
		if cached, ok := m.procs[p.Pid]; ok {
			p = cached
		} else {
			m.procs[p.Pid] = p
		}
		current[p.Pid] = true
		out = append(out, p)
	}
	for _, old := range m.children[root.Pid] {
		if !current[old] {
			delete(m.procs, old)
		}
	}
	pids := make([]int32, 0, len(out))
	for _, p := range out {
		pids = append(pids, p.Pid)
	}
	m.children[root.Pid] = pids
	return out
}

// descendants walks the process tree below root breadth first.
func descendants(root *process.Process, logger *slog.Logger) []*process.Process {
	var out []*process.Process
	seen := map[int32]bool{root.Pid: true}
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		kids, err := p.Children()
		if err != nil {
			if !errors.Is(err, process.ErrorNoChildren) {
				logger.Debug("could not list child processes", "pid", p.Pid, "error", err)
			}
			continue
		}
		for _, c := range kids {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// Forget drops cached handles for pid and the descendants seen under it.
func (m *Monitor) Forget(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.children[int32(pid)] {
		delete(m.procs, c)
	}
	delete(m.children, int32(pid))
	delete(m.procs, int32(pid))
}

func (m *Monitor) handle(pid int32) (*process.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("inspect process %d: %w", pid, err)
	}
	m.procs[pid] = p
	return p, nil
}
