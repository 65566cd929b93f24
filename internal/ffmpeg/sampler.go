package ffmpeg

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a resource sample of a running transcoder.
type ProcessStats struct {
	PID            int32     `json:"pid"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryRSSBytes uint64    `json:"memory_rss_bytes"`
	MemoryRSSMB    float64   `json:"memory_rss_mb"`
	NumThreads     int32     `json:"num_threads"`
	Speed          float64   `json:"speed"`
	SampledAt      time.Time `json:"sampled_at"`
}

// Sampler reads CPU and memory usage of one process.
type Sampler struct {
	proc *process.Process
}

// NewSampler attaches to pid.
func NewSampler(pid int) (*Sampler, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("attaching to pid %d: %w", pid, err)
	}
	return &Sampler{proc: p}, nil
}

// Sample takes one measurement. CPU percent is relative to the previous
// sample, so the first call reports usage since process start.
func (s *Sampler) Sample() (ProcessStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats := ProcessStats{PID: s.proc.Pid, SampledAt: time.Now()}

	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("reading memory of pid %d: %w", s.proc.Pid, err)
	}
	stats.MemoryRSSBytes = mem.RSS
	stats.MemoryRSSMB = float64(mem.RSS) / 1024 / 1024

	if cpu, err := s.proc.PercentWithContext(ctx, 0); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}

	return stats, nil
}
