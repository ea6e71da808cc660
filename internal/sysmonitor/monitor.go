// Package sysmonitor periodically samples the process's own CPU and memory
// usage and republishes them as metrics. It is purely observational: unlike
// the teacher's ResourceGuard, nothing in this system's spec admits
// resource-based request rejection, so this monitor never feeds back into
// admission decisions.
package sysmonitor

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pranav-super/secko/internal/metrics"
)

// Monitor samples process resource usage on a fixed interval.
type Monitor struct {
	interval time.Duration
	logger   zerolog.Logger
	proc     *process.Process
}

// New builds a Monitor for the current process.
func New(interval time.Duration, logger zerolog.Logger) (*Monitor, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{interval: interval, logger: logger, proc: p}, nil
}

// Run samples metrics every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	if cpuPct, err := m.proc.CPUPercent(); err == nil {
		metrics.ProcessCPUPercent.Set(cpuPct)
	} else {
		m.logger.Debug().Err(err).Msg("failed to sample process CPU")
	}

	if memInfo, err := m.proc.MemoryInfo(); err == nil && memInfo != nil {
		metrics.ProcessMemoryBytes.Set(float64(memInfo.RSS))
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("failed to sample process memory")
	}

	metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}
