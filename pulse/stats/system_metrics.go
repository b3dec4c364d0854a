package stats

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/backtestq/errors"
)

// SystemMetrics is host resource usage reported alongside analytics
type SystemMetrics struct {
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	CPUCount      int     `json:"cpu_count"`
	Goroutines    int     `json:"goroutines"`
}

// HostSampler returns current host metrics
type HostSampler func() (*SystemMetrics, error)

const bytesPerGB = 1024 * 1024 * 1024

// SampleHost reads memory and CPU usage via gopsutil. CPU percent is measured
// since the previous call, so the first sample may be 0.
func SampleHost() (*SystemMetrics, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory stats")
	}

	m := &SystemMetrics{
		MemoryTotalGB: float64(v.Total) / bytesPerGB,
		MemoryUsedGB:  float64(v.Total-v.Available) / bytesPerGB,
		MemoryPercent: v.UsedPercent,
		CPUCount:      runtime.NumCPU(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	return m, nil
}
