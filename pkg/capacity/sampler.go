package capacity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"

	"idlemesh/pkg/types"
)

// DefaultIdleThreshold marks a core idle below 50% utilization.
const DefaultIdleThreshold = 0.5

// Sampler returns per-core utilization percentages (0-100) measured over an interval.
type Sampler interface {
	PerCore(ctx context.Context) ([]float64, error)
}

// GopsutilSampler measures utilization between two samples Interval apart.
type GopsutilSampler struct {
	Interval time.Duration
}

func (s GopsutilSampler) PerCore(ctx context.Context) ([]float64, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	pct, err := cpu.PercentWithContext(ctx, interval, true)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	return pct, nil
}

// CountIdleCores tallies cores under threshold and keeps one back for the
// node's own control plane.
func CountIdleCores(percent []float64, threshold float64) int {
	idle := 0
	for _, p := range percent {
		if p/100 < threshold {
			idle++
		}
	}
	if idle > 0 {
		idle--
	}
	return idle
}

// SampleIdleCPU refreshes the CPU total of c from one sampler reading and
// returns the new total. Cores busy with our own delegated tasks read as
// loaded, so they are added back.
func SampleIdleCPU(ctx context.Context, c *Capacity, s Sampler, threshold float64) (int, error) {
	pct, err := s.PerCore(ctx)
	if err != nil {
		return 0, err
	}
	n := CountIdleCores(pct, threshold) + len(c.Active(types.UnitCPU))
	c.SetTotal(types.UnitCPU, n)
	return n, nil
}

var gpuVendors = map[string]bool{
	"0x10de": true, // NVIDIA
	"0x1002": true, // AMD
}

// DetectGPUs counts discrete display controllers under sysfs (normally "/sys").
func DetectGPUs(sysfs string) int {
	devices, err := filepath.Glob(filepath.Join(sysfs, "bus", "pci", "devices", "*"))
	if err != nil {
		return 0
	}
	n := 0
	for _, dev := range devices {
		class, err := os.ReadFile(filepath.Join(dev, "class"))
		if err != nil || !strings.HasPrefix(strings.TrimSpace(string(class)), "0x03") {
			continue
		}
		vendor, err := os.ReadFile(filepath.Join(dev, "vendor"))
		if err != nil {
			continue
		}
		if gpuVendors[strings.ToLower(strings.TrimSpace(string(vendor)))] {
			n++
		}
	}
	return n
}
