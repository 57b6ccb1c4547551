package usecase

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
)

// ResourceSampler reads current memory, cpu and disk usage.
type ResourceSampler interface {
	Sample(ctx context.Context) (domain.ResourceSample, error)
}

// ProcessSampler samples the running process and the data volume.
type ProcessSampler struct {
	proc     *process.Process
	diskPath string
}

func NewProcessSampler(ctx context.Context, diskPath string) (*ProcessSampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open own process: %w", err)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	// prime the cpu counter so the first Sample reports a real delta
	_, _ = proc.PercentWithContext(ctx, 0)

	return &ProcessSampler{proc: proc, diskPath: diskPath}, nil
}

func (s *ProcessSampler) Sample(ctx context.Context) (domain.ResourceSample, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return domain.ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return domain.ResourceSample{}, fmt.Errorf("cpu percent: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return domain.ResourceSample{}, fmt.Errorf("disk usage %s: %w", s.diskPath, err)
	}

	return domain.ResourceSample{
		MemoryMB:    float64(mem.RSS) / 1024 / 1024,
		CPUPercent:  cpu,
		DiskPercent: usage.UsedPercent,
		Timestamp:   time.Now(),
	}, nil
}

// ClassifyResources fills Level and Reasons of s against t. Any critical
// reading makes the sample CRITICAL.
func ClassifyResources(s domain.ResourceSample, t config.ResourceThresholds) domain.ResourceSample {
	s.Level = domain.ResourceOK
	s.Reasons = nil

	check := func(name string, value, warning, critical float64) {
		switch {
		case critical > 0 && value > critical:
			s.Level = domain.ResourceCritical
			s.Reasons = append(s.Reasons, fmt.Sprintf("%s %.1f > critical %.1f", name, value, critical))
		case warning > 0 && value > warning:
			if s.Level == domain.ResourceOK {
				s.Level = domain.ResourceWarning
			}
			s.Reasons = append(s.Reasons, fmt.Sprintf("%s %.1f > warning %.1f", name, value, warning))
		}
	}

	check("memory_mb", s.MemoryMB, t.MemoryWarningMB, t.MemoryCriticalMB)
	check("cpu_pct", s.CPUPercent, t.CPUWarningPct, t.CPUCriticalPct)
	check("disk_pct", s.DiskPercent, t.DiskWarningPct, t.DiskCriticalPct)
	return s
}
