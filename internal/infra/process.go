package infra

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

const gib = 1024 * 1024 * 1024

// HostSampler implements domain.ResourceSampler and domain.SystemInspector
// using gopsutil. CPU and memory figures are host-wide; thread counts are
// for the kernel process.
type HostSampler struct {
	pid int32
}

// NewHostSampler creates a sampler for the current process.
func NewHostSampler() *HostSampler {
	return &HostSampler{pid: int32(os.Getpid())}
}

// Sample takes one measurement. CPU usage is measured since the previous call.
func (s *HostSampler) Sample(ctx context.Context) (domain.ResourceSample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return domain.ResourceSample{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.ResourceSample{}, fmt.Errorf("failed to read memory usage: %w", err)
	}
	threads, err := s.threads(ctx)
	if err != nil {
		return domain.ResourceSample{}, err
	}

	sample := domain.ResourceSample{
		MemoryPercent:     vm.UsedPercent,
		MemoryAvailableGB: float64(vm.Available) / gib,
		ThreadCount:       threads,
		Goroutines:        runtime.NumGoroutine(),
		LogicalCores:      runtime.NumCPU(),
	}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	return sample, nil
}

func (s *HostSampler) threads(ctx context.Context) (int, error) {
	p, err := process.NewProcessWithContext(ctx, s.pid)
	if err != nil {
		return 0, fmt.Errorf("failed to open process %d: %w", s.pid, err)
	}
	n, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read thread count: %w", err)
	}
	return int(n), nil
}

// CPUCounts returns physical and logical core counts.
func (s *HostSampler) CPUCounts(ctx context.Context) (int, int, error) {
	physical, err := cpu.CountsWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	if physical == 0 {
		physical = logical
	}
	return physical, logical, nil
}

// Memory returns detailed host memory figures in gigabytes.
func (s *HostSampler) Memory(ctx context.Context) (domain.MemoryInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.MemoryInfo{}, err
	}
	return domain.MemoryInfo{
		TotalGB:     float64(vm.Total) / gib,
		AvailableGB: float64(vm.Available) / gib,
		UsedGB:      float64(vm.Used) / gib,
		FreeGB:      float64(vm.Free) / gib,
		Percent:     vm.UsedPercent,
		BuffersGB:   float64(vm.Buffers) / gib,
		CachedGB:    float64(vm.Cached) / gib,
	}, nil
}

// Host returns static platform information.
func (s *HostSampler) Host(ctx context.Context) (domain.HostInfo, error) {
	info := domain.HostInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    runtime.Version(),
		LogicalCores: runtime.NumCPU(),
	}
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return info, err
	}
	info.Platform = fmt.Sprintf("%s-%s", hi.Platform, hi.PlatformVersion)
	info.KernelVer = hi.KernelVersion
	info.Hostname = hi.Hostname
	return info, nil
}

// Disk returns usage of the filesystem holding path.
func (s *HostSampler) Disk(ctx context.Context, path string) (domain.DiskInfo, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return domain.DiskInfo{}, err
	}
	return domain.DiskInfo{
		TotalGB:     float64(u.Total) / gib,
		FreeGB:      float64(u.Free) / gib,
		UsedPercent: u.UsedPercent,
	}, nil
}

// Process returns the kernel process's own usage.
func (s *HostSampler) Process(ctx context.Context) (domain.ProcessInfo, error) {
	info := domain.ProcessInfo{PID: int(s.pid), Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcessWithContext(ctx, s.pid)
	if err != nil {
		return info, err
	}
	if v, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = v
	}
	if v, err := p.MemoryPercentWithContext(ctx); err == nil {
		info.MemoryPercent = v
	}
	if v, err := p.NumThreadsWithContext(ctx); err == nil {
		info.ThreadCount = v
	}
	return info, nil
}

var (
	_ domain.ResourceSampler = (*HostSampler)(nil)
	_ domain.SystemInspector = (*HostSampler)(nil)
)
