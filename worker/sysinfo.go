package worker

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"patchwire/action"
	"patchwire/message"
)

type SystemInfo struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelArch      string  `json:"kernel_arch"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	LogicalCPUs     int     `json:"logical_cpus"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryUsedPct   float64 `json:"memory_used_percent"`
}

func systemInfo(ctx context.Context, params action.Params) (*message.Response, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("counting cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	return message.JSON(SystemInfo{
		Hostname:        h.Hostname,
		OS:              h.OS,
		Platform:        h.Platform,
		PlatformVersion: h.PlatformVersion,
		KernelArch:      h.KernelArch,
		UptimeSeconds:   h.Uptime,
		LogicalCPUs:     cpus,
		MemoryTotal:     vm.Total,
		MemoryUsedPct:   vm.UsedPercent,
	})
}
