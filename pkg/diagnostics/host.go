package diagnostics

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/klog/v2"
)

// HostInfo is a snapshot of the controller board.
type HostInfo struct {
	Hostname          string  `json:"hostname"`
	OS                string  `json:"os"`
	Platform          string  `json:"platform"`
	KernelVersion     string  `json:"kernelVersion"`
	UptimeSeconds     uint64  `json:"uptimeSeconds"`
	CPUPercent        float64 `json:"cpuPercent"`
	MemoryTotal       uint64  `json:"memoryTotal"`
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	DiskTotal         uint64  `json:"diskTotal"`
	DiskUsedPercent   float64 `json:"diskUsedPercent"`
}

// CollectHost gathers what it can; a failing probe leaves its fields zero.
func CollectHost(ctx context.Context, diskPath string) HostInfo {
	var h HostInfo
	if info, err := host.InfoWithContext(ctx); err == nil {
		h.Hostname = info.Hostname
		h.OS = info.OS
		h.Platform = info.Platform
		h.KernelVersion = info.KernelVersion
		h.UptimeSeconds = info.Uptime
	} else {
		klog.V(3).InfoS("Failed to read host info", "err", err)
		h.Hostname, _ = os.Hostname()
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		h.CPUPercent = p[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemoryTotal = vm.Total
		h.MemoryUsedPercent = vm.UsedPercent
	}
	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		h.DiskTotal = du.Total
		h.DiskUsedPercent = du.UsedPercent
	} else {
		klog.V(3).InfoS("Failed to read disk usage", "path", diskPath, "err", err)
	}
	return h
}
