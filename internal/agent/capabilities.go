package agent

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/config"
	"github.com/gaspardpetit/edgepool/internal/registry"
)

// DetectCapabilities reports what this host offers. Values set in cfg take
// precedence over detected ones. Accelerator memory is never detected.
func DetectCapabilities(ctx context.Context, cfg config.AgentConfig) registry.Capabilities {
	caps := registry.Capabilities{
		CPUCores:          cfg.CPUCores,
		TotalMemory:       cfg.TotalMemory,
		AcceleratorMemory: cfg.AcceleratorMemory,
		Models:            append([]string(nil), cfg.Models...),
	}
	if caps.CPUCores == 0 {
		if n, err := cpu.CountsWithContext(ctx, true); err == nil {
			caps.CPUCores = n
		} else {
			logx.Log.Warn().Err(err).Msg("detect cpu cores")
		}
	}
	if caps.TotalMemory == 0 {
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			caps.TotalMemory = vm.Total
		} else {
			logx.Log.Warn().Err(err).Msg("detect memory")
		}
	}
	return caps
}

// hostCPU returns overall CPU utilisation in [0,1] since the previous call.
func hostCPU(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(pct) == 0 {
		return 0, err
	}
	return pct[0] / 100, nil
}
