package aggregator

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sysinfoSnapshot answers /controller_sysinfo with a best-effort snapshot
// of the controller process's host, mirroring the per-bot /sysinfo shape
// at the controller level. Any individual gopsutil call that fails is
// omitted rather than failing the whole response, since this endpoint is
// diagnostic, not load-bearing.
func sysinfoSnapshot(ctx context.Context) map[string]interface{} {
	snap := map[string]interface{}{
		"cpu_pct": []float64{},
		"ram_pct": 0.0,
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap["cpu_pct"] = pct
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap["ram_pct"] = vm.UsedPercent
		snap["ram_total"] = vm.Total
		snap["ram_used"] = vm.Used
	}
	snap["goroutines"] = runtime.NumGoroutine()
	snap["num_cpu"] = runtime.NumCPU()

	return snap
}
