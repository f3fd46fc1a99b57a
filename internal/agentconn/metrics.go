package agentconn

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleInterval is how long cpu.Percent blocks sampling utilization. Kept
// short because it runs inline on the heartbeat tick, not in the
// foreground — a stale zero reading is worse than a few hundred
// milliseconds of extra heartbeat latency.
const sampleInterval = 200 * 1_000_000 // 200ms, expressed in time.Duration's underlying unit

// collectSystemMetrics samples host CPU and memory utilization for the
// Heartbeat frame. The teacher's metrics package stubbed this out pending a
// gopsutil wiring that never landed; this finishes it with gopsutil/v4.
func collectSystemMetrics() (cpuPercent, memPercent float64) {
	if percents, err := cpu.Percent(sampleInterval, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}
