// Package hostmetrics collects host resource utilization for inclusion in
// a node's node.hello capabilities map, the way an agent reports heartbeat
// metrics. Unlike a stub, this queries the host directly via gopsutil.
package hostmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Collect returns a snapshot of current host resource usage as string
// capability entries, suitable for merging into a node.hello payload.
// Any metric that fails to read is simply omitted.
func Collect() map[string]string {
	caps := make(map[string]string)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		caps["cpu_percent"] = fmt.Sprintf("%.1f", pct[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps["mem_percent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
		caps["mem_total_bytes"] = fmt.Sprintf("%d", vm.Total)
	}

	return caps
}
