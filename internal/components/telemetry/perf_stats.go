package telemetry

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const perfStatsInterval = 30 * time.Second

type perfGauges struct {
	cpu        metric.Float64Gauge
	memPercent metric.Float64Gauge
	heapMb     metric.Int64Gauge
	goroutines metric.Int64Gauge
	browserMb  metric.Int64Gauge
}

// InstrumentPerfStats samples host and process gauges until ctx is done.
//
// browser_rss_mb is the resident memory of every process spawned by this one, which in practice
// is the headless chrome tree of an export in flight.
func InstrumentPerfStats(ctx context.Context) {
	meter := otel.Meter("stockexport.perf_stats")
	var g perfGauges
	g.cpu, _ = meter.Float64Gauge("host_cpu_percent")
	g.memPercent, _ = meter.Float64Gauge("host_memory_percent")
	g.heapMb, _ = meter.Int64Gauge("heap_alloc_mb")
	g.goroutines, _ = meter.Int64Gauge("goroutine_count")
	g.browserMb, _ = meter.Int64Gauge("browser_rss_mb")

	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		slog.Warn("perf stats: cannot inspect own process", "err", err)
	}

	go func() {
		ticker := time.NewTicker(perfStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample(ctx, self)
			}
		}
	}()
}

func (g perfGauges) sample(ctx context.Context, self *process.Process) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	g.heapMb.Record(ctx, int64(ms.HeapAlloc>>20))
	g.goroutines.Record(ctx, int64(runtime.NumGoroutine()))

	if usage, err := cpu.PercentWithContext(ctx, 5*time.Second, false); err != nil {
		slog.Warn("perf stats: read cpu", "err", err)
	} else if len(usage) > 0 {
		g.cpu.Record(ctx, usage[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		slog.Warn("perf stats: read memory", "err", err)
	} else {
		g.memPercent.Record(ctx, vm.UsedPercent)
	}

	if self != nil {
		g.browserMb.Record(ctx, int64(descendantRss(ctx, self)>>20))
	}
}

// descendantRss sums the resident memory of every descendant of p.
func descendantRss(ctx context.Context, p *process.Process) uint64 {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return 0
	}
	var total uint64
	for _, child := range children {
		if info, err := child.MemoryInfoWithContext(ctx); err == nil {
			total += info.RSS
		}
		total += descendantRss(ctx, child)
	}
	return total
}
