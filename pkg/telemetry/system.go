package telemetry

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"
)

// registerSystemMetrics exposes process CPU and memory usage as observable
// gauges. Collection happens inside the exporter's scrape callback, so the
// serve path never pays for it.
func (t *Telemetry) registerSystemMetrics() error {
	meter := t.meterProvider.Meter("doh-relay/system")

	cpuPercent, err := meter.Float64ObservableGauge(
		"process.cpu.percent",
		metric.WithDescription("Process CPU usage normalized to 0-100% across all cores"),
	)
	if err != nil {
		return err
	}

	memRSS, err := meter.Int64ObservableGauge(
		"process.memory.rss",
		metric.WithDescription("Process resident set size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	memPercent, err := meter.Float64ObservableGauge(
		"process.memory.percent",
		metric.WithDescription("Process RSS as a percentage of total system memory"),
	)
	if err != nil {
		return err
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			// Percent with a zero interval reports usage since the
			// previous scrape; per-core values are normalized.
			if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
				if n := runtime.NumCPU(); n > 0 {
					pct /= float64(n)
				}
				observer.ObserveFloat64(cpuPercent, pct)
			}

			var rss uint64
			if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
				rss = info.RSS
				observer.ObserveInt64(memRSS, int64(rss))
			}

			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 && rss > 0 {
				observer.ObserveFloat64(memPercent, float64(rss)/float64(vm.Total)*100)
			}
			return nil
		},
		cpuPercent, memRSS, memPercent,
	)
	return err
}
