// Package system polls the local host through gopsutil: load, memory,
// and disk gauges plus derive counters read from the kernel's running
// totals.
package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/relicagent/relicagent/internal/plugins"
)

const guid = "com.relicagent.system"

// Settings configures one local host instance.
type Settings struct {
	Name string `mapstructure:"name"`

	// Mountpoints to report disk usage for. Defaults to the root filesystem.
	Mountpoints []string `mapstructure:"mountpoints"`
}

// Factory builds a system plugin run. It never fails settings validation
// beyond decoding: every field is optional.
func Factory(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
	var s Settings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if len(s.Mountpoints) == 0 {
		s.Mountpoints = []string{"/"}
	}
	if s.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		s.Name = host
	}
	return &Plugin{settings: s, report: plugins.NewReport(pollInterval, prior)}, nil
}

// Plugin is one poll run against the local host.
type Plugin struct {
	settings Settings
	report   *plugins.Report
}

// Poll collects every subsystem it can reach. A failing subsystem is
// skipped; the run fails only in aggregate, with whatever was collected
// still shipped.
func (p *Plugin) Poll(ctx context.Context) error {
	rec := p.report.Component(guid, p.settings.Name)
	var errs []error

	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load average: %w", err))
	} else {
		rec.Gauge("Load/1min", "processes", avg.Load1)
		rec.Gauge("Load/5min", "processes", avg.Load5)
		rec.Gauge("Load/15min", "processes", avg.Load15)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("virtual memory: %w", err))
	} else {
		rec.Gauge("Memory/Total", "bytes", float64(vm.Total))
		rec.Gauge("Memory/Used", "bytes", float64(vm.Used))
		rec.Gauge("Memory/Available", "bytes", float64(vm.Available))
		rec.Gauge("Memory/Utilization", "percent", vm.UsedPercent)
	}

	for _, mount := range p.settings.Mountpoints {
		usage, err := disk.UsageWithContext(ctx, mount)
		if err != nil {
			errs = append(errs, fmt.Errorf("disk usage %s: %w", mount, err))
			continue
		}
		rec.Gauge("Disk/"+mount+"/Used", "bytes", float64(usage.Used))
		rec.Gauge("Disk/"+mount+"/Free", "bytes", float64(usage.Free))
		rec.Gauge("Disk/"+mount+"/Utilization", "percent", usage.UsedPercent)
	}

	if times, err := cpu.TimesWithContext(ctx, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu times: %w", err))
	} else if len(times) > 0 {
		t := times[0]
		rec.Derive("CPU/User", "seconds", t.User)
		rec.Derive("CPU/System", "seconds", t.System)
		rec.Derive("CPU/Idle", "seconds", t.Idle)
		rec.Derive("CPU/IOWait", "seconds", t.Iowait)
	}

	if misc, err := load.MiscWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("kernel counters: %w", err))
	} else {
		rec.Derive("Kernel/ContextSwitches", "switches", float64(misc.Ctxt))
		rec.Derive("Kernel/ProcessesCreated", "processes", float64(misc.ProcsCreated))
	}

	return errors.Join(errs...)
}

// Components returns the recorded component.
func (p *Plugin) Components() []*plugins.Component {
	return p.report.Components()
}

// Carried returns the counter totals for the next run.
func (p *Plugin) Carried() any {
	return p.report.Carried()
}
