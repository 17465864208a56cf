package linuxremote

import (
	"testing"
	"time"

	"github.com/relicagent/relicagent/internal/plugins"
)

func newTestRecorder(t *testing.T) (*plugins.Report, *plugins.Recorder) {
	t.Helper()
	report := plugins.NewReport(60*time.Second, nil)
	return report, report.Component(guid, "host1")
}

func metricTotal(t *testing.T, report *plugins.Report, name string) float64 {
	t.Helper()
	sample, ok := report.Components()[0].Metrics[name]
	if !ok {
		t.Fatalf("metric %q not recorded", name)
	}
	return sample.Total
}

func TestRecordLoadavg(t *testing.T) {
	report, rec := newTestRecorder(t)
	recordLoadavg(rec, "0.52 1.10 2.35 2/1024 4242\n")

	if got := metricTotal(t, report, plugins.MetricName("Load/1min", "processes")); got != 0.52 {
		t.Errorf("load1 = %v, want 0.52", got)
	}
	if got := metricTotal(t, report, plugins.MetricName("Load/15min", "processes")); got != 2.35 {
		t.Errorf("load15 = %v, want 2.35", got)
	}
}

func TestRecordLoadavgTruncated(t *testing.T) {
	report, rec := newTestRecorder(t)
	recordLoadavg(rec, "0.52\n")
	if n := len(report.Components()[0].Metrics); n != 0 {
		t.Errorf("expected no metrics from a truncated line, got %d", n)
	}
}

func TestRecordMeminfo(t *testing.T) {
	report, rec := newTestRecorder(t)
	recordMeminfo(rec, `MemTotal:       16384 kB
MemFree:         4096 kB
MemAvailable:    8192 kB
Dirty:             12 kB
SwapTotal:          0 kB
`)

	// Values scale from kB to bytes.
	if got := metricTotal(t, report, plugins.MetricName("Memory/Total", "bytes")); got != 16384*1024 {
		t.Errorf("total = %v, want %v", got, 16384*1024)
	}
	if got := metricTotal(t, report, plugins.MetricName("Memory/Swap/Total", "bytes")); got != 0 {
		t.Errorf("swap total = %v, want 0", got)
	}

	// Unlisted fields stay unreported.
	if _, ok := report.Components()[0].Metrics[plugins.MetricName("Memory/Dirty", "bytes")]; ok {
		t.Error("Dirty should not be reported")
	}
}

func TestRecordStat(t *testing.T) {
	report, rec := newTestRecorder(t)
	recordStat(rec, `cpu  100 5 50 1000 25 0 3 0 0 0
cpu0 50 2 25 500 12 0 1 0 0 0
ctxt 987654
btime 1700000000
processes 4321
`)

	// First sighting of a derive reports the full total.
	if got := metricTotal(t, report, plugins.MetricName("CPU/User", "jiffies")); got != 100 {
		t.Errorf("user = %v, want 100", got)
	}
	if got := metricTotal(t, report, plugins.MetricName("CPU/IOWait", "jiffies")); got != 25 {
		t.Errorf("iowait = %v, want 25", got)
	}
	if got := metricTotal(t, report, plugins.MetricName("Kernel/ContextSwitches", "switches")); got != 987654 {
		t.Errorf("ctxt = %v, want 987654", got)
	}
	if got := metricTotal(t, report, plugins.MetricName("Kernel/ProcessesCreated", "processes")); got != 4321 {
		t.Errorf("processes = %v, want 4321", got)
	}
}

func TestRecordStatDelta(t *testing.T) {
	// A second run with carried totals reports the delta.
	first := plugins.NewReport(60*time.Second, nil)
	recordStat(first.Component(guid, "host1"), "cpu 100 5 50 1000 25\nctxt 1000\n")

	second := plugins.NewReport(60*time.Second, first.Carried())
	rec := second.Component(guid, "host1")
	recordStat(rec, "cpu 160 5 70 1900 30\nctxt 1500\n")

	if got := metricTotal(t, second, plugins.MetricName("CPU/User", "jiffies")); got != 60 {
		t.Errorf("user delta = %v, want 60", got)
	}
	if got := metricTotal(t, second, plugins.MetricName("Kernel/ContextSwitches", "switches")); got != 500 {
		t.Errorf("ctxt delta = %v, want 500", got)
	}
}

func TestFactoryValidation(t *testing.T) {
	testCases := []struct {
		name      string
		settings  map[string]any
		wantPort  int
		shouldErr bool
	}{
		{
			name:     "defaults applied",
			settings: map[string]any{"host": "db1", "user": "root", "password": "pw"},
			wantPort: 22,
		},
		{
			name:     "explicit port kept",
			settings: map[string]any{"host": "db1", "user": "root", "password": "pw", "port": 2222},
			wantPort: 2222,
		},
		{
			name:      "missing host",
			settings:  map[string]any{"user": "root", "password": "pw"},
			shouldErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			producer, err := Factory(tc.settings, 60*time.Second, nil)
			if tc.shouldErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p := producer.(*Plugin); p.settings.Port != tc.wantPort {
				t.Errorf("port = %d, want %d", p.settings.Port, tc.wantPort)
			}
		})
	}
}
