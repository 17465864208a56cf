package agent

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relicagent/relicagent/internal/plugins"
)

type stubMetric struct {
	components []*plugins.Component
	carried    any
	pollErr    error
	sleep      time.Duration
}

func (s *stubMetric) Poll(ctx context.Context) error {
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.pollErr
}

func (s *stubMetric) Components() []*plugins.Component { return s.components }
func (s *stubMetric) Carried() any                     { return s.carried }

type stubConfig struct {
	result map[string]any
}

func (s *stubConfig) Poll(ctx context.Context) error { return nil }
func (s *stubConfig) Result() map[string]any         { return s.result }

// factoryCalls records the arguments each factory invocation received.
type factoryCalls struct {
	mu        sync.Mutex
	priors    []any
	intervals []time.Duration
}

func (f *factoryCalls) record(prior any, interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priors = append(f.priors, prior)
	f.intervals = append(f.intervals, interval)
}

func clearLicenseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NEW_RELIC_LICENSE_KEY", "")
	t.Setenv("NEWRELIC_LICENSE_KEY", "")
}

func TestRunCycleUploadsMetrics(t *testing.T) {
	clearLicenseEnv(t)

	type received struct {
		header http.Header
		body   envelope
	}
	requests := make(chan received, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("request body is not gzip: %v", err)
			return
		}
		var env envelope
		if err := json.NewDecoder(gz).Decode(&env); err != nil {
			t.Errorf("decode envelope: %v", err)
			return
		}
		requests <- received{header: r.Header.Clone(), body: env}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	reg := plugins.NewRegistry()
	carried := map[string]float64{"db01|rows": 42}
	reg.RegisterMetric("stub", func(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
		return &stubMetric{
			components: []*plugins.Component{batchComponent("db01", 2)},
			carried:    carried,
		}, nil
	})

	a := New(map[string]any{
		"license_key": "abc123",
		"endpoint":    ts.URL,
		"stub":        map[string]any{"name": "primary"},
	}, reg, discardLogger())

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var got received
	select {
	case got = <-requests:
	default:
		t.Fatal("no upload request reached the endpoint")
	}

	headerCases := []struct {
		key      string
		expected string
	}{
		{key: "Accept", expected: "application/json"},
		{key: "Content-Encoding", expected: "gzip"},
		{key: "Content-Type", expected: "application/json"},
		{key: "X-License-Key", expected: "abc123"},
	}
	for _, hc := range headerCases {
		if v := got.header.Get(hc.key); v != hc.expected {
			t.Errorf("header %s = %q, expected %q", hc.key, v, hc.expected)
		}
	}

	if got.body.Agent.Version != Version {
		t.Errorf("agent version = %q, expected %q", got.body.Agent.Version, Version)
	}
	if got.body.Agent.PID <= 0 {
		t.Errorf("agent pid = %d, expected a real pid", got.body.Agent.PID)
	}
	if got.body.Agent.Host == "" {
		t.Error("agent host is empty")
	}
	if len(got.body.Components) != 1 {
		t.Fatalf("envelope has %d components, expected 1", len(got.body.Components))
	}
	comp := got.body.Components[0]
	if comp.Name != "db01" || len(comp.Metrics) != 2 {
		t.Errorf("component = %s with %d metrics, expected db01 with 2", comp.Name, len(comp.Metrics))
	}
	for name, sample := range comp.Metrics {
		if sample.Min == nil || sample.Max == nil {
			t.Errorf("metric %s shipped without min/max", name)
		}
	}

	if !reflect.DeepEqual(a.carried["stub:primary:0"], carried) {
		t.Errorf("carried state = %v, expected %v", a.carried["stub:primary:0"], carried)
	}

	stats := a.Stats()
	if stats.Cycles != 1 || stats.LastMetrics != 2 || stats.LastComponents != 1 || stats.LastBatches != 1 {
		t.Errorf("stats = %+v, expected one cycle with 2 metrics in 1 batch", stats)
	}
}

func TestRunCycleSkipsUploadWhenConfigured(t *testing.T) {
	clearLicenseEnv(t)

	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	reg := plugins.NewRegistry()
	reg.RegisterMetric("stub", func(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
		return &stubMetric{components: []*plugins.Component{batchComponent("db01", 2)}}, nil
	})

	a := New(map[string]any{
		"license_key":          "abc123",
		"endpoint":             ts.URL,
		"skip_newrelic_upload": true,
		"stub":                 map[string]any{},
	}, reg, discardLogger())

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("endpoint received %d requests, expected 0", n)
	}
	// The batch is still prepared and counted, just not sent.
	if stats := a.Stats(); stats.LastBatches != 1 || stats.LastMetrics != 2 {
		t.Errorf("stats = %+v, expected the skipped batch to be counted", stats)
	}
}

func TestRunCycleHandsCarriedStateToNextRun(t *testing.T) {
	clearLicenseEnv(t)

	var calls factoryCalls
	reg := plugins.NewRegistry()
	reg.RegisterMetric("stub", func(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
		calls.record(prior, pollInterval)
		return &stubMetric{carried: "cycle-state"}, nil
	})

	a := New(map[string]any{
		"skip_newrelic_upload": true,
		"wake_interval":        5,
		"stub":                 map[string]any{},
	}, reg, discardLogger())

	for cycle := 0; cycle < 2; cycle++ {
		if err := a.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
	}

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if len(calls.priors) != 2 {
		t.Fatalf("factory ran %d times, expected 2", len(calls.priors))
	}
	if calls.priors[0] != nil {
		t.Errorf("first run prior = %v, expected nil", calls.priors[0])
	}
	if calls.priors[1] != "cycle-state" {
		t.Errorf("second run prior = %v, expected the first run's carried state", calls.priors[1])
	}
	for i, interval := range calls.intervals {
		if interval != 5*time.Second {
			t.Errorf("run %d poll interval = %v, expected 5s", i, interval)
		}
	}
}

func TestRunCycleReconcilesThenCleansNextCycle(t *testing.T) {
	clearLicenseEnv(t)

	reg := plugins.NewRegistry()
	reg.RegisterMetric("stub", func(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
		return &stubMetric{carried: "state"}, nil
	})
	reg.RegisterConfig("discovery", func(settings map[string]any, prior map[string]any) (plugins.ConfigProducer, error) {
		return &stubConfig{result: map[string]any{
			"application": map[string]any{"stub": nil},
		}}, nil
	})

	a := New(map[string]any{
		"skip_newrelic_upload": true,
		"stub":                 map[string]any{},
		"discovery":            map[string]any{"enabled": true},
	}, reg, discardLogger())

	// First cycle: the stub instance runs once more while the config
	// producer's removal lands. Its state must survive this cycle, since
	// the janitor only acts after the instance has left the namespace.
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if _, ok := a.application["stub"]; ok {
		t.Fatal("stub block still configured after reconciliation")
	}
	if _, ok := a.carried["stub:unnamed:0"]; !ok {
		t.Fatal("carried state dropped in the same cycle as the removal")
	}
	if !a.needsCleanup {
		t.Fatal("removal did not mark the session for cleanup")
	}

	// Second cycle: the instance no longer runs, so the janitor drops it.
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if _, ok := a.carried["stub:unnamed:0"]; ok {
		t.Error("carried state survived the cycle after removal")
	}
	if a.needsCleanup {
		t.Error("cleanup flag still set after the janitor ran")
	}
}

func TestRunCycleLogsUnavailablePlugin(t *testing.T) {
	clearLicenseEnv(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	a := New(map[string]any{
		"skip_newrelic_upload": true,
		"nosuch":               map[string]any{"host": "db01"},
	}, plugins.NewRegistry(), logger)

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	logged := buf.String()
	if !strings.Contains(logged, "Plugin not available") {
		t.Error("missing availability error for the unknown plugin")
	}
	if !strings.Contains(logged, "No metrics to send this interval") {
		t.Error("missing empty-interval warning")
	}
}

func TestRunCyclePollErrorStillShipsState(t *testing.T) {
	clearLicenseEnv(t)

	reg := plugins.NewRegistry()
	reg.RegisterMetric("stub", func(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
		return &stubMetric{
			pollErr:    errors.New("connection refused"),
			components: []*plugins.Component{batchComponent("db01", 1)},
			carried:    "partial",
		}, nil
	})

	a := New(map[string]any{
		"skip_newrelic_upload": true,
		"stub":                 map[string]any{},
	}, reg, discardLogger())

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if a.carried["stub:unnamed:0"] != "partial" {
		t.Error("carried state from the failed poll was not stored")
	}
	if stats := a.Stats(); stats.LastMetrics != 1 {
		t.Errorf("stats = %+v, expected the failed poll's metrics to ship", stats)
	}
}

func TestRunCycleContainsPanickingPlugin(t *testing.T) {
	clearLicenseEnv(t)

	reg := plugins.NewRegistry()
	reg.RegisterMetric("stub", func(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
		panic("boom")
	})

	a := New(map[string]any{
		"skip_newrelic_upload": true,
		"stub":                 map[string]any{},
	}, reg, discardLogger())

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle after plugin panic: %v", err)
	}
	if stats := a.Stats(); stats.Cycles != 1 {
		t.Errorf("stats = %+v, expected the cycle to complete", stats)
	}
}

func TestRunCyclePacerResetsOnOverrun(t *testing.T) {
	clearLicenseEnv(t)

	reg := plugins.NewRegistry()
	reg.RegisterMetric("stub", func(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
		return &stubMetric{sleep: 1100 * time.Millisecond}, nil
	})

	a := New(map[string]any{
		"skip_newrelic_upload": true,
		"wake_interval":        2,
		"stub":                 map[string]any{},
	}, reg, discardLogger())

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := a.WakeInterval(); got != 2*time.Second {
		t.Errorf("WakeInterval() = %v, expected a full 2s after the overrun", got)
	}
}

func TestRunCyclePacerSubtractsElapsed(t *testing.T) {
	clearLicenseEnv(t)

	a := New(map[string]any{
		"skip_newrelic_upload": true,
		"wake_interval":        30,
	}, plugins.NewRegistry(), discardLogger())

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := a.WakeInterval()
	if got <= 29*time.Second || got > 30*time.Second {
		t.Errorf("WakeInterval() = %v, expected just under 30s", got)
	}
}

func TestResolveWakeInterval(t *testing.T) {
	testCases := []struct {
		name        string
		application map[string]any
		expected    time.Duration
	}{
		{
			name:        "wake_interval wins over poll_interval",
			application: map[string]any{"wake_interval": 30, "poll_interval": 45},
			expected:    30 * time.Second,
		},
		{
			name:        "poll_interval is the fallback",
			application: map[string]any{"poll_interval": 45},
			expected:    45 * time.Second,
		},
		{
			name:        "default when neither is set",
			application: map[string]any{},
			expected:    60 * time.Second,
		},
		{
			name:        "string values are coerced",
			application: map[string]any{"wake_interval": "15"},
			expected:    15 * time.Second,
		},
		{
			name:        "zero falls through",
			application: map[string]any{"wake_interval": 0, "poll_interval": 20},
			expected:    20 * time.Second,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := testAgent(tc.application)
			if got := a.resolveWakeInterval(); got != tc.expected {
				t.Errorf("resolveWakeInterval() = %v, expected %v", got, tc.expected)
			}
		})
	}
}

func TestLicenseKeyResolution(t *testing.T) {
	testCases := []struct {
		name      string
		primary   string
		secondary string
		config    string
		expected  string
	}{
		{name: "primary env wins", primary: "from-env", secondary: "other", config: "from-config", expected: "from-env"},
		{name: "secondary env next", secondary: "from-alt-env", config: "from-config", expected: "from-alt-env"},
		{name: "config last", config: "from-config", expected: "from-config"},
		{name: "nothing set", expected: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("NEW_RELIC_LICENSE_KEY", tc.primary)
			t.Setenv("NEWRELIC_LICENSE_KEY", tc.secondary)

			application := map[string]any{}
			if tc.config != "" {
				application["license_key"] = tc.config
			}
			a := testAgent(application)
			if got := a.licenseKey(); got != tc.expected {
				t.Errorf("licenseKey() = %q, expected %q", got, tc.expected)
			}
		})
	}
}
