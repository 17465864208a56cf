// Package agent implements the polling session: instance naming, parallel
// plugin execution behind a pollable barrier, cross-interval min/max
// derivation, size/count-bounded batching and upload, and reconciliation of
// dynamically produced configuration.
package agent

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relicagent/relicagent/internal/plugins"
)

const defaultWakeInterval = 60 * time.Second

// Agent owns every piece of state that crosses polling cycles. Executors
// never touch it directly: they receive queue handles only, and the maps are
// mutated by the single flow driving RunCycle after the barrier clears.
type Agent struct {
	logger   *slog.Logger
	registry *plugins.Registry

	// application is the live configuration: block key to block config.
	// Read by the scheduler, mutated only by reconciliation.
	application map[string]any

	carried          map[string]any
	lastConfigResult map[string]map[string]any
	minmax           *minMaxStore
	needsCleanup     bool

	metricQueue *queue[metricResult]
	configQueue *queue[configResult]
	uploader    *uploader

	// Batching ceilings; zero means the defaults.
	maxMetrics int
	maxBytes   int

	mu       sync.RWMutex
	nextWake time.Duration
	snapshot Snapshot
}

// Snapshot is a read-only view of the session for diagnostics.
type Snapshot struct {
	Cycles              int       `json:"cycles"`
	LastCycleAt         time.Time `json:"last_cycle_at"`
	LastDurationSeconds float64   `json:"last_duration_seconds"`
	LastMetrics         int       `json:"last_metrics"`
	LastComponents      int       `json:"last_components"`
	LastBatches         int       `json:"last_batches"`
	UploadErrors        int       `json:"upload_errors"`
	NextWakeSeconds     float64   `json:"next_wake_seconds"`
	Instances           []string  `json:"instances"`
}

// New creates a session over the given live application configuration.
func New(application map[string]any, registry *plugins.Registry, logger *slog.Logger) *Agent {
	if application == nil {
		application = make(map[string]any)
	}
	a := &Agent{
		logger:           logger.With("component", "agent"),
		registry:         registry,
		application:      application,
		carried:          make(map[string]any),
		lastConfigResult: make(map[string]map[string]any),
		minmax:           newMinMaxStore(),
		metricQueue:      &queue[metricResult]{},
		configQueue:      &queue[configResult]{},
		uploader:         newUploader(logger),
	}
	a.nextWake = a.resolveWakeInterval()
	return a
}

// RunCycle performs one complete polling cycle: dispatch all configured
// instances, wait for them at the barrier, derive and ship metrics, clean
// stale state, reconcile config results, and compute the next wake delay.
// It returns early only when ctx is cancelled.
func (a *Agent) RunCycle(ctx context.Context) error {
	start := time.Now()
	logger := a.logger.With("cycle_id", uuid.NewString())

	ns := newNamespace()
	active := a.dispatchWorkers(ctx, logger, ns)
	if err := a.waitForWorkers(ctx, logger, active); err != nil {
		return err
	}

	totals := a.shipMetrics(ctx, logger)

	// The janitor acts on the flag a previous reconciliation set: by now a
	// deconfigured block has dropped out of the namespace, so its state can
	// actually be removed.
	if a.needsCleanup {
		a.cleanupStale(logger, ns.active())
	}
	a.reconcile(logger, a.configQueue.Drain())

	elapsed := time.Since(start)
	wake := a.resolveWakeInterval()
	nextWake := wake - elapsed
	if nextWake < time.Second {
		logger.Warn("Cycle took longer than the wake interval",
			"elapsed_seconds", elapsed.Seconds(),
			"wake_interval_seconds", wake.Seconds(),
		)
		nextWake = wake
	}

	a.mu.Lock()
	a.nextWake = nextWake
	a.snapshot.Cycles++
	a.snapshot.LastCycleAt = start
	a.snapshot.LastDurationSeconds = elapsed.Seconds()
	a.snapshot.LastMetrics = totals.metrics
	a.snapshot.LastComponents = totals.components
	a.snapshot.LastBatches = totals.batches
	a.snapshot.UploadErrors += totals.uploadErrors
	a.snapshot.NextWakeSeconds = nextWake.Seconds()
	a.snapshot.Instances = ns.ordered()
	a.mu.Unlock()

	logger.Info("Cycle complete",
		"duration_seconds", elapsed.Seconds(),
		"next_wake_seconds", nextWake.Seconds(),
	)
	return nil
}

type cycleTotals struct {
	metrics      int
	components   int
	batches      int
	uploadErrors int
}

// shipMetrics drains the metric queue, stores carried state, derives
// min/max in place, and uploads batches as the ceilings are reached.
func (a *Agent) shipMetrics(ctx context.Context, logger *slog.Logger) cycleTotals {
	var totals cycleTotals
	settings := a.uploadSettings()
	packer := newBatcher(a.maxMetrics, a.maxBytes)

	send := func(b *batch) {
		totals.batches++
		if err := a.uploader.Send(ctx, settings, b); err != nil {
			totals.uploadErrors++
		}
	}

	for _, res := range a.metricQueue.Drain() {
		a.carried[res.instanceName] = res.carried
		for _, component := range res.components {
			if component == nil {
				continue
			}
			a.minmax.Apply(res.instanceName, component)
			totals.components++
			totals.metrics += component.MetricCount()

			flushed, err := packer.add(component)
			if err != nil {
				logger.Error("Dropping unserializable component", "error", err)
				continue
			}
			if flushed != nil {
				send(flushed)
			}
		}
	}
	if remainder := packer.finish(); remainder != nil {
		send(remainder)
	}

	if totals.metrics == 0 {
		logger.Warn("No metrics to send this interval")
	}
	return totals
}

// WakeInterval returns how long the caller should sleep before starting the
// next cycle.
func (a *Agent) WakeInterval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nextWake
}

// Stats returns a copy of the session snapshot.
func (a *Agent) Stats() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap := a.snapshot
	snap.Instances = append([]string(nil), a.snapshot.Instances...)
	return snap
}

// uploadSettings resolves the reserved keys in effect for this cycle's
// sends.
func (a *Agent) uploadSettings() uploadSettings {
	return uploadSettings{
		endpoint:   a.endpoint(),
		licenseKey: a.licenseKey(),
		proxy:      stringKey(a.application, "proxy"),
		timeout:    a.secondsKey("newrelic_api_timeout", defaultAPITimeout),
		verifyTLS:  a.boolKey("verify_ssl_cert", true),
		skipUpload: a.boolKey("skip_newrelic_upload", false),
	}
}

// licenseKey resolves the license in order: the two environment variables,
// then the configuration field.
func (a *Agent) licenseKey() string {
	if key := os.Getenv("NEW_RELIC_LICENSE_KEY"); key != "" {
		return key
	}
	if key := os.Getenv("NEWRELIC_LICENSE_KEY"); key != "" {
		return key
	}
	return stringKey(a.application, "license_key")
}

func (a *Agent) endpoint() string {
	if endpoint := stringKey(a.application, "endpoint"); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

// resolveWakeInterval applies the fallback chain wake_interval,
// poll_interval, default.
func (a *Agent) resolveWakeInterval() time.Duration {
	for _, key := range []string{"wake_interval", "poll_interval"} {
		if seconds := a.secondsKey(key, 0); seconds > 0 {
			return seconds
		}
	}
	return defaultWakeInterval
}

func (a *Agent) secondsKey(key string, fallback time.Duration) time.Duration {
	v, ok := a.application[key]
	if !ok {
		return fallback
	}
	seconds, err := plugins.ToFloat(v)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

// boolKey follows configuration truthiness: a present key counts as true
// unless it holds an empty/zero/false value.
func (a *Agent) boolKey(key string, fallback bool) bool {
	v, ok := a.application[key]
	if !ok {
		return fallback
	}
	return !emptyBlock(v)
}

func stringKey(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
