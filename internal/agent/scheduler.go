package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/relicagent/relicagent/internal/plugins"
)

// Reserved application keys that configure the agent itself and are never
// treated as plugin blocks.
var reservedKeys = map[string]struct{}{
	"license_key":          {},
	"proxy":                {},
	"endpoint":             {},
	"verify_ssl_cert":      {},
	"poll_interval":        {},
	"wake_interval":        {},
	"newrelic_api_timeout": {},
	"skip_newrelic_upload": {},
}

// dispatchWorkers walks the live configuration, assigns instance names, and
// starts one executor goroutine per instance. No pool: all instances for a
// cycle run together. Returns the cycle namespace and the active counter the
// barrier watches.
func (a *Agent) dispatchWorkers(ctx context.Context, logger *slog.Logger, ns *namespace) *atomic.Int64 {
	active := &atomic.Int64{}
	interval := a.resolveWakeInterval()

	blockKeys := make([]string, 0, len(a.application))
	for key := range a.application {
		if _, reserved := reservedKeys[key]; reserved {
			continue
		}
		blockKeys = append(blockKeys, key)
	}
	sort.Strings(blockKeys)

	for _, blockKey := range blockKeys {
		block := a.application[blockKey]
		if emptyBlock(block) {
			continue
		}

		logger.Debug("Checking plugin config", "block", blockKey)
		def, ok := a.registry.Lookup(blockKey)
		if !ok {
			logger.Error("Plugin not available", "plugin", plugins.PluginName(blockKey), "block", blockKey)
			continue
		}

		for _, settings := range blockInstances(logger, blockKey, block) {
			instanceName := ns.assign(blockKey, settings)
			logger.Info("Starting plugin instance",
				"instance", instanceName,
				"plugin", def.Name,
				"kind", def.Kind.String(),
			)

			switch def.Kind {
			case plugins.KindMetric:
				prior := a.carried[instanceName]
				active.Add(1)
				go func(settings map[string]any, prior any, name string, factory plugins.MetricFactory) {
					defer active.Add(-1)
					runMetricProducer(ctx, logger, name, factory, settings, interval, prior, a.metricQueue)
				}(settings, prior, instanceName, def.Metric)

			case plugins.KindConfig:
				prior := a.lastConfigResult[instanceName]
				active.Add(1)
				go func(settings map[string]any, prior map[string]any, name string, factory plugins.ConfigFactory) {
					defer active.Add(-1)
					runConfigProducer(ctx, logger, name, factory, settings, prior, a.configQueue)
				}(settings, prior, instanceName, def.Config)
			}
		}
	}

	return active
}

// waitForWorkers is the cycle barrier: it returns once every dispatched
// executor has finished, checking once per second so cancellation stays
// responsive without spinning.
func (a *Agent) waitForWorkers(ctx context.Context, logger *slog.Logger, active *atomic.Int64) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		running := active.Load()
		if running == 0 {
			return nil
		}
		logger.Debug("Waiting for plugin instances", "running", running)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// emptyBlock reports whether a config block holds nothing worth polling.
func emptyBlock(block any) bool {
	switch v := block.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case int:
		return v == 0
	case float64:
		return v == 0
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// blockInstances normalizes a block into its per-instance settings maps: a
// mapping is one instance, a list is one instance per mapping element.
func blockInstances(logger *slog.Logger, blockKey string, block any) []map[string]any {
	switch v := block.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		instances := make([]map[string]any, 0, len(v))
		for i, item := range v {
			settings, ok := item.(map[string]any)
			if !ok {
				logger.Warn("Skipping malformed block entry", "block", blockKey, "index", i)
				continue
			}
			instances = append(instances, settings)
		}
		return instances
	default:
		logger.Warn("Skipping malformed block", "block", blockKey)
		return nil
	}
}
