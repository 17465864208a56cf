package agent

import (
	"log/slog"
	"reflect"
)

// reconcile applies drained config-producer results to the live
// configuration. Only keys a result explicitly names are touched: non-empty
// values are written when they differ from the live block, empty values
// delete an existing block. Any write or delete marks the session dirty so
// the next cycle's janitor pass can drop state for vanished instances.
func (a *Agent) reconcile(logger *slog.Logger, results []configResult) {
	for _, res := range results {
		proposed, ok := applicationSection(res.result)
		if !ok {
			logger.Debug("Ignoring config result without application section",
				"instance", res.instanceName)
			continue
		}

		a.lastConfigResult[res.instanceName] = res.result

		for blockKey, blockValue := range proposed {
			action := ""
			if !emptyBlock(blockValue) {
				live, exists := a.application[blockKey]
				if exists && reflect.DeepEqual(live, blockValue) {
					action = "unchanged"
				} else {
					a.application[blockKey] = blockValue
					action = "updated"
					a.needsCleanup = true
				}
			} else if _, exists := a.application[blockKey]; exists {
				delete(a.application, blockKey)
				action = "removed"
				a.needsCleanup = true
			}

			if action != "" {
				logger.Info("Plugin config result",
					"instance", res.instanceName,
					"block", blockKey,
					"action", action,
				)
			}
		}
	}
}

// applicationSection extracts the actionable part of a config result. A
// result without a non-empty application mapping is not an error, just no
// news.
func applicationSection(result map[string]any) (map[string]any, bool) {
	if result == nil {
		return nil, false
	}
	section, ok := result["application"].(map[string]any)
	if !ok || len(section) == 0 {
		return nil, false
	}
	return section, true
}

// cleanupStale drops carried state, last config results, and min/max
// history owned by instance names absent from the current cycle. Runs only
// when a previous reconciliation marked the session dirty — by then the
// deconfigured instances have had one cycle to fall out of the namespace.
func (a *Agent) cleanupStale(logger *slog.Logger, live map[string]struct{}) {
	for name := range a.carried {
		if _, ok := live[name]; !ok {
			logger.Info("Removing carried state for unused instance", "instance", name)
			delete(a.carried, name)
		}
	}
	for name := range a.lastConfigResult {
		if _, ok := live[name]; !ok {
			logger.Info("Removing last config result for unused instance", "instance", name)
			delete(a.lastConfigResult, name)
		}
	}
	if removed := a.minmax.Purge(live); removed > 0 {
		logger.Info("Removed min/max history for unused instances", "metrics", removed)
	}
	a.needsCleanup = false
}
