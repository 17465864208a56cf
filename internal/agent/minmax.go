package agent

import (
	"github.com/relicagent/relicagent/internal/plugins"
)

type metricKey struct {
	guid      string
	component string
	metric    string
}

type componentKey struct {
	guid      string
	component string
}

type valueRange struct {
	min float64
	max float64
}

// minMaxStore carries observed per-metric minimum and maximum totals across
// polling cycles. History only tightens: the stored min never rises, the
// stored max never falls, for as long as the key lives.
type minMaxStore struct {
	history map[metricKey]valueRange
	// owners maps a component identity to the instance that last produced
	// it, so history can be dropped when that instance leaves the config.
	owners map[componentKey]string
}

func newMinMaxStore() *minMaxStore {
	return &minMaxStore{
		history: make(map[metricKey]valueRange),
		owners:  make(map[componentKey]string),
	}
}

// Apply updates history with every sample total in the component and fills
// each sample's Min/Max in place, but only where the producing plugin left
// them unset. Runs before the component is considered for batching.
func (s *minMaxStore) Apply(instanceName string, c *plugins.Component) {
	s.owners[componentKey{c.GUID, c.Name}] = instanceName

	for name, sample := range c.Metrics {
		if sample == nil {
			continue
		}
		key := metricKey{c.GUID, c.Name, name}
		value := sample.Total

		r, seen := s.history[key]
		if !seen {
			r = valueRange{min: value, max: value}
		} else {
			if value < r.min {
				r.min = value
			}
			if value > r.max {
				r.max = value
			}
		}

		if sample.Min == nil {
			min := r.min
			sample.Min = &min
		}
		if sample.Max == nil {
			max := r.max
			sample.Max = &max
		}
		s.history[key] = r
	}
}

// Purge drops history for components whose last producing instance is not in
// the live set. Returns the number of deleted metric keys.
func (s *minMaxStore) Purge(live map[string]struct{}) int {
	stale := make(map[componentKey]struct{})
	for ck, owner := range s.owners {
		if _, ok := live[owner]; !ok {
			stale[ck] = struct{}{}
			delete(s.owners, ck)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	removed := 0
	for mk := range s.history {
		if _, ok := stale[componentKey{mk.guid, mk.component}]; ok {
			delete(s.history, mk)
			removed++
		}
	}
	return removed
}

// Range reports the stored history for one metric key.
func (s *minMaxStore) Range(guid, component, metric string) (min, max float64, ok bool) {
	r, ok := s.history[metricKey{guid, component, metric}]
	return r.min, r.max, ok
}
