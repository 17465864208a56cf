package plugins

import (
	"fmt"
	"time"
)

// Totals holds the raw counter totals observed at the previous poll, keyed
// by "<componentName>|<metricName>". It is the carried-state shape used by
// every built-in plugin.
type Totals map[string]float64

// PriorTotals extracts a Totals map from an opaque carried-state value.
// Returns an empty map for nil or foreign shapes.
func PriorTotals(prior any) Totals {
	if t, ok := prior.(Totals); ok && t != nil {
		return t
	}
	return Totals{}
}

// Report accumulates the components produced by one poll run plus the
// carried totals for the next run. Plugins create one Report per run and one
// Recorder per component.
type Report struct {
	duration   int
	prior      Totals
	next       Totals
	components []*Component
}

// NewReport starts an empty report for a run. The carried totals begin as a
// copy of the prior run's, so a poll that records nothing hands the old
// totals forward unchanged instead of resetting every counter.
func NewReport(pollInterval time.Duration, prior any) *Report {
	p := PriorTotals(prior)
	next := make(Totals, len(p))
	for k, v := range p {
		next[k] = v
	}
	return &Report{
		duration: int(pollInterval.Seconds()),
		prior:    p,
		next:     next,
	}
}

// Component appends a new component to the report and returns a recorder
// scoped to it.
func (r *Report) Component(guid, name string) *Recorder {
	c := &Component{
		GUID:     guid,
		Name:     name,
		Duration: r.duration,
		Metrics:  make(map[string]*MetricSample),
	}
	r.components = append(r.components, c)
	return &Recorder{report: r, component: c}
}

// Components returns everything recorded so far.
func (r *Report) Components() []*Component {
	return r.components
}

// Carried returns the totals snapshot for the next run.
func (r *Report) Carried() any {
	return r.next
}

// Recorder writes samples into a single component.
type Recorder struct {
	report    *Report
	component *Component
}

// MetricName renders the vendor metric path for a name and unit.
func MetricName(name, unit string) string {
	if unit == "" {
		return "Component/" + name
	}
	return fmt.Sprintf("Component/%s[%s]", name, unit)
}

// Gauge records an instantaneous value.
func (rc *Recorder) Gauge(name, unit string, value float64) {
	rc.component.Metrics[MetricName(name, unit)] = &MetricSample{
		Total: value,
		Count: 1,
	}
}

// Derive records a running counter total. The emitted sample carries the
// delta against the previous run's total: the full value on first sighting,
// and again the full value when the counter went backwards (target restart).
func (rc *Recorder) Derive(name, unit string, total float64) {
	metric := MetricName(name, unit)
	key := rc.component.Name + "|" + metric
	last := rc.report.prior[key]
	if total < last {
		last = 0
	}
	rc.component.Metrics[metric] = &MetricSample{
		Total: total - last,
		Count: 1,
	}
	rc.report.next[key] = total
}
