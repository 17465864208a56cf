// Package prometheus scrapes a text exposition endpoint and republishes
// its samples: counters as derives, gauges as gauges, with label pairs
// flattened into the metric path.
package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/relicagent/relicagent/internal/plugins"
)

const guid = "com.relicagent.prometheus"

const defaultTimeout = 10 * time.Second

// Settings configures one scrape target.
type Settings struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url" validate:"required,url"`

	// Include restricts the scrape to the listed metric names. Empty means
	// everything.
	Include []string `mapstructure:"include"`

	// Exclude drops the listed metric names, after Include.
	Exclude []string `mapstructure:"exclude"`

	// Gauges lists metric names reported as gauges regardless of their
	// exposed type. Everything else follows the exposition type, defaulting
	// to derive.
	Gauges []string `mapstructure:"gauges"`

	Timeout int `mapstructure:"timeout" validate:"omitempty,min=1"`
}

// Factory builds a prometheus plugin run.
func Factory(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
	var s Settings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = s.URL
	}
	return &Plugin{settings: s, report: plugins.NewReport(pollInterval, prior)}, nil
}

// Plugin is one scrape run.
type Plugin struct {
	settings Settings
	report   *plugins.Report
}

// Poll fetches and parses the exposition text.
func (p *Plugin) Poll(ctx context.Context) error {
	timeout := defaultTimeout
	if p.settings.Timeout > 0 {
		timeout = time.Duration(p.settings.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.URL, nil)
	if err != nil {
		return fmt.Errorf("build scrape request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("scrape %s: %w", p.settings.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scrape %s: unexpected status %d", p.settings.URL, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("parse exposition from %s: %w", p.settings.URL, err)
	}

	rec := p.report.Component(guid, p.settings.Name)
	p.record(rec, families)
	return nil
}

// Components returns the recorded component.
func (p *Plugin) Components() []*plugins.Component {
	return p.report.Components()
}

// Carried returns the counter totals for the next run.
func (p *Plugin) Carried() any {
	return p.report.Carried()
}

// record walks the parsed families in name order and emits one sample per
// metric. Histograms and summaries are reduced to their running sum and
// count, both derives.
func (p *Plugin) record(rec *plugins.Recorder, families map[string]*dto.MetricFamily) {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !p.wanted(name) {
			continue
		}
		family := families[name]
		for _, m := range family.GetMetric() {
			path := flattenLabels(name, m.GetLabel())
			switch family.GetType() {
			case dto.MetricType_GAUGE:
				rec.Gauge(path, name, m.GetGauge().GetValue())
			case dto.MetricType_COUNTER:
				p.emit(rec, name, path, m.GetCounter().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				rec.Derive(path+"/sum", name, h.GetSampleSum())
				rec.Derive(path+"/count", name, float64(h.GetSampleCount()))
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				rec.Derive(path+"/sum", name, s.GetSampleSum())
				rec.Derive(path+"/count", name, float64(s.GetSampleCount()))
			default:
				p.emit(rec, name, path, m.GetUntyped().GetValue())
			}
		}
	}
}

// emit sends an untyped or counter sample as a gauge when the name is in
// the gauges list, else as a derive.
func (p *Plugin) emit(rec *plugins.Recorder, name, path string, value float64) {
	for _, g := range p.settings.Gauges {
		if g == name {
			rec.Gauge(path, name, value)
			return
		}
	}
	rec.Derive(path, name, value)
}

func (p *Plugin) wanted(name string) bool {
	if len(p.settings.Include) > 0 {
		found := false
		for _, inc := range p.settings.Include {
			if inc == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, exc := range p.settings.Exclude {
		if exc == name {
			return false
		}
	}
	return true
}

// flattenLabels appends sorted label name/value pairs to the metric path.
func flattenLabels(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	sorted := make([]*dto.LabelPair, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].GetName() < sorted[j].GetName()
	})
	path := name
	for _, label := range sorted {
		path += "/" + label.GetName() + "/" + label.GetValue()
	}
	return path
}
