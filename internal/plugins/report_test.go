package plugins

import (
	"testing"
	"time"
)

func TestMetricName(t *testing.T) {
	testCases := []struct {
		name string
		unit string
		want string
	}{
		{"CPU/Usage", "Percent", "Component/CPU/Usage[Percent]"},
		{"Connections", "Connections", "Component/Connections[Connections]"},
		{"Uptime", "", "Component/Uptime"},
	}

	for _, tc := range testCases {
		if got := MetricName(tc.name, tc.unit); got != tc.want {
			t.Errorf("MetricName(%q, %q) = %q, want %q", tc.name, tc.unit, got, tc.want)
		}
	}
}

func TestRecorderGauge(t *testing.T) {
	report := NewReport(60*time.Second, nil)
	rec := report.Component("com.test.guid", "db01")
	rec.Gauge("Memory/Resident", "Bytes", 1024)

	components := report.Components()
	if len(components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(components))
	}
	c := components[0]
	if c.GUID != "com.test.guid" || c.Name != "db01" {
		t.Errorf("component identity = (%q, %q)", c.GUID, c.Name)
	}
	if c.Duration != 60 {
		t.Errorf("duration = %d, want 60", c.Duration)
	}
	sample := c.Metrics["Component/Memory/Resident[Bytes]"]
	if sample == nil {
		t.Fatalf("gauge sample missing, metrics: %v", c.Metrics)
	}
	if sample.Total != 1024 || sample.Count != 1 {
		t.Errorf("sample = {total: %v, count: %d}, want {1024, 1}", sample.Total, sample.Count)
	}
	if sample.Min != nil || sample.Max != nil {
		t.Errorf("gauge sample should leave min/max unset, got min=%v max=%v", sample.Min, sample.Max)
	}
}

func TestRecorderDerive(t *testing.T) {
	testCases := []struct {
		name      string
		prior     Totals
		total     float64
		wantDelta float64
	}{
		{
			name:      "first sighting reports full value",
			prior:     nil,
			total:     500,
			wantDelta: 500,
		},
		{
			name:      "subsequent sighting reports delta",
			prior:     Totals{"db01|Component/Queries[Queries]": 500},
			total:     720,
			wantDelta: 220,
		},
		{
			name:      "counter reset reports full value",
			prior:     Totals{"db01|Component/Queries[Queries]": 500},
			total:     40,
			wantDelta: 40,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			report := NewReport(time.Minute, tc.prior)
			rec := report.Component("com.test.guid", "db01")
			rec.Derive("Queries", "Queries", tc.total)

			sample := report.Components()[0].Metrics["Component/Queries[Queries]"]
			if sample == nil {
				t.Fatal("derive sample missing")
			}
			if sample.Total != tc.wantDelta {
				t.Errorf("delta = %v, want %v", sample.Total, tc.wantDelta)
			}

			carried := PriorTotals(report.Carried())
			if carried["db01|Component/Queries[Queries]"] != tc.total {
				t.Errorf("carried total = %v, want %v", carried["db01|Component/Queries[Queries]"], tc.total)
			}
		})
	}
}

func TestRecorderDeriveScopesByComponent(t *testing.T) {
	prior := Totals{
		"db01|Component/Queries[Queries]": 100,
		"db02|Component/Queries[Queries]": 900,
	}
	report := NewReport(time.Minute, prior)
	report.Component("g", "db01").Derive("Queries", "Queries", 150)
	report.Component("g", "db02").Derive("Queries", "Queries", 1000)

	components := report.Components()
	if got := components[0].Metrics["Component/Queries[Queries]"].Total; got != 50 {
		t.Errorf("db01 delta = %v, want 50", got)
	}
	if got := components[1].Metrics["Component/Queries[Queries]"].Total; got != 100 {
		t.Errorf("db02 delta = %v, want 100", got)
	}
}

func TestReportCarriesUntouchedTotalsForward(t *testing.T) {
	prior := Totals{
		"db01|Component/Queries[Queries]": 500,
		"db01|Component/Writes[Writes]":   80,
	}
	report := NewReport(time.Minute, prior)
	report.Component("g", "db01").Derive("Queries", "Queries", 650)

	carried := PriorTotals(report.Carried())
	if carried["db01|Component/Queries[Queries]"] != 650 {
		t.Errorf("derived total = %v, want 650", carried["db01|Component/Queries[Queries]"])
	}
	// A total not recorded this run still rides along for the next one.
	if carried["db01|Component/Writes[Writes]"] != 80 {
		t.Errorf("untouched total = %v, want 80", carried["db01|Component/Writes[Writes]"])
	}
	// The prior map itself stays intact.
	if prior["db01|Component/Queries[Queries]"] != 500 {
		t.Errorf("prior was mutated: %v", prior)
	}
}

func TestPriorTotalsForeignShape(t *testing.T) {
	if got := PriorTotals("not a map"); len(got) != 0 {
		t.Errorf("expected empty totals for foreign shape, got %v", got)
	}
	if got := PriorTotals(nil); len(got) != 0 {
		t.Errorf("expected empty totals for nil, got %v", got)
	}
}
