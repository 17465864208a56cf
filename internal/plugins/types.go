// Package plugins defines the contract between the agent core and the
// pollers that produce metric components or dynamic configuration.
package plugins

// MetricSample is one interval's contribution for a single metric name.
// Min and Max normally arrive unset from the plugin; the agent fills them
// from cross-interval history before upload.
type MetricSample struct {
	Total        float64  `json:"total"`
	Count        int      `json:"count"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	SumOfSquares *float64 `json:"sum_of_squares,omitempty"`
}

// Component is a named, GUID-scoped group of samples reported for one
// polling cycle. Duration is the poll interval in seconds.
type Component struct {
	GUID     string                   `json:"guid"`
	Name     string                   `json:"name"`
	Duration int                      `json:"duration"`
	Metrics  map[string]*MetricSample `json:"metrics"`
}

// MetricCount returns the number of samples in the component.
func (c *Component) MetricCount() int {
	return len(c.Metrics)
}
