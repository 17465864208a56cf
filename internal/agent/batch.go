package agent

import (
	"encoding/json"
	"fmt"

	"github.com/relicagent/relicagent/internal/plugins"
)

// Upload ceilings, kept under the endpoint's documented 20,000-metric and
// ~1 MiB request limits.
const (
	defaultMaxMetricsPerRequest = 10000
	defaultMaxSizePerRequest    = 750 * 1024
)

// batch is a flushed group of components ready for one upload.
type batch struct {
	components  []*plugins.Component
	metricCount int
	byteSize    int
}

// batcher packs components into batches under a metric-count and a
// serialized-size ceiling. A batch is cut before either ceiling would be
// reached, so the component that would cross the line starts the next batch;
// a single component larger than a ceiling still ships alone.
type batcher struct {
	maxMetrics int
	maxBytes   int

	components []*plugins.Component
	metrics    int
	bytes      int
}

func newBatcher(maxMetrics, maxBytes int) *batcher {
	if maxMetrics <= 0 {
		maxMetrics = defaultMaxMetricsPerRequest
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxSizePerRequest
	}
	return &batcher{maxMetrics: maxMetrics, maxBytes: maxBytes}
}

// add appends a component. When appending would reach a ceiling, the
// accumulated batch is returned for sending and the component begins a new
// one. The size estimate sums per-component serialized lengths.
func (b *batcher) add(c *plugins.Component) (*batch, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("serialize component %s/%s: %w", c.GUID, c.Name, err)
	}
	size := len(data)
	count := c.MetricCount()

	var flushed *batch
	if len(b.components) > 0 && (b.metrics+count >= b.maxMetrics || b.bytes+size >= b.maxBytes) {
		flushed = b.take()
	}

	b.components = append(b.components, c)
	b.metrics += count
	b.bytes += size
	return flushed, nil
}

// finish returns the remaining batch, or nil when nothing is pending.
func (b *batcher) finish() *batch {
	if len(b.components) == 0 {
		return nil
	}
	return b.take()
}

func (b *batcher) take() *batch {
	out := &batch{
		components:  b.components,
		metricCount: b.metrics,
		byteSize:    b.bytes,
	}
	b.components = nil
	b.metrics = 0
	b.bytes = 0
	return out
}
