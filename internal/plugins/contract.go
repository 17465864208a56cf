package plugins

import (
	"context"
	"time"
)

// Kind classifies what a registered plugin produces.
type Kind int

const (
	// KindMetric plugins poll a target and emit metric components.
	KindMetric Kind = iota
	// KindConfig plugins emit configuration blocks for other plugins.
	KindConfig
)

// String returns the kind as a short lowercase label.
func (k Kind) String() string {
	switch k {
	case KindMetric:
		return "metric"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// MetricProducer is one single-shot poll run. The agent constructs a fresh
// producer every cycle through the registered factory, calls Poll exactly
// once, then collects the components and the carried-state snapshot.
type MetricProducer interface {
	// Poll performs the collection synchronously. A non-nil error marks the
	// run as failed but whatever components were recorded are still shipped.
	Poll(ctx context.Context) error

	// Components returns the components recorded by Poll.
	Components() []*Component

	// Carried returns the opaque snapshot handed back to the next run of the
	// same instance, used for delta computation.
	Carried() any
}

// ConfigProducer is one single-shot run of a configuration-producing plugin.
type ConfigProducer interface {
	Poll(ctx context.Context) error

	// Result returns the proposed configuration. It is only actionable when
	// it contains an "application" section mapping block keys to configs.
	Result() map[string]any
}

// MetricFactory builds a MetricProducer for one configured instance.
// settings is the raw config block element, pollInterval the agent's wake
// interval, and prior the carried state from the instance's previous run
// (nil on the first run).
type MetricFactory func(settings map[string]any, pollInterval time.Duration, prior any) (MetricProducer, error)

// ConfigFactory builds a ConfigProducer for one configured instance. prior
// is the instance's last accepted result (nil on the first run).
type ConfigFactory func(settings map[string]any, prior map[string]any) (ConfigProducer, error)
