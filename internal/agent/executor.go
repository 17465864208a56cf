package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/relicagent/relicagent/internal/plugins"
)

// runMetricProducer executes one metric plugin instance to completion.
// It pushes exactly one result, whatever happens: an empty component list
// with the prior carried state on construction failure or panic, and the
// components collected so far on a poll error. Executors only ever see the
// queue, never the session's maps.
func runMetricProducer(
	ctx context.Context,
	logger *slog.Logger,
	instanceName string,
	factory plugins.MetricFactory,
	settings map[string]any,
	pollInterval time.Duration,
	prior any,
	out *queue[metricResult],
) {
	pushed := false
	push := func(components []*plugins.Component, carried any) {
		if pushed {
			return
		}
		pushed = true
		out.Push(metricResult{
			instanceName: instanceName,
			components:   components,
			carried:      carried,
		})
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Plugin instance panicked", "instance", instanceName, "value", r)
			push(nil, prior)
		}
	}()

	producer, err := factory(settings, pollInterval, prior)
	if err != nil {
		logger.Error("Plugin instance setup failed", "instance", instanceName, "error", err)
		push(nil, prior)
		return
	}

	if err := producer.Poll(ctx); err != nil {
		logger.Error("Plugin instance poll failed", "instance", instanceName, "error", err)
	}
	push(producer.Components(), producer.Carried())
}

// runConfigProducer executes one config plugin instance. A result is pushed
// only on a successful run; reconciliation treats a missing push as no news
// from that instance.
func runConfigProducer(
	ctx context.Context,
	logger *slog.Logger,
	instanceName string,
	factory plugins.ConfigFactory,
	settings map[string]any,
	prior map[string]any,
	out *queue[configResult],
) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Plugin instance panicked", "instance", instanceName, "value", r)
		}
	}()

	producer, err := factory(settings, prior)
	if err != nil {
		logger.Error("Plugin instance setup failed", "instance", instanceName, "error", err)
		return
	}
	if err := producer.Poll(ctx); err != nil {
		logger.Error("Plugin instance poll failed", "instance", instanceName, "error", err)
		return
	}
	out.Push(configResult{instanceName: instanceName, result: producer.Result()})
}
