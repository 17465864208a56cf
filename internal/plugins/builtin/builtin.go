// Package builtin wires the shipped plugins into a registry.
package builtin

import (
	"github.com/relicagent/relicagent/internal/plugins"
	"github.com/relicagent/relicagent/internal/plugins/linuxremote"
	"github.com/relicagent/relicagent/internal/plugins/postgres"
	"github.com/relicagent/relicagent/internal/plugins/prometheus"
	"github.com/relicagent/relicagent/internal/plugins/redis"
	"github.com/relicagent/relicagent/internal/plugins/snmp"
	"github.com/relicagent/relicagent/internal/plugins/system"
	"github.com/relicagent/relicagent/internal/plugins/windowsremote"
)

// Register adds every built-in plugin under its configuration block name.
func Register(r *plugins.Registry) {
	r.RegisterMetric("system", system.Factory)
	r.RegisterMetric("postgres", postgres.Factory)
	r.RegisterConfig("postgres_discovery", postgres.DiscoveryFactory)
	r.RegisterMetric("prometheus", prometheus.Factory)
	r.RegisterMetric("redis", redis.Factory)
	r.RegisterMetric("snmp", snmp.Factory)
	r.RegisterMetric("linuxremote", linuxremote.Factory)
	r.RegisterMetric("windowsremote", windowsremote.Factory)
}

// NewRegistry returns a registry preloaded with the built-in set.
func NewRegistry() *plugins.Registry {
	r := plugins.NewRegistry()
	Register(r)
	return r
}
