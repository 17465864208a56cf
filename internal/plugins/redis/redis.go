// Package redis polls a Redis server through INFO: client and memory
// gauges, command and keyspace-hit derives, and per-database key counts.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/relicagent/relicagent/internal/plugins"
)

const guid = "com.relicagent.redis"

const defaultTimeout = 10 * time.Second

// Settings configures one Redis instance.
type Settings struct {
	Name     string `mapstructure:"name"`
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"omitempty,min=0"`
	Timeout  int    `mapstructure:"timeout" validate:"omitempty,min=1"`
}

// Factory builds a redis plugin run.
func Factory(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
	var s Settings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = s.Addr
	}
	return &Plugin{settings: s, report: plugins.NewReport(pollInterval, prior)}, nil
}

// Plugin is one poll run against a Redis server.
type Plugin struct {
	settings Settings
	report   *plugins.Report
}

// Poll issues INFO for the sections the recorder reads.
func (p *Plugin) Poll(ctx context.Context) error {
	timeout := defaultTimeout
	if p.settings.Timeout > 0 {
		timeout = time.Duration(p.settings.Timeout) * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         p.settings.Addr,
		Password:     p.settings.Password,
		DB:           p.settings.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := client.Info(ctx, "clients", "memory", "stats", "keyspace").Result()
	if err != nil {
		return fmt.Errorf("INFO from %s: %w", p.settings.Addr, err)
	}

	rec := p.report.Component(guid, p.settings.Name)
	recordInfo(rec, parseInfo(info))
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

// parseInfo splits INFO output into its key:value fields, ignoring section
// headers and blank lines.
func parseInfo(raw string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[key] = value
	}
	return fields
}

func recordInfo(rec *plugins.Recorder, fields map[string]string) {
	gauge := func(field, metric, unit string) {
		if v, err := plugins.ToFloat(fields[field]); err == nil {
			rec.Gauge(metric, unit, v)
		}
	}
	derive := func(field, metric, unit string) {
		if v, err := plugins.ToFloat(fields[field]); err == nil {
			rec.Derive(metric, unit, v)
		}
	}

	gauge("connected_clients", "Clients/Connected", "connections")
	gauge("blocked_clients", "Clients/Blocked", "connections")
	gauge("used_memory", "Memory/Used", "bytes")
	gauge("used_memory_rss", "Memory/RSS", "bytes")
	gauge("mem_fragmentation_ratio", "Memory/FragmentationRatio", "ratio")

	derive("total_commands_processed", "Commands/Processed", "commands")
	derive("total_connections_received", "Connections/Received", "connections")
	derive("keyspace_hits", "Keyspace/Hits", "hits")
	derive("keyspace_misses", "Keyspace/Misses", "misses")
	derive("expired_keys", "Keyspace/Expired", "keys")
	derive("evicted_keys", "Keyspace/Evicted", "keys")

	for field, value := range fields {
		if !strings.HasPrefix(field, "db") {
			continue
		}
		// Keyspace lines look like db0:keys=42,expires=3,avg_ttl=0.
		for _, part := range strings.Split(value, ",") {
			name, count, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			switch name {
			case "keys":
				if v, err := plugins.ToFloat(count); err == nil {
					rec.Gauge("Keyspace/"+field+"/Keys", "keys", v)
				}
			case "expires":
				if v, err := plugins.ToFloat(count); err == nil {
					rec.Gauge("Keyspace/"+field+"/Expires", "keys", v)
				}
			}
		}
	}
}
