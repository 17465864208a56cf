// Package snmp polls a v2c agent for a configured OID list. Each entry
// names its metric and declares whether the value is a gauge or a derive
// counter.
package snmp

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/relicagent/relicagent/internal/plugins"
)

const guid = "com.relicagent.snmp"

const defaultTimeout = 5 * time.Second

// oidsPerRequest bounds one GET; agents commonly reject larger bindings.
const oidsPerRequest = 25

// OIDSetting is one configured object to poll.
type OIDSetting struct {
	OID  string `mapstructure:"oid" validate:"required"`
	Name string `mapstructure:"metric_name" validate:"required"`
	Unit string `mapstructure:"unit"`
	Type string `mapstructure:"type" validate:"omitempty,oneof=gauge derive"`
}

// Settings configures one SNMP target.
type Settings struct {
	Name      string       `mapstructure:"name"`
	Host      string       `mapstructure:"host" validate:"required"`
	Port      int          `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Community string       `mapstructure:"community"`
	Timeout   int          `mapstructure:"timeout" validate:"omitempty,min=1"`
	OIDs      []OIDSetting `mapstructure:"oids" validate:"required,min=1,dive"`
}

// Factory builds an snmp plugin run.
func Factory(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
	var s Settings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Port == 0 {
		s.Port = 161
	}
	if s.Community == "" {
		s.Community = "public"
	}
	if s.Name == "" {
		s.Name = s.Host
	}
	return &Plugin{settings: s, report: plugins.NewReport(pollInterval, prior)}, nil
}

// Plugin is one poll run against an SNMP agent.
type Plugin struct {
	settings Settings
	report   *plugins.Report
}

// Poll connects and GETs the configured OIDs in bounded chunks.
func (p *Plugin) Poll(ctx context.Context) error {
	timeout := defaultTimeout
	if p.settings.Timeout > 0 {
		timeout = time.Duration(p.settings.Timeout) * time.Second
	}

	client := &gosnmp.GoSNMP{
		Target:    p.settings.Host,
		Port:      uint16(p.settings.Port),
		Community: p.settings.Community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect to %s: %w", p.settings.Host, err)
	}
	defer client.Conn.Close()

	byOID := make(map[string]OIDSetting, len(p.settings.OIDs))
	oids := make([]string, 0, len(p.settings.OIDs))
	for _, entry := range p.settings.OIDs {
		byOID[normalizeOID(entry.OID)] = entry
		oids = append(oids, entry.OID)
	}

	rec := p.report.Component(guid, p.settings.Name)
	for start := 0; start < len(oids); start += oidsPerRequest {
		end := start + oidsPerRequest
		if end > len(oids) {
			end = len(oids)
		}
		packet, err := client.Get(oids[start:end])
		if err != nil {
			return fmt.Errorf("GET from %s: %w", p.settings.Host, err)
		}
		recordVariables(rec, byOID, packet.Variables)
	}
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

// recordVariables maps response bindings back to their configured entries.
// Unresolvable values (noSuchObject, strings that are not numbers) are
// skipped rather than failing the run.
func recordVariables(rec *plugins.Recorder, byOID map[string]OIDSetting, variables []gosnmp.SnmpPDU) {
	for _, v := range variables {
		entry, ok := byOID[normalizeOID(v.Name)]
		if !ok {
			continue
		}
		value, ok := pduValue(v)
		if !ok {
			continue
		}
		if entry.Type == "gauge" {
			rec.Gauge(entry.Name, entry.Unit, value)
		} else {
			rec.Derive(entry.Name, entry.Unit, value)
		}
	}
}

func pduValue(v gosnmp.SnmpPDU) (float64, bool) {
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return 0, false
	case gosnmp.OctetString:
		raw, ok := v.Value.([]byte)
		if !ok {
			return 0, false
		}
		f, err := plugins.ToFloat(string(raw))
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		f, err := plugins.ToFloat(v.Value)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

// normalizeOID strips the leading dot so lookup keys match regardless of
// how the OID was written in configuration or returned by the agent.
func normalizeOID(oid string) string {
	if len(oid) > 0 && oid[0] == '.' {
		return oid[1:]
	}
	return oid
}
