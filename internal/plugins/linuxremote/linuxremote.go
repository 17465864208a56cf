// Package linuxremote polls a remote Linux host over SSH by reading proc
// files: load and memory gauges plus CPU jiffy and kernel counter derives.
package linuxremote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/relicagent/relicagent/internal/plugins"
)

const guid = "com.relicagent.linuxremote"

const defaultTimeout = 10 * time.Second

// Settings configures one SSH target.
type Settings struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Timeout  int    `mapstructure:"timeout" validate:"omitempty,min=1"`
}

// Factory builds a linuxremote plugin run.
func Factory(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
	var s Settings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Port == 0 {
		s.Port = 22
	}
	if s.Name == "" {
		s.Name = s.Host
	}
	return &Plugin{settings: s, report: plugins.NewReport(pollInterval, prior)}, nil
}

// Plugin is one poll run against a remote host.
type Plugin struct {
	settings Settings
	report   *plugins.Report
}

// Poll opens one SSH connection and reads each proc file in its own
// session. A file that fails to read is skipped; the run fails only in
// aggregate.
func (p *Plugin) Poll(ctx context.Context) error {
	timeout := defaultTimeout
	if p.settings.Timeout > 0 {
		timeout = time.Duration(p.settings.Timeout) * time.Second
	}

	addr := net.JoinHostPort(p.settings.Host, fmt.Sprintf("%d", p.settings.Port))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            p.settings.User,
		Auth:            []ssh.AuthMethod{ssh.Password(p.settings.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	rec := p.report.Component(guid, p.settings.Name)
	var errs []error

	if out, err := readFile(client, "/proc/loadavg"); err != nil {
		errs = append(errs, err)
	} else {
		recordLoadavg(rec, out)
	}
	if out, err := readFile(client, "/proc/meminfo"); err != nil {
		errs = append(errs, err)
	} else {
		recordMeminfo(rec, out)
	}
	if out, err := readFile(client, "/proc/stat"); err != nil {
		errs = append(errs, err)
	} else {
		recordStat(rec, out)
	}

	return errors.Join(errs...)
}

// Components returns the recorded component.
func (p *Plugin) Components() []*plugins.Component {
	return p.report.Components()
}

// Carried returns the counter totals for the next run.
func (p *Plugin) Carried() any {
	return p.report.Carried()
}

func readFile(client *ssh.Client, path string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session for %s: %w", path, err)
	}
	defer session.Close()

	out, err := session.Output("cat " + path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(out), nil
}

// recordLoadavg reads the three load averages from the first line.
func recordLoadavg(rec *plugins.Recorder, raw string) {
	fields := strings.Fields(raw)
	if len(fields) < 3 {
		return
	}
	names := []string{"Load/1min", "Load/5min", "Load/15min"}
	for i, name := range names {
		if v, err := plugins.ToFloat(fields[i]); err == nil {
			rec.Gauge(name, "processes", v)
		}
	}
}

// meminfo lines worth reporting, in kB.
var meminfoFields = map[string]string{
	"MemTotal":     "Memory/Total",
	"MemFree":      "Memory/Free",
	"MemAvailable": "Memory/Available",
	"Buffers":      "Memory/Buffers",
	"Cached":       "Memory/Cached",
	"SwapTotal":    "Memory/Swap/Total",
	"SwapFree":     "Memory/Swap/Free",
}

func recordMeminfo(rec *plugins.Recorder, raw string) {
	for _, line := range strings.Split(raw, "\n") {
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		metric, ok := meminfoFields[strings.TrimSpace(key)]
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if kb, err := plugins.ToFloat(fields[0]); err == nil {
			rec.Gauge(metric, "bytes", kb*1024)
		}
	}
}

// recordStat reads the aggregate cpu jiffy counters plus the context
// switch and fork totals.
func recordStat(rec *plugins.Recorder, raw string) {
	jiffies := []string{"CPU/User", "CPU/Nice", "CPU/System", "CPU/Idle", "CPU/IOWait"}
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "cpu":
			for i, name := range jiffies {
				if i+1 >= len(fields) {
					break
				}
				if v, err := plugins.ToFloat(fields[i+1]); err == nil {
					rec.Derive(name, "jiffies", v)
				}
			}
		case "ctxt":
			if v, err := plugins.ToFloat(fields[1]); err == nil {
				rec.Derive("Kernel/ContextSwitches", "switches", v)
			}
		case "processes":
			if v, err := plugins.ToFloat(fields[1]); err == nil {
				rec.Derive("Kernel/ProcessesCreated", "processes", v)
			}
		}
	}
}
