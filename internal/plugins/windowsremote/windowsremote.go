// Package windowsremote polls a Windows host over WinRM, reading CPU,
// memory, and logical-disk gauges from WMI via PowerShell.
package windowsremote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/relicagent/relicagent/internal/plugins"
)

const guid = "com.relicagent.windowsremote"

const defaultTimeout = 30 * time.Second

// Settings configures one WinRM target. An empty domain selects basic
// auth; a domain selects NTLM.
type Settings struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Domain   string `mapstructure:"domain"`
	UseHTTPS bool   `mapstructure:"use_https"`
	Timeout  int    `mapstructure:"timeout" validate:"omitempty,min=1"`
}

// Factory builds a windowsremote plugin run.
func Factory(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
	var s Settings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Port == 0 {
		if s.UseHTTPS {
			s.Port = 5986
		} else {
			s.Port = 5985
		}
	}
	if s.Name == "" {
		s.Name = s.Host
	}
	return &Plugin{settings: s, report: plugins.NewReport(pollInterval, prior)}, nil
}

// Plugin is one poll run against a Windows host.
type Plugin struct {
	settings Settings
	report   *plugins.Report
}

// Poll builds the WinRM client and collects each subsystem, skipping the
// ones that fail.
func (p *Plugin) Poll(ctx context.Context) error {
	timeout := defaultTimeout
	if p.settings.Timeout > 0 {
		timeout = time.Duration(p.settings.Timeout) * time.Second
	}

	client, err := newClient(p.settings, timeout)
	if err != nil {
		return err
	}

	rec := p.report.Component(guid, p.settings.Name)
	var errs []error

	if out, err := client.runPowerShell(ctx, cpuScript); err != nil {
		errs = append(errs, fmt.Errorf("collect cpu: %w", err))
	} else if err := recordCPU(rec, out); err != nil {
		errs = append(errs, err)
	}
	if out, err := client.runPowerShell(ctx, memoryScript); err != nil {
		errs = append(errs, fmt.Errorf("collect memory: %w", err))
	} else if err := recordMemory(rec, out); err != nil {
		errs = append(errs, err)
	}
	if out, err := client.runPowerShell(ctx, diskScript); err != nil {
		errs = append(errs, fmt.Errorf("collect disks: %w", err))
	} else if err := recordDisks(rec, out); err != nil {
		errs = append(errs, err)
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

type client struct {
	inner *winrm.Client
}

// newClient builds a WinRM connection: basic auth without a domain, NTLM
// with one. Certificate verification is skipped for HTTPS endpoints, the
// common posture for self-signed WinRM listeners.
func newClient(s Settings, timeout time.Duration) (*client, error) {
	endpoint := winrm.NewEndpoint(s.Host, s.Port, s.UseHTTPS, true, nil, nil, nil, timeout)

	var inner *winrm.Client
	var err error
	if s.Domain != "" {
		params := winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
		inner, err = winrm.NewClientWithParameters(
			endpoint,
			fmt.Sprintf("%s\\%s", s.Domain, s.Username),
			s.Password,
			params,
		)
	} else {
		inner, err = winrm.NewClient(endpoint, s.Username, s.Password)
	}
	if err != nil {
		return nil, fmt.Errorf("create winrm client: %w", err)
	}
	return &client{inner: inner}, nil
}

// runPowerShell executes a script and returns trimmed stdout, failing on a
// non-zero exit code.
func (c *client) runPowerShell(ctx context.Context, script string) (string, error) {
	cmd := fmt.Sprintf("powershell.exe -NoProfile -NonInteractive -Command \"%s\"",
		strings.ReplaceAll(script, "\"", "`\""))

	stdout, stderr, exitCode, err := c.inner.RunWithContextWithString(ctx, cmd, "")
	if err != nil {
		return "", fmt.Errorf("winrm execution failed: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("powershell exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}
