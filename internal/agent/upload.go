package agent

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/relicagent/relicagent/internal/plugins"
)

// DefaultEndpoint is the platform ingest URL used when the configuration
// does not override it.
const DefaultEndpoint = "https://platform-api.newrelic.com/platform/v1/metrics"

const defaultAPITimeout = 10 * time.Second

// Version is reported in the upload envelope's agent block.
const Version = "1.2.0"

// uploadSettings is the per-send view of the reserved configuration keys.
// It is rebuilt from the live configuration at send time so config-producer
// updates to proxy/endpoint/key take effect without a restart.
type uploadSettings struct {
	endpoint   string
	licenseKey string
	proxy      string
	timeout    time.Duration
	verifyTLS  bool
	skipUpload bool
}

// agentIdentity is the envelope's agent block.
type agentIdentity struct {
	Host    string `json:"host"`
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

type envelope struct {
	Agent      agentIdentity        `json:"agent"`
	Components []*plugins.Component `json:"components"`
}

// uploader serializes, compresses, and POSTs batches. Best effort: a failed
// send is logged and the batch is gone; there is no retry or spooling.
type uploader struct {
	logger   *slog.Logger
	identity agentIdentity
}

func newUploader(logger *slog.Logger) *uploader {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &uploader{
		logger: logger.With("component", "uploader"),
		identity: agentIdentity{
			Host:    host,
			PID:     os.Getpid(),
			Version: Version,
		},
	}
}

// Send uploads one batch. Empty batches are logged and skipped. When the
// skip flag is set the intended send is logged with a "NOT " prefix and no
// network call is made.
func (u *uploader) Send(ctx context.Context, settings uploadSettings, b *batch) error {
	if b == nil || b.metricCount == 0 {
		u.logger.Warn("No metrics to send this interval")
		return nil
	}

	body, err := json.Marshal(envelope{Agent: u.identity, Components: b.components})
	if err != nil {
		return fmt.Errorf("serialize payload: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(body); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}

	msg := "Sending metrics"
	if settings.skipUpload {
		msg = "NOT " + msg
	}
	u.logger.Info(msg,
		"metrics", b.metricCount,
		"components", len(b.components),
		"bytes", len(body),
		"compressed_bytes", compressed.Len(),
	)
	if settings.skipUpload {
		return nil
	}

	client, err := u.client(settings)
	if err != nil {
		u.logger.Error("Error reporting stats", "error", err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.endpoint, &compressed)
	if err != nil {
		u.logger.Error("Error reporting stats", "error", err)
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-License-Key", settings.licenseKey)

	resp, err := client.Do(req)
	if err != nil {
		u.logger.Error("Error reporting stats", "error", err)
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	u.logger.Info("Response",
		"status", resp.StatusCode,
		"body", string(bytes.TrimSpace(respBody)),
	)
	return nil
}

// client builds an HTTP client honoring the proxy, timeout, and TLS
// settings in effect for this send.
func (u *uploader) client(settings uploadSettings) (*http.Client, error) {
	transport := &http.Transport{}
	if settings.proxy != "" {
		proxyURL, err := url.Parse(settings.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if !settings.verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timeout := settings.timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
