// Command checkendpoint verifies that the telemetry endpoint is reachable
// with the license key, proxy, and TLS settings from a config file. It
// dials the endpoint host first, then POSTs an empty payload and reports
// the response.
package main

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/relicagent/relicagent/internal/agent"
	"github.com/relicagent/relicagent/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the agent configuration file")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	endpoint := agent.DefaultEndpoint
	if v, ok := cfg.Application["endpoint"].(string); ok && v != "" {
		endpoint = v
	}
	target, err := url.Parse(endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid endpoint %q: %v\n", endpoint, err)
		os.Exit(1)
	}

	host := target.Host
	if target.Port() == "" {
		port := "443"
		if target.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(target.Hostname(), port)
	}

	fmt.Printf("Dialing %s with timeout %v...\n", host, *timeout)
	conn, err := net.DialTimeout("tcp", host, *timeout)
	if err != nil {
		fmt.Printf("Failed: %v\n", err)
		os.Exit(1)
	}
	conn.Close()
	fmt.Println("TCP connection succeeded")

	status, body, err := post(cfg, endpoint, *timeout)
	if err != nil {
		fmt.Printf("POST failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("POST %s: %d\n%s\n", endpoint, status, body)
}

// post sends an empty envelope the way the agent's uploader would.
func post(cfg *config.Config, endpoint string, timeout time.Duration) (int, string, error) {
	licenseKey := os.Getenv("NEW_RELIC_LICENSE_KEY")
	if licenseKey == "" {
		licenseKey = os.Getenv("NEWRELIC_LICENSE_KEY")
	}
	if licenseKey == "" {
		licenseKey, _ = cfg.Application["license_key"].(string)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	payload := map[string]any{
		"agent": map[string]any{
			"host":    host,
			"pid":     os.Getpid(),
			"version": agent.Version,
		},
		"components": []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(body); err != nil {
		return 0, "", err
	}
	if err := gz.Close(); err != nil {
		return 0, "", err
	}

	transport := &http.Transport{}
	if proxy, ok := cfg.Application["proxy"].(string); ok && proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return 0, "", fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if verify, ok := cfg.Application["verify_ssl_cert"].(bool); ok && !verify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport, Timeout: timeout}

	req, err := http.NewRequest(http.MethodPost, endpoint, &compressed)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-License-Key", licenseKey)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(bytes.TrimSpace(respBody)), nil
}
