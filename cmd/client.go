package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmm-sh/dmm/internal/config"
)

// client talks to a running daemon over HTTP.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(cfg *config.Config) *client {
	return &client{
		baseURL: fmt.Sprintf("http://%s:%d", cfg.Daemon.Host, cfg.Daemon.Port),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// reachable probes the daemon health endpoint.
func (c *client) reachable() bool {
	probe := &http.Client{Timeout: 2 * time.Second}
	resp, err := probe.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return unreachableError(fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err))
	}
	return decodeResponse(resp, out)
}

func (c *client) post(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		return unreachableError(fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err))
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s (%s)", envelope.Error, envelope.Code)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
