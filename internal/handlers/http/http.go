// Package http is a reference agent handler that performs outbound HTTP
// calls, wired to the "call" method of the webhook agent type.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type HTTP struct{}

type Call struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Call
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid call payload: %w", err)
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Method == "" {
		c.Method = "GET"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30
	}

	client := &http.Client{Timeout: time.Duration(c.Timeout) * time.Second}

	var body io.Reader
	if len(c.Body) > 0 {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
