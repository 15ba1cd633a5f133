// Package fetch implements the HTTP fetcher used by the worker pool.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dsync/internal/sync/executor"
	"dsync/internal/sync/task"
	logx "dsync/pkg/logx"
)

type Config struct {
	// UserAgent is sent with every request.
	UserAgent string

	// MaxBodyBytes caps the response body size. 0 means 32 MiB.
	MaxBodyBytes int64

	// Timeout is the whole-request timeout applied by the client on top of
	// the per-assignment context.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "dsync/1.0"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 32 << 20
	}
	return c
}

// Client fetches task payloads over HTTP. Failures carry a severity marker
// so the executor knows whether to retry:
//   - 401/403/404 and other 4xx: task-fatal, retrying cannot help
//   - 429 and 5xx: recoverable, the executor's retry budget applies
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		log: log,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (c *Client) Fetch(ctx context.Context, t *task.Task) ([]byte, error) {
	method := strings.ToUpper(strings.TrimSpace(t.Spec.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(t.Spec.Payload) > 0 {
		body = bytes.NewReader(t.Spec.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.Spec.URL, body)
	if err != nil {
		return nil, executor.TaskFatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range t.Spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Context cancellation surfaces as-is so the report classifies as
		// cancelled; transport errors stay recoverable.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain a little for connection reuse, then classify.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		err := fmt.Errorf("fetch %s: unexpected status %s", t.Spec.URL, resp.Status)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, err
		case resp.StatusCode >= 500:
			return nil, err
		default:
			return nil, executor.TaskFatal(err)
		}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(b)) > c.cfg.MaxBodyBytes {
		return nil, executor.TaskFatal(fmt.Errorf("fetch %s: body exceeds %d bytes", t.Spec.URL, c.cfg.MaxBodyBytes))
	}
	return b, nil
}
