package iface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// probeClient is shared by both built-in plugins; short timeouts here are
// per-try budgets, distinct from the overall deadline passed to
// HealthCheck.
var probeClient = &http.Client{Timeout: 5 * time.Second}

func baseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// shallowProbe repeatedly hits GET /v1/models until it succeeds or
// deadline passes, per the two-phase health check's first phase.
func shallowProbe(ctx context.Context, port int, deadline time.Time) error {
	var lastErr error
	for time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL(port)+"/v1/models", nil)
		resp, err := probeClient.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("list-models returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("shallow health check cancelled: %w", ctx.Err())
		}
		sleepOrDone(ctx, 2*time.Second)
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return fmt.Errorf("shallow health check timed out: %w", lastErr)
}

// deepProbe posts body to path repeatedly until a 2xx response or
// deadline passes, per the two-phase health check's second phase.
func deepProbe(ctx context.Context, port int, path string, body interface{}, deadline time.Time) error {
	payload, _ := json.Marshal(body)

	var lastErr error
	for time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		req, _ := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL(port)+path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		resp, err := probeClient.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("%s returned %d", path, resp.StatusCode)
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("deep health check cancelled: %w", ctx.Err())
		}
		sleepOrDone(ctx, 1*time.Second)
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return fmt.Errorf("deep health check timed out: %w", lastErr)
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
