package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lightfastai/e2eenv/internal/logger"
)

const (
	// DefaultInterval is the pause between health polls
	DefaultInterval = 2 * time.Second
	// DefaultRequestTimeout bounds a single health request
	DefaultRequestTimeout = 5 * time.Second
)

// Probe is the outcome of waiting for an endpoint to become healthy
type Probe struct {
	URL       string
	Healthy   bool
	Attempts  int
	Elapsed   time.Duration
	LastError error
}

// Check converts the probe into a summary check. An unhealthy probe is an
// error in strict mode and a warning otherwise.
func (p Probe) Check(name string, strict bool) Check {
	check := NewCheck(name, StatusPass, "").
		WithDetails(fmt.Sprintf("URL: %s", p.URL), fmt.Sprintf("Attempts: %d", p.Attempts)).
		WithElapsed(p.Elapsed)

	if p.Healthy {
		return check.WithMessage(fmt.Sprintf("Healthy after %s", p.Elapsed.Round(time.Millisecond)))
	}

	status := StatusWarn
	if strict {
		status = StatusError
	}
	return check.
		WithStatus(status).
		WithMessage(fmt.Sprintf("No healthy response within %s", p.Elapsed.Round(time.Second))).
		WithError(p.LastError).
		WithFixAction("Check healthURL and the server output (--verbose)")
}

// Checker polls HTTP endpoints
type Checker struct {
	client   *http.Client
	interval time.Duration
}

// NewChecker creates a Checker polling every interval. A zero interval uses
// DefaultInterval.
func NewChecker(interval time.Duration) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		client: &http.Client{
			Timeout: DefaultRequestTimeout,
			// A redirect already proves the server is answering
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		interval: interval,
	}
}

// WaitUntilHealthy polls url until it answers with a 2xx or 3xx status, the
// timeout passes, or ctx is cancelled. It never returns an error; callers
// decide what an unhealthy Probe means.
func (c *Checker) WaitUntilHealthy(ctx context.Context, url string, timeout time.Duration) Probe {
	start := time.Now()
	probe := Probe{URL: url}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	operation := func() error {
		probe.Attempts++
		lastErr = c.checkOnce(ctx, url)
		return lastErr
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("Health check %s: %v (retrying in %s)", url, err, next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.NewConstantBackOff(c.interval), ctx), notify)
	probe.Elapsed = time.Since(start)

	if err == nil {
		probe.Healthy = true
		return probe
	}
	if lastErr != nil {
		probe.LastError = lastErr
	} else {
		probe.LastError = err
	}
	return probe
}

func (c *Checker) checkOnce(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("invalid health URL: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// WaitUntilHealthy polls url with a fresh Checker
func WaitUntilHealthy(ctx context.Context, url string, timeout, interval time.Duration) Probe {
	return NewChecker(interval).WaitUntilHealthy(ctx, url, timeout)
}
