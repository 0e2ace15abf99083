// Package email sends operator alerts via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultAlertInterval is the minimum gap between two alerts for the same task.
const DefaultAlertInterval = 15 * time.Minute

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Crash describes a failed run of a supervised task.
type Crash struct {
	Task    string
	Err     error
	Attempt int
	Delay   time.Duration
	At      time.Time
}

// Alerter emails the operator when a supervised task crashes.
// Alerts for one task are rate limited; suppressed crashes are counted in the next alert.
type Alerter struct {
	provider Provider
	logger   *slog.Logger
	to       string
	host     string
	interval time.Duration

	mu         sync.Mutex
	lastSent   map[string]time.Time
	suppressed map[string]int
}

// NewAlerter creates an alerter sending to the given address.
func NewAlerter(provider Provider, logger *slog.Logger, to string, interval time.Duration) *Alerter {
	if interval <= 0 {
		interval = DefaultAlertInterval
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Alerter{
		provider:   provider,
		logger:     logger,
		to:         to,
		host:       host,
		interval:   interval,
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// TaskCrashed sends an alert unless one went out for the same task within the interval.
// It reports whether an email was sent.
func (a *Alerter) TaskCrashed(ctx context.Context, c Crash) (bool, error) {
	if c.At.IsZero() {
		c.At = time.Now()
	}

	a.mu.Lock()
	if last, ok := a.lastSent[c.Task]; ok && c.At.Sub(last) < a.interval {
		a.suppressed[c.Task]++
		a.mu.Unlock()
		a.logger.Debug("Alert suppressed", "task", c.Task, "last_sent", last.Format(time.RFC3339))
		return false, nil
	}
	suppressed := a.suppressed[c.Task]
	a.lastSent[c.Task] = c.At
	a.suppressed[c.Task] = 0
	a.mu.Unlock()

	subject := fmt.Sprintf("[channel-recorder] %s crashed (attempt %d)", c.Task, c.Attempt)
	body := formatAlertBody(c, a.host, suppressed)

	a.logger.Info("Sending crash alert",
		"to", a.to,
		"task", c.Task,
		"attempt", c.Attempt,
		"suppressed", suppressed)

	if err := a.provider.Send(ctx, a.to, subject, body); err != nil {
		return false, fmt.Errorf("send alert: %w", err)
	}
	return true, nil
}
