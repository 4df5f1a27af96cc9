package callmanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
)

const (
	preflightCacheWindow  = 30 * time.Second
	preflightProbeTimeout = 4 * time.Second

	preflightMaxFailures = 3
	preflightOpenTimeout = 30 * time.Second
	preflightResetWindow = 60 * time.Second
)

// newPreflightBreaker wraps the reachability preflight so a run of
// failures opens the circuit and short-circuits further probes instead
// of re-probing (and re-timing-out against) a carrier that is plainly
// unreachable on every call attempt.
func newPreflightBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "callmanager:preflight",
		MaxRequests: 1,
		Interval:    preflightResetWindow,
		Timeout:     preflightOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= preflightMaxFailures
		},
	})
}

// preflight runs the reachability checks from spec §4.6 before a REST
// call placement: a self-test HTTP POST to the webhook URL, then a
// web-socket probe against the stream URL. Both must succeed, and the
// result is cached for preflightCacheWindow so a burst of calls does not
// re-probe on every single one.
func (m *Manager) preflight(ctx context.Context) error {
	if m.webhookURL == "" {
		return nil
	}
	if isLoopbackURL(m.webhookURL) {
		return nil
	}

	m.preflightMu.Lock()
	if !m.lastPreflightOK.IsZero() && time.Since(m.lastPreflightOK) < preflightCacheWindow {
		m.preflightMu.Unlock()
		return nil
	}
	m.preflightMu.Unlock()

	_, err := m.breaker.Execute(func() (struct{}, error) {
		if err := m.probeHTTP(ctx); err != nil {
			return struct{}{}, fmt.Errorf("self-test POST: %w", err)
		}
		if err := m.probeWebSocket(ctx); err != nil {
			return struct{}{}, fmt.Errorf("stream probe: %w", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("reachability preflight circuit open: %w", err)
		}
		return fmt.Errorf("reachability preflight failed: %w", err)
	}

	m.preflightMu.Lock()
	m.lastPreflightOK = time.Now()
	m.preflightMu.Unlock()
	return nil
}

func (m *Manager) probeHTTP(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, preflightProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, m.webhookURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-supercall-self-test", m.bootSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("front door answered %d, want 200", resp.StatusCode)
	}
	return nil
}

func (m *Manager) probeWebSocket(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, preflightProbeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: preflightProbeTimeout}
	conn, _, err := dialer.DialContext(probeCtx, m.wsProbeURL, nil)
	if err != nil {
		return err
	}
	return conn.Close()
}

// isLoopbackURL reports whether u's host is a loopback address, in
// which case the reachability preflight is skipped (a carrier can never
// reach a loopback webhook, so the probe would only ever fail locally
// during development).
func isLoopbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1"
}
