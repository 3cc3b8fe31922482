package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"pbx-bridge-go/internal/config"
	"pbx-bridge-go/internal/logger"
)

// Options holds the refresh policy. Zero values are filled with the defaults
// from config.FromEnv.
type Options struct {
	TokenURL        string
	Username        string
	Password        string
	Mode            string
	RefreshInterval time.Duration
	FailureCeiling  int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	HTTPTimeout     time.Duration
}

// Manager owns the process-wide bearer token. All mutation goes through
// Refresh, guarded by a best-effort single-flight flag: a second top-level
// trigger while a refresh is in flight is a no-op, but a scheduled retry
// bypasses the guard so backoff is never blocked. That bypass means a retry
// and a top-level refresh can fetch concurrently; the last writer wins, which
// is harmless since both tokens are fresh.
type Manager struct {
	opts   Options
	client *http.Client
	log    *logrus.Entry

	mu          sync.Mutex
	token       string
	lastRefresh time.Time
	failures    int
	refreshing  bool
	timer       *time.Timer
	stopped     bool
	bo          *backoff.ExponentialBackOff
}

// Snapshot is a read-only view of the token state for status reporting.
type Snapshot struct {
	TokenHeld   bool      `json:"token_held"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	Failures    int       `json:"consecutive_failures"`
	Refreshing  bool      `json:"refresh_in_progress"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ExpireTime  int    `json:"access_token_expire_time"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

func NewManager(opts Options) *Manager {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 25 * time.Minute
	}
	if opts.FailureCeiling <= 0 {
		opts.FailureCeiling = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = config.TokenModeCached
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BackoffBase
	bo.MaxInterval = opts.BackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Manager{
		opts:   opts,
		client: &http.Client{Timeout: opts.HTTPTimeout},
		log:    logger.NewComponent("credentials"),
		bo:     bo,
	}
}

// Token returns a bearer token for the configured mode. In per-request mode
// every call fetches a fresh token, trading one extra round-trip for zero
// shared state. In cached mode the held token is returned, triggering a
// synchronous refresh only when none is held yet.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if m.opts.Mode == config.TokenModePerRequest {
		return m.fetchToken(ctx)
	}

	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	if tok != "" {
		return tok, nil
	}

	if err := m.Refresh(ctx, false); err != nil {
		return "", err
	}
	m.mu.Lock()
	tok = m.token
	m.mu.Unlock()
	if tok == "" {
		return "", errors.New("no token held and a refresh is already in progress")
	}
	return tok, nil
}

// Refresh fetches a new token and updates the shared state. isRetry marks
// calls made by the internal backoff schedule; only those bypass the
// in-progress guard.
func (m *Manager) Refresh(ctx context.Context, isRetry bool) error {
	m.mu.Lock()
	if m.refreshing && !isRetry {
		m.mu.Unlock()
		m.log.Debug("refresh already in progress, skipping")
		return nil
	}
	m.refreshing = true
	m.mu.Unlock()

	// released unconditionally so a failure never locks refreshing out
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	tok, err := m.fetchToken(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures++
		if m.failures >= m.opts.FailureCeiling {
			m.log.WithError(err).WithField("failures", m.failures).
				Error("token refresh failed repeatedly, manual intervention may be required")
			m.failures = 0
			m.bo.Reset()
			// fall back to the regular schedule so a later refresh starts a
			// fresh attempt sequence instead of retrying forever
			m.scheduleLocked(m.opts.RefreshInterval, false)
			return fmt.Errorf("token refresh: attempt ceiling reached: %w", err)
		}
		delay := m.bo.NextBackOff()
		m.log.WithError(err).WithFields(logrus.Fields{
			"failures":    m.failures,
			"retry_in_ms": delay.Milliseconds(),
		}).Warn("token refresh failed, scheduling retry")
		m.scheduleLocked(delay, true)
		return fmt.Errorf("token refresh: %w", err)
	}

	m.token = tok
	m.lastRefresh = time.Now()
	m.failures = 0
	m.bo.Reset()
	m.log.WithField("next_refresh_in", m.opts.RefreshInterval.String()).Info("token refreshed")
	m.scheduleLocked(m.opts.RefreshInterval, false)
	return nil
}

// Stop cancels any scheduled refresh. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TokenHeld:   m.token != "",
		LastRefresh: m.lastRefresh,
		Failures:    m.failures,
		Refreshing:  m.refreshing,
	}
}

func (m *Manager) scheduleLocked(d time.Duration, isRetry bool) {
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.HTTPTimeout+5*time.Second)
		defer cancel()
		if err := m.Refresh(ctx, isRetry); err != nil {
			m.log.WithError(err).Debug("scheduled refresh failed")
		}
	})
}

func (m *Manager) fetchToken(ctx context.Context) (string, error) {
	if m.opts.TokenURL == "" {
		return "", errors.New("PBX_BASE_URL not set")
	}
	if m.opts.Username == "" || m.opts.Password == "" {
		return "", errors.New("PBX_USERNAME/PBX_PASSWORD not set")
	}

	body, _ := json.Marshal(map[string]string{
		"username": m.opts.Username,
		"password": m.opts.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(raw))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %v body=%s", err, string(raw))
	}
	if tr.ErrCode != 0 {
		return "", fmt.Errorf("token endpoint error: errcode=%d errmsg=%s", tr.ErrCode, tr.ErrMsg)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token: %s", string(raw))
	}
	return tr.AccessToken, nil
}
