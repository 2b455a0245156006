// Package alerts evaluates SLO and cron-staleness rules and delivers
// deduplicated notifications to a webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/optiview/optiview-edge/internal/telemetry"
)

// SLO thresholds for the trailing five-minute window.
const (
	// MinSampleVolume is the insufficient-data guard; no SLO alert fires
	// below this request volume.
	MinSampleVolume = 500

	// MaxErrorRate is the error-rate SLO.
	MaxErrorRate = 0.01

	// MaxP95LatencyMS is the p95 latency SLO.
	MaxP95LatencyMS = 200

	// CronStaleAfter is how old a heartbeat may be before alerting.
	CronStaleAfter = 90 * time.Minute
)

// Config holds alert delivery settings.
type Config struct {
	WebhookURL      string
	Environment     string
	Username        string
	IconEmoji       string
	DefaultCooldown time.Duration
	Timeout         time.Duration
}

// Alert is one notification request.
type Alert struct {
	DedupeKey string
	Message   string
	// Cooldown overrides the configured default when positive.
	Cooldown time.Duration
}

// Manager posts alerts with dedupe/cooldown gating. One instance per
// process; dedupe state does not survive restarts, which at worst means
// one duplicate notification after a deploy.
type Manager struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewManager creates an alert manager.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Username == "" {
		cfg.Username = "optiview-edge"
	}
	if cfg.IconEmoji == "" {
		cfg.IconEmoji = ":rotating_light:"
	}
	return &Manager{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// SetClock overrides the manager clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Post delivers an alert unless its dedupe key fired within the
// cooldown. Returns true only when the webhook accepted the message;
// delivery failures are swallowed and reported as false.
func (m *Manager) Post(ctx context.Context, a Alert) bool {
	cooldown := a.Cooldown
	if cooldown <= 0 {
		cooldown = m.cfg.DefaultCooldown
	}
	now := m.now()

	// Reserve the dedupe slot before delivering so a concurrent Post with
	// the same key cannot double-send; roll the slot back if the webhook
	// rejects the message.
	m.mu.Lock()
	prev, had := m.lastFired[a.DedupeKey]
	if had && now.Sub(prev) < cooldown {
		m.mu.Unlock()
		m.logger.Debug().Str("dedupe_key", a.DedupeKey).Msg("alert suppressed by cooldown")
		return false
	}
	m.lastFired[a.DedupeKey] = now
	m.mu.Unlock()

	if !m.deliver(ctx, a.Message) {
		m.mu.Lock()
		if had {
			m.lastFired[a.DedupeKey] = prev
		} else {
			delete(m.lastFired, a.DedupeKey)
		}
		m.mu.Unlock()
		return false
	}

	m.logger.Info().Str("dedupe_key", a.DedupeKey).Str("message", a.Message).Msg("alert fired")
	return true
}

func (m *Manager) deliver(ctx context.Context, message string) bool {
	if m.cfg.WebhookURL == "" {
		m.logger.Warn().Msg("no alert webhook configured, dropping alert")
		return false
	}

	payload := map[string]string{
		"text":       fmt.Sprintf("[%s] %s", strings.ToUpper(m.cfg.Environment), message),
		"username":   m.cfg.Username,
		"icon_emoji": m.cfg.IconEmoji,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to encode alert payload")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to build alert request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error().Err(err).Msg("alert delivery failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Error().Int("status", resp.StatusCode).Msg("alert webhook rejected delivery")
		return false
	}
	return true
}

// CheckSLOBreaches fires alerts for a snapshot breaching the ingest
// SLOs. Snapshots below MinSampleVolume are ignored.
func (m *Manager) CheckSLOBreaches(ctx context.Context, snap telemetry.Snapshot) {
	if snap.Total < MinSampleVolume {
		return
	}

	if snap.ErrorRate > MaxErrorRate {
		m.Post(ctx, Alert{
			DedupeKey: "high_error_rate",
			Message: fmt.Sprintf("Ingestion error rate 5m = %.2f%% (total: %d)",
				snap.ErrorRate*100, snap.Total),
		})
	}

	if snap.P95MS > MaxP95LatencyMS {
		m.Post(ctx, Alert{
			DedupeKey: "high_latency",
			Message: fmt.Sprintf("Ingestion p95 5m = %.0fms (total: %d)",
				snap.P95MS, snap.Total),
		})
	}
}

// CheckCronFailure fires when the rules-refresh cron has no heartbeat or
// a stale one. lastRun nil means no heartbeat was ever recorded.
func (m *Manager) CheckCronFailure(ctx context.Context, lastRun *time.Time) {
	if lastRun == nil {
		m.Post(ctx, Alert{
			DedupeKey: "cron_no_timestamp",
			Message:   "Rules cron has no recorded heartbeat",
		})
		return
	}

	elapsed := m.now().Sub(*lastRun)
	if elapsed > CronStaleAfter {
		m.Post(ctx, Alert{
			DedupeKey: "cron_stalled",
			Message:   fmt.Sprintf("Rules cron stalled: last run %.0f minutes ago", elapsed.Minutes()),
		})
	}
}
