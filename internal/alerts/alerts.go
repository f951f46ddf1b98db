package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/telemetry"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Alert emission.
//
// Cluster finalizations and watchlist hits fan out three ways: a
// broadcast callback for connected dashboards, registered webhook
// endpoints (Slack, Discord, SIEM), and an in-memory ring of recent
// alerts for the API. Webhook payloads are plain JSON; each endpoint
// filters on its own minimum severity.

// Alert is a structured finding notification
type Alert struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Severity     string          `json:"severity"`  // info/low/medium/high/critical
	AlertType    string          `json:"alertType"` // cluster_finalized/watchlist_hit/contradiction
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	RunID        string          `json:"runId,omitempty"`
	Cluster      *models.Cluster `json:"cluster,omitempty"`
	Hits         []WatchlistHit  `json:"hits,omitempty"`
	EvidenceEIDs []int64         `json:"evidenceEids,omitempty"`
}

// WebhookEndpoint is a registered webhook receiver
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"`
}

// Manager handles alert emission and webhook delivery
type Manager struct {
	mu           sync.RWMutex
	webhooks     []WebhookEndpoint
	recentAlerts []Alert
	maxHistory   int
	httpClient   *http.Client
	broadcast    func(Alert)
	log          zerolog.Logger
}

func NewManager(broadcast func(Alert), log zerolog.Logger) *Manager {
	return &Manager{
		webhooks:     make([]WebhookEndpoint, 0),
		recentAlerts: make([]Alert, 0),
		maxHistory:   1000,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		broadcast:    broadcast,
		log:          log.With().Str("component", "alerts").Logger(),
	}
}

// RegisterWebhook adds a webhook endpoint
func (m *Manager) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})
	m.log.Info().Str("webhook", name).Str("minSeverity", minSeverity).Msg("webhook registered")
}

// RemoveWebhook removes a webhook by name
func (m *Manager) RemoveWebhook(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wh := range m.webhooks {
		if wh.Name == name {
			m.webhooks = append(m.webhooks[:i], m.webhooks[i+1:]...)
			return
		}
	}
}

// Emit processes and distributes an alert
func (m *Manager) Emit(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	telemetry.AlertEmitted(alert.Severity)

	m.mu.Lock()
	m.recentAlerts = append(m.recentAlerts, alert)
	if len(m.recentAlerts) > m.maxHistory {
		m.recentAlerts = m.recentAlerts[len(m.recentAlerts)-m.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(m.webhooks))
	copy(webhooks, m.webhooks)
	m.mu.Unlock()

	if m.broadcast != nil {
		m.broadcast(alert)
	}
	for _, wh := range webhooks {
		if !wh.Enabled || !severityMeetsThreshold(alert.Severity, wh.MinSeverity) {
			continue
		}
		go m.sendWebhook(wh, alert)
	}
	m.log.Info().Str("severity", alert.Severity).Str("type", alert.AlertType).Str("title", alert.Title).Msg("alert emitted")
}

// EmitCluster raises an alert for a finalized cluster. Only suspected
// and high-confidence verdicts alert; weak links stay quiet.
func (m *Manager) EmitCluster(runID string, c models.Cluster, hits []WatchlistHit) {
	severity := severityForCluster(c)
	if severity == "info" && len(hits) == 0 {
		return
	}
	alertType := "cluster_finalized"
	title := "Linked cluster: " + c.RelationLabel
	if len(hits) > 0 {
		alertType = "watchlist_hit"
		title = "Watchlisted address in scored cluster"
	}
	m.Emit(Alert{
		Severity:     severity,
		AlertType:    alertType,
		Title:        title,
		Description:  describeCluster(c),
		RunID:        runID,
		Cluster:      &c,
		Hits:         hits,
		EvidenceEIDs: c.EvidenceEIDs,
	})
}

// EmitTransfer raises an alert when an ingested transfer touches a
// watchlisted address.
func (m *Manager) EmitTransfer(runID string, t models.TransferPayload, hits []WatchlistHit) {
	if len(hits) == 0 {
		return
	}
	severity := "medium"
	for _, h := range hits {
		if severityMeetsThreshold(h.AlertLevel, "high") {
			severity = h.AlertLevel
		}
	}
	m.Emit(Alert{
		Severity:    severity,
		AlertType:   "watchlist_hit",
		Title:       "Watchlisted address in transfer " + t.TxHash,
		Description: fmt.Sprintf("%s -> %s (%.4f %s)", t.From, t.To, t.Amount, t.Asset),
		RunID:       runID,
		Hits:        hits,
	})
}

// History returns the most recent alerts, newest first
func (m *Manager) History(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.recentAlerts) {
		limit = len(m.recentAlerts)
	}
	start := len(m.recentAlerts) - limit
	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.recentAlerts[start+limit-1-i]
	}
	return out
}

// BySeverity returns history entries at or above a minimum severity
func (m *Manager) BySeverity(minSeverity string) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var filtered []Alert
	for _, alert := range m.recentAlerts {
		if severityMeetsThreshold(alert.Severity, minSeverity) {
			filtered = append(filtered, alert)
		}
	}
	return filtered
}

func (m *Manager) sendWebhook(wh WebhookEndpoint, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		m.log.Error().Err(err).Msg("alert marshal failed")
		return
	}
	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		m.log.Error().Str("webhook", wh.Name).Err(err).Msg("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.log.Warn().Str("webhook", wh.Name).Err(err).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		m.log.Warn().Str("webhook", wh.Name).Int("status", resp.StatusCode).Msg("webhook rejected alert")
	}
}

func severityForCluster(c models.Cluster) string {
	switch {
	case c.RelationLabel == models.RelationHighConfidence && c.InsiderLabel == models.InsiderHighProbability:
		return "critical"
	case c.RelationLabel == models.RelationHighConfidence:
		return "high"
	case c.RelationLabel == models.RelationSuspected:
		return "medium"
	default:
		return "info"
	}
}

func describeCluster(c models.Cluster) string {
	desc := ""
	if c.Demoted {
		desc += "Demoted by an alternative explanation. "
	}
	if c.DeterministicSignals > 0 {
		desc += "Deterministic evidence present. "
	}
	return desc
}

func severityMeetsThreshold(severity, minimum string) bool {
	levels := map[string]int{
		"info": 0, "low": 1, "medium": 2, "high": 3, "critical": 4,
	}
	return levels[severity] >= levels[minimum]
}
