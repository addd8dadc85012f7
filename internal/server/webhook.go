package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sentinel-sh/sentinel/internal/config"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
	"github.com/sentinel-sh/sentinel/internal/telemetry"
)

// WebhookEvent is the payload posted to webhook endpoints. It never carries
// secret values.
type WebhookEvent struct {
	Event      string `json:"event"`
	RequestID  string `json:"request_id"`
	AgentID    string `json:"agent_id"`
	ResourceID string `json:"resource_id"`
	Status     string `json:"status"`
	Actor      string `json:"actor,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Summary    string `json:"summary,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// NewWebhookEvent flattens a lifecycle event into a webhook payload.
func NewWebhookEvent(ev lifecycle.Event) WebhookEvent {
	out := WebhookEvent{
		Event:      ev.Name,
		RequestID:  ev.Request.ID,
		AgentID:    ev.Request.AgentID,
		ResourceID: ev.Request.ResourceID,
		Status:     string(ev.Request.Status),
		Actor:      ev.Actor,
		Summary:    ev.Request.Intent.Summary,
		Timestamp:  ev.At.UTC().Format(time.RFC3339),
	}
	if ev.Request.Decision != nil {
		out.Reason = ev.Request.Decision.Reason
	}
	if ev.Request.Secret != nil {
		out.ExpiresAt = ev.Request.Secret.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}

// WebhookNotifier posts lifecycle events to configured webhooks. Delivery is
// fire-and-forget.
type WebhookNotifier struct {
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewWebhookNotifier creates a notifier from config. Invalid URLs are logged
// and skipped.
func NewWebhookNotifier(webhooks []config.Webhook, logger *slog.Logger) *WebhookNotifier {
	var valid []config.Webhook
	for _, wh := range webhooks {
		if err := validateWebhookURL(wh.URL); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
			continue
		}
		valid = append(valid, wh)
	}
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: safeDialContext,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return errors.New("too many redirects")
			}
			if err := validateWebhookURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect to blocked URL: %w", err)
			}
			return nil
		},
	}
	return &WebhookNotifier{
		webhooks: valid,
		client:   telemetry.InstrumentClient(client),
		logger:   logger,
	}
}

// Len returns the number of accepted webhooks.
func (n *WebhookNotifier) Len() int { return len(n.webhooks) }

// Notify implements lifecycle.Notifier.
func (n *WebhookNotifier) Notify(ev lifecycle.Event) {
	payload := NewWebhookEvent(ev)
	jsonBody, jsonErr := json.Marshal(payload)
	if jsonErr != nil {
		n.logger.Error("webhook marshal failed", "event", payload.Event, "error", jsonErr)
	}
	for _, wh := range n.webhooks {
		if !matchesEvent(wh.Events, payload.Event) {
			continue
		}
		var body []byte
		switch {
		case wh.Template == "default":
			body = []byte(RenderTemplate(DefaultWebhookTemplate, payload))
		case wh.Template != "":
			body = []byte(RenderTemplate(wh.Template, payload))
		case jsonErr != nil:
			continue
		default:
			body = jsonBody
		}
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.send(url, body)
		}(wh.URL)
	}
}

// Wait blocks until in-flight deliveries finish.
func (n *WebhookNotifier) Wait() { n.wg.Wait() }

// RenderTemplate replaces {{TAG}} placeholders and wraps the text in
// Slack-compatible JSON: {"text":"..."}.
func RenderTemplate(tmpl string, ev WebhookEvent) string {
	r := strings.NewReplacer(
		"{{EVENT}}", ev.Event,
		"{{REQUEST_ID}}", ev.RequestID,
		"{{AGENT}}", ev.AgentID,
		"{{RESOURCE}}", ev.ResourceID,
		"{{STATUS}}", ev.Status,
		"{{ACTOR}}", ev.Actor,
		"{{REASON}}", ev.Reason,
		"{{SUMMARY}}", ev.Summary,
		"{{TIMESTAMP}}", ev.Timestamp,
	)
	payload, _ := json.Marshal(map[string]string{"text": r.Replace(tmpl)})
	return string(payload)
}

// DefaultWebhookTemplate is used for webhooks configured with
// template: default.
const DefaultWebhookTemplate = "*{{EVENT}}* {{REQUEST_ID}}\n• Agent: {{AGENT}}\n• Resource: {{RESOURCE}}\n• Intent: {{SUMMARY}}\n• By: {{ACTOR}}"

func (n *WebhookNotifier) send(url string, body []byte) {
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook returned error", "url", url, "status", resp.StatusCode)
	}
}

// matchesEvent accepts "request.approved" or the short form "approved".
func matchesEvent(configured []string, event string) bool {
	if len(configured) == 0 {
		return true
	}
	for _, e := range configured {
		if e == event || "request."+e == event {
			return true
		}
	}
	return false
}
