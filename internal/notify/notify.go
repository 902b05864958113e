// Package notify emits domain alerts to external notification collaborators.
// Dispatch is best-effort: failures are logged and never roll back the state
// change that produced the alert.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"valora/internal/config"
)

const (
	AlertSessionCompleted     = "session_completed"
	AlertSessionFlagged       = "session_flagged"
	AlertQualityStatusChanged = "quality_status_changed"
)

// Alert is the payload delivered to notification collaborators.
type Alert struct {
	SessionID      string `json:"sessionId"`
	RespondentCode string `json:"respondentCode"`
	InterviewerID  string `json:"interviewerId"`
	Message        string `json:"message"`
	AlertType      string `json:"alertType"`
}

// Email is the optional email-dispatch contract. Delivery transport is an
// external collaborator.
type Email struct {
	RecipientEmail string         `json:"recipientEmail"`
	Template       string         `json:"template"`
	Data           map[string]any `json:"data,omitempty"`
}

// Notifier accepts in-application alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// EmailSender accepts email dispatch requests.
type EmailSender interface {
	Send(ctx context.Context, e Email) error
}

// Dispatcher fans an alert out to all configured notifiers.
type Dispatcher struct {
	Notifiers []Notifier
	Logger    *log.Logger
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Dispatch delivers the alert to every notifier. Errors are logged, not
// returned: notification must never fail the underlying operation.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) {
	if d == nil {
		return
	}
	for _, n := range d.Notifiers {
		if err := n.Notify(ctx, a); err != nil {
			d.logger().Printf("notify: %s for session %s failed: %v", a.AlertType, a.SessionID, err)
		}
	}
}

// LogNotifier writes alerts to the process log. It is the default sink so
// every deployment has at least one observable notification channel.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("alert %s session=%s respondent=%s interviewer=%s: %s",
		a.AlertType, a.SessionID, a.RespondentCode, a.InterviewerID, a.Message)
	return nil
}

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier posts alerts to a configured URL.
type WebhookNotifier struct {
	Hook   config.WebhookConfig
	Client *http.Client
}

func NewWebhookNotifier(hook config.WebhookConfig) WebhookNotifier {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return WebhookNotifier{Hook: hook, Client: &http.Client{Timeout: timeout}}
}

func (n WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	if n.Hook.Enabled != nil && !*n.Hook.Enabled {
		return nil
	}
	if !n.matches(a.AlertType) {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Valora-Alert", a.AlertType)
	req.Header.Set("X-Valora-Session", a.SessionID)
	if strings.TrimSpace(n.Hook.Secret) != "" {
		req.Header.Set("X-Valora-Secret", n.Hook.Secret)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (n WebhookNotifier) matches(alertType string) bool {
	if len(n.Hook.Events) == 0 {
		return true
	}
	for _, evt := range n.Hook.Events {
		if strings.TrimSpace(evt) == alertType {
			return true
		}
	}
	return false
}

// FromConfig builds a dispatcher with the log sink plus all configured
// webhooks.
func FromConfig(cfg *config.Config, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{Logger: logger, Notifiers: []Notifier{LogNotifier{Logger: logger}}}
	if cfg == nil {
		return d
	}
	for _, hook := range cfg.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.Notifiers = append(d.Notifiers, NewWebhookNotifier(hook))
	}
	return d
}
