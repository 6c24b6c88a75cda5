// Package notify pushes terminal-command notifications to an operator
// webhook. Delivery is fire-and-forget from the router's point of view:
// failures are logged and never stall command processing.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/command"
)

// ErrSendFailed wraps every delivery failure.
var ErrSendFailed = errors.New("notify: webhook delivery failed")

// sendTimeout bounds each webhook POST.
const sendTimeout = 10 * time.Second

// webhookPayload is the JSON body sent to the webhook endpoint. The "text"
// field keeps the shape compatible with Slack/Discord/Teams incoming
// webhooks while "payload" carries structured data for custom receivers.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Webhook delivers terminal-command notifications via outbound HTTP POST.
// When a secret is configured the body is signed with HMAC-SHA256 so the
// receiver can verify authenticity.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger

	// onFailureOnly suppresses notifications for completed commands.
	onFailureOnly bool
}

// Option configures a Webhook.
type Option func(*Webhook)

// FailuresOnly suppresses notifications for successfully completed commands.
func FailuresOnly() Option {
	return func(w *Webhook) { w.onFailureOnly = true }
}

// NewWebhook creates a Webhook notifier. url must not be empty.
func NewWebhook(url, secret string, logger *zap.Logger, opts ...Option) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("notify: webhook url must not be empty")
	}
	w := &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: sendTimeout},
		logger: logger.Named("notify"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// CommandTerminal implements the router's Notifier. Runs the POST on the
// calling goroutine; the router already invokes notifiers outside its locks.
func (w *Webhook) CommandTerminal(cmd *command.Command) {
	if w.onFailureOnly && cmd.Status == command.StatusCompleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	payload := map[string]any{
		"command_id": cmd.CommandID,
		"agent_id":   cmd.AgentID,
		"requester":  cmd.RequesterID,
		"status":     string(cmd.Status),
	}
	if cmd.FailureReason != "" {
		payload["failure_reason"] = cmd.FailureReason
	}
	if cmd.Result != nil {
		payload["exit_code"] = cmd.Result.ExitCode
	}

	title := fmt.Sprintf("Command %s on %s", cmd.Status, cmd.AgentID)
	body := fmt.Sprintf("%s finished with status %s", cmd.CommandID, cmd.Status)

	if err := w.send(ctx, "command."+string(cmd.Status), title, body, payload); err != nil {
		w.logger.Warn("notification delivery failed",
			zap.String("command_id", cmd.CommandID),
			zap.Error(err),
		)
	}
}

// send serializes and POSTs one notification. Non-2xx responses count as
// delivery failures.
func (w *Webhook) send(ctx context.Context, notifType, title, body string, payload map[string]any) error {
	data, err := json.Marshal(webhookPayload{
		Type:      notifType,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Ogent-Webhook/1.0")

	// "sha256=<hex>" in the signature header, the GitHub/Stripe convention.
	if w.secret != "" {
		sig := hmacSHA256(data, w.secret)
		req.Header.Set("X-Ogent-Signature", "sha256="+sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// hmacSHA256 computes an HMAC-SHA256 of data keyed by secret, lowercase hex.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
