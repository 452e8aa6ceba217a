package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/amana/internal/retry"
)

// GatewaySender POSTs notifications to the chat gateway as signed JSON.
type GatewaySender struct {
	url    string
	secret string
	client *http.Client
}

// NewGatewaySender creates a sender for the given gateway URL. The
// secret signs each payload so the gateway can verify origin.
func NewGatewaySender(url, secret string) *GatewaySender {
	return &GatewaySender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func (g *GatewaySender) WithHTTPClient(h *http.Client) *GatewaySender {
	g.client = h
	return g
}

// payload is the wire shape the gateway receives.
type payload struct {
	ID        string `json:"id"`
	TxnID     string `json:"txnId,omitempty"`
	Recipient string `json:"recipient"`
	Audience  string `json:"audience"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (g *GatewaySender) Send(ctx context.Context, n *Notification) error {
	now := time.Now()
	body, err := json.Marshal(payload{
		ID:        n.ID,
		TxnID:     n.TxnID,
		Recipient: n.Recipient,
		Audience:  n.Audience,
		Event:     n.Event,
		Detail:    n.Detail,
		Timestamp: now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	// Short in-process retry for transient gateway hiccups. Anything
	// still failing after this lands back in the store for the
	// redelivery job. A 4xx means the gateway rejected the payload
	// itself, so retrying the same bytes cannot help.
	return retry.Do(ctx, 3, 300*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("notify: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Amana-Event", n.Event)
		req.Header.Set("X-Amana-Timestamp", fmt.Sprintf("%d", now.Unix()))
		if g.secret != "" {
			req.Header.Set("X-Amana-Signature", sign(body, g.secret))
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("notify: gateway unreachable: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("notify: gateway returned %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("notify: gateway returned %d", resp.StatusCode)
		}
		return nil
	})
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a gateway signature against a payload. Exposed so the
// gateway side (and tests) share one definition.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(sign(body, secret)), []byte(signature))
}

// LogSender writes notifications to the log instead of a gateway.
// Development mode default when no gateway URL is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that only logs.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(ctx context.Context, n *Notification) error {
	l.logger.Info("notification",
		"recipient", n.Recipient, "audience", n.Audience,
		"event", n.Event, "txnId", n.TxnID, "detail", n.Detail)
	return nil
}
