package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/chatbubble/internal/widget"
)

const webhookTimeout = 10 * time.Second

type webhookPayload struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginWebhook forwards login listener calls as JSON POSTs to url, standing
// in for the host page when the widget runs in a terminal.
type LoginWebhook struct {
	client *http.Client
	url    string
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewLoginWebhook creates a webhook. A nil client uses http.DefaultClient.
func NewLoginWebhook(client *http.Client, url string, logger *slog.Logger) *LoginWebhook {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginWebhook{client: client, url: url, logger: logger}
}

// Listener returns the login listener to install on the engine. Deliveries
// run in the background.
func (h *LoginWebhook) Listener() widget.LoginListener {
	return func(token, refreshToken string, expiresIn int64) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.deliver(webhookPayload{token, refreshToken, expiresIn}); err != nil {
				h.logger.Warn("Login webhook failed", "url", h.url, "error", err)
			}
		}()
	}
}

// Wait blocks until pending deliveries finish.
func (h *LoginWebhook) Wait() {
	h.wg.Wait()
}

func (h *LoginWebhook) deliver(payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	h.logger.Debug("Login webhook delivered", "url", h.url)
	return nil
}
