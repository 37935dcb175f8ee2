package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	webhookTokenTTL       = 5 * time.Minute
	webhookIssuer         = "settlement"
)

// ErrWebhookRejected is returned when the receiver answers with a non-2xx status.
var ErrWebhookRejected = errors.New("notifications: webhook rejected delivery")

// WebhookConfig configures the signed webhook sender.
type WebhookConfig struct {
	URL        string
	Secret     string
	Issuer     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      func() time.Time
}

// HTTPWebhook posts notifications as JSON, authenticated with a short-lived HS256 bearer token.
type HTTPWebhook struct {
	url     string
	secret  []byte
	issuer  string
	timeout time.Duration
	client  *http.Client
	clock   func() time.Time
}

type webhookBody struct {
	Type           string            `json:"type"`
	Trigger        string            `json:"trigger"`
	OrganizationID string            `json:"organizationId"`
	ClientID       string            `json:"clientId"`
	Country        string            `json:"country,omitempty"`
	Subject        string            `json:"subject"`
	Message        string            `json:"message"`
	HTML           string            `json:"html,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// NewHTTPWebhook validates cfg and returns a sender.
func NewHTTPWebhook(cfg WebhookConfig) (*HTTPWebhook, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("notifications: webhook url is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("notifications: webhook secret is required")
	}
	h := &HTTPWebhook{
		url:     url,
		secret:  []byte(cfg.Secret),
		issuer:  strings.TrimSpace(cfg.Issuer),
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		clock:   cfg.Clock,
	}
	if h.issuer == "" {
		h.issuer = webhookIssuer
	}
	if h.timeout <= 0 {
		h.timeout = defaultWebhookTimeout
	}
	if h.client == nil {
		h.client = &http.Client{}
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	return h, nil
}

// Send delivers one notification. The idempotency key is forwarded so receivers can drop retries.
func (h *HTTPWebhook) Send(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(webhookBody{
		Type:           notification.Type,
		Trigger:        notification.Trigger,
		OrganizationID: notification.OrganizationID,
		ClientID:       notification.ClientID,
		Country:        notification.Country,
		Subject:        notification.Subject,
		Message:        notification.Message,
		HTML:           notification.HTML,
		Variables:      notification.Variables,
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	token, err := h.sign(notification)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if key := strings.TrimSpace(notification.IdempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrWebhookRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTPWebhook) sign(notification domain.Notification) (string, error) {
	now := h.clock().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    h.issuer,
		Subject:   notification.OrganizationID,
		ID:        notification.IdempotencyKey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(webhookTokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("sign webhook token: %w", err)
	}
	return token, nil
}
