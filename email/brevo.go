package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via the Brevo (formerly Sendinblue) API.
// Sends are not retried here: a failed send is reported to the caller,
// and redelivery is the upstream trigger's responsibility.
type BrevoProvider struct {
	apiKey   string
	fromAddr string
	fromName string
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// brevoSendRequest is the single-message send request.
type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

// brevoBatchRequest sends one message per version in a single call.
// The API caps versions at 100 per request.
type brevoBatchRequest struct {
	Sender          brevoContact   `json:"sender"`
	Subject         string         `json:"subject"`
	HTML            string         `json:"htmlContent"`
	MessageVersions []brevoVersion `json:"messageVersions"`
}

type brevoVersion struct {
	To []brevoContact `json:"to"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send sends a single email via the Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, msg *Message) error {
	reqBody := brevoSendRequest{
		Sender: brevoContact{
			Email: b.fromAddr,
			Name:  b.fromName,
		},
		To:      []brevoContact{{Email: msg.To}},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return b.post(ctx, jsonData, 1)
}

// SendBatch sends up to MaxBatchSize messages in one API call. All
// messages in a chunk share subject and body, only the recipient differs.
// The call either succeeds or fails as a whole, so every returned entry
// carries the same outcome.
func (b *BrevoProvider) SendBatch(ctx context.Context, msgs []*Message) []error {
	results := make([]error, len(msgs))
	if len(msgs) == 0 {
		return results
	}

	versions := make([]brevoVersion, 0, len(msgs))
	for _, msg := range msgs {
		versions = append(versions, brevoVersion{To: []brevoContact{{Email: msg.To}}})
	}

	reqBody := brevoBatchRequest{
		Sender: brevoContact{
			Email: b.fromAddr,
			Name:  b.fromName,
		},
		Subject:         msgs[0].Subject,
		HTML:            msgs[0].HTML,
		MessageVersions: versions,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		err = fmt.Errorf("marshal batch request: %w", err)
		for i := range results {
			results[i] = err
		}
		return results
	}

	if err := b.post(ctx, jsonData, len(msgs)); err != nil {
		for i := range results {
			results[i] = err
		}
	}
	return results
}

func (b *BrevoProvider) post(ctx context.Context, jsonData []byte, messageCount int) error {
	b.logger.Info("Brevo API request starting",
		"method", "POST",
		"endpoint", "smtp/email",
		"message_count", messageCount)

	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, brevoEndpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		b.logger.Warn("Brevo API request failed",
			"message_count", messageCount,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("Brevo API returned non-2xx status",
			"status_code", resp.StatusCode,
			"message_count", messageCount)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	b.logger.Info("Brevo API request completed",
		"endpoint", "smtp/email",
		"message_count", messageCount,
		"duration_ms", duration.Milliseconds(),
		"status", "success")

	return nil
}
