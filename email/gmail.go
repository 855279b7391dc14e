package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via the Gmail API. Gmail has no batched send
// operation, so SendBatch degrades to one API call per message, which
// gives per-message failure granularity.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// Send sends a single email via the Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	// Create MIME message
	var mime strings.Builder
	mime.WriteString("MIME-Version: 1.0\r\n")
	mime.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	mime.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	mime.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	mime.WriteString(msg.HTML)
	encoded := base64.URLEncoding.EncodeToString([]byte(mime.String()))

	g.logger.Info("Gmail API request starting",
		"method", "POST",
		"endpoint", "users.messages.send",
		"to", msg.To,
		"subject", msg.Subject)

	startTime := time.Now()
	_, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: encoded,
	}).Context(ctx).Do()
	duration := time.Since(startTime)

	if err != nil {
		g.logger.Warn("Gmail API send failed",
			"to", msg.To,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("gmail send: %w", err)
	}

	g.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.send",
		"to", msg.To,
		"duration_ms", duration.Milliseconds(),
		"status", "success")

	return nil
}

// SendBatch sends each message individually.
func (g *GmailProvider) SendBatch(ctx context.Context, msgs []*Message) []error {
	results := make([]error, len(msgs))
	for i, msg := range msgs {
		results[i] = g.Send(ctx, msg)
	}
	return results
}
