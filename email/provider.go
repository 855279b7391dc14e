// Package email renders and sends forum notification emails via
// multiple providers.
package email

import (
	"context"
)

// MaxBatchSize is the provider per-call message limit. Larger recipient
// sets are chunked before reaching a provider.
const MaxBatchSize = 100

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends a single email.
	Send(ctx context.Context, msg *Message) error

	// SendBatch sends up to MaxBatchSize messages in one call. All messages
	// in a batch must share the same subject and body; only the recipient
	// varies. Providers may send the content from the first message to every
	// recipient. The returned slice has one entry per input message; a nil
	// entry means the provider accepted that message.
	SendBatch(ctx context.Context, msgs []*Message) []error
}
