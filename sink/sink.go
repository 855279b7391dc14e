// Package sink archives delivery failures as JSON blobs so operators can
// inspect what never reached a member. Cloud Storage in production, a
// local directory in development.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"handbook-notifier/pkg/notifier"
)

// Store archives failures to Cloud Storage or a local directory.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	bucket    string
	localPath string
}

// New creates a new failure sink. Pass a client and bucket for Cloud
// Storage, or a localPath for development.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		bucket:    bucket,
		localPath: localPath,
	}
}

// Archive persists one failure record. The sink is observability, not a
// delivery guarantee: its own errors are logged and swallowed so they
// can never block or fail the notification workflow.
func (s *Store) Archive(ctx context.Context, f *notifier.Failure) {
	if f.Time.IsZero() {
		f.Time = time.Now().UTC()
	}
	key := fmt.Sprintf("failure-%s-%s.json", f.Time.Format("20060102T150405"), uuid.New().String())

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		s.logger.Warn("Failed to marshal failure record", "error", err)
		return
	}

	// Local filesystem sink
	if s.localPath != "" {
		path := filepath.Join(s.localPath, key)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			s.logger.Warn("Failed to archive failure locally", "path", path, "error", err)
			return
		}
		s.logger.Debug("Failure archived", "path", path, "stage", f.Stage)
		return
	}

	if s.client == nil {
		s.logger.Warn("Failure sink not configured, dropping record", "stage", f.Stage, "recipient", f.RecipientID)
		return
	}

	// Cloud Storage with retry for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write failure record: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close failure writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying failure archive after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		s.logger.Warn("Failed to archive failure record", "key", key, "error", err)
		return
	}

	s.logger.Debug("Failure archived", "key", key, "stage", f.Stage)
}
