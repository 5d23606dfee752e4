package email

import (
	"context"
	"log/slog"
)

// MockProvider logs digests instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a logging-only provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the digest instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK DIGEST",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}
