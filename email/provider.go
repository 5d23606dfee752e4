// Package email sends the new-listing digest via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"linkedin-watcher/pkg/ledger"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender formats and sends run digests using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	toAddr   string
}

// New creates a digest sender delivering to toAddr.
func New(provider Provider, toAddr string, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		toAddr:   toAddr,
	}
}

// SendDigest emails the listings a run discovered for the first time.
// A summary without new listings sends nothing.
func (s *Sender) SendDigest(ctx context.Context, summary *ledger.RunSummary) error {
	if summary == nil || len(summary.NewListings) == 0 {
		return nil
	}

	subject := fmt.Sprintf("%d new job listings (%s)",
		len(summary.NewListings), summary.RunDate.Format("Jan 2"))
	body := formatDigestBody(summary)

	s.logger.Info("Sending digest email",
		"to", s.toAddr,
		"subject", subject,
		"new_listings", len(summary.NewListings))

	return s.provider.Send(ctx, s.toAddr, subject, body)
}
