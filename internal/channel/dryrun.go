package channel

import (
	"context"
	"log/slog"
)

// DryRunAdapter logs each send and reports success without contacting a
// provider. It is the default for channels with no configured gateway.
type DryRunAdapter struct {
	logger *slog.Logger
}

// NewDryRunAdapter creates a dry-run adapter.
func NewDryRunAdapter(logger *slog.Logger) *DryRunAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunAdapter{logger: logger}
}

// Send implements Adapter.
func (a *DryRunAdapter) Send(_ context.Context, req SendRequest) (SendResult, error) {
	a.logger.Info("dry-run send",
		"enrollment_id", req.EnrollmentID,
		"step", req.StepIndex,
		"channel", req.Channel,
		"contact_id", req.ContactID,
		"template", req.Template,
	)
	return SendResult{Status: StatusSent, ProviderMessageID: "dryrun:" + req.IdempotencyKey}, nil
}
