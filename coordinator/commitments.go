package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

const (
	DefaultCommitmentWait         = 120 * time.Second
	DefaultCommitmentPollInterval = 5 * time.Second
)

// WaitForCommitments polls the ledger until every member has published its
// share commitment for epoch. It gives up after wait with ErrCommitmentTimeout.
func WaitForCommitments(ctx context.Context, ledger interfaces.Ledger, epoch interfaces.Epoch, wait, pollInterval time.Duration, log *slog.Logger) error {
	if wait <= 0 {
		wait = DefaultCommitmentWait
	}
	if pollInterval <= 0 {
		pollInterval = DefaultCommitmentPollInterval
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	submitted := 0
	for {
		complete, n, err := ledger.CommitmentStatus(ctx, epoch)
		switch {
		case err != nil:
			log.Warn("Failed to query commitment status", "epoch", epoch, "err", err)
		case complete:
			log.Info("Commitment round complete", "epoch", epoch, "submitted", n)
			return nil
		default:
			submitted = n
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: epoch %d, %d commitments after %s", interfaces.ErrCommitmentTimeout, epoch, submitted, wait)
		case <-ticker.C:
		}
	}
}
