package retry

import (
	"context"
	"time"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// DialFunc starts a new attempt for a due retry.
type DialFunc func(ctx context.Context, st models.RetryState) error

// StartDispatcher runs a background goroutine that polls for due retries
// and hands each one to dial. The goroutine stops when ctx is cancelled.
func (c *Controller) StartDispatcher(ctx context.Context, interval time.Duration, batch int, dial DialFunc) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.dispatchDue(ctx, batch, dial)
			}
		}
	}()
}

func (c *Controller) dispatchDue(ctx context.Context, batch int, dial DialFunc) {
	due, err := c.Due(ctx, batch)
	if err != nil {
		c.logger.Error("listing due retries failed", "error", err)
		return
	}
	for _, st := range due {
		if err := dial(ctx, st); err != nil {
			c.logger.Warn("retry dispatch failed", "call_id", st.CallID, "attempt", st.Attempts+1, "error", err)
			continue
		}
		c.logger.Debug("retry dispatched", "call_id", st.CallID, "attempt", st.Attempts+1)
	}
}
