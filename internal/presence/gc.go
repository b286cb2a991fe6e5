package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// DefaultGCCron prunes stale offline records every five minutes.
const DefaultGCCron = "*/5 * * * *"

// RunGC prunes offline records older than retention on the cron schedule
// until ctx is cancelled.
func (r *Reconciler) RunGC(ctx context.Context, cronExpr string, retention time.Duration) error {
	if cronExpr == "" {
		cronExpr = DefaultGCCron
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("presence: invalid gc cron expression %q", cronExpr)
	}
	if retention <= 0 {
		return fmt.Errorf("presence: gc retention must be positive, got %s", retention)
	}
	r.logger.Info("presence gc scheduled", zap.String("cron", cronExpr), zap.Duration("retention", retention))

	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			r.logger.Error("presence gc next tick failed", zap.String("cron", cronExpr), zap.Error(err))
			next = now.Add(time.Minute)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if removed := r.Prune(r.clock().Add(-retention)); removed > 0 {
			r.logger.Info("presence records pruned", zap.Int("removed", removed))
		}
	}
}
