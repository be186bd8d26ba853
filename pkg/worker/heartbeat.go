package worker

import (
	"context"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"
)

// startHeartbeat bumps the heartbeat counter of the attempt every interval
// until the returned function is called. The monitor fails attempts whose
// counter stops moving. Inside an activity, Temporal is heartbeaten too.
func (w *Worker) startHeartbeat(ctx context.Context, attemptID uint) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	inActivity := activity.IsActivity(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.repository.IncrementIndexAttemptHeartbeat(ctx, attemptID); err != nil && ctx.Err() == nil {
					w.log.Warn("Failed to record heartbeat",
						zap.Uint("index_attempt_id", attemptID),
						zap.Error(err))
				}
				if inActivity {
					activity.RecordHeartbeat(ctx, attemptID)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
