package workflow

import (
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/edvin/mssante/internal/core"
)

// maxDrainPasses bounds one workflow run; the next cron tick picks up the rest.
const maxDrainPasses = 10

// DrainOutboxWorkflow runs due outbox entries. It is scheduled every minute
// and also started on demand when the API commits entries in async mode. It
// keeps draining while passes still find due entries.
func DrainOutboxWorkflow(ctx workflow.Context) (core.DrainResult, error) {
	// A pass may run a full batch of steps, each bounded by its own timeout.
	ctx = localActivityCtx(ctx, 5*time.Minute)
	logger := workflow.GetLogger(ctx)

	var total core.DrainResult
	for pass := 0; pass < maxDrainPasses; pass++ {
		var res core.DrainResult
		if err := workflow.ExecuteActivity(ctx, "DrainOutbox", 0).Get(ctx, &res); err != nil {
			return total, err
		}
		total.Claimed += res.Claimed
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		total.Skipped += res.Skipped
		if res.Claimed == 0 {
			break
		}
	}

	if total.Claimed > 0 {
		logger.Info("outbox drained", "claimed", total.Claimed, "succeeded", total.Succeeded,
			"failed", total.Failed, "skipped", total.Skipped)
	}
	return total, nil
}
