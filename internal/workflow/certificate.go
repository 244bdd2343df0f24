package workflow

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

// SweepExpiredCertificatesWorkflow is a daily cron workflow that marks
// certificates past their expiry date as expired. Rows are never deleted.
func SweepExpiredCertificatesWorkflow(ctx workflow.Context) ([]string, error) {
	ctx = localActivityCtx(ctx, 30*time.Second)

	var expired []string
	if err := workflow.ExecuteActivity(ctx, "SweepExpiredCertificates").Get(ctx, &expired); err != nil {
		return nil, err
	}

	workflow.GetLogger(ctx).Info("expired certificate sweep done", "count", len(expired))
	return expired, nil
}
