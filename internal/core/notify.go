package core

import (
	"context"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/mssante/internal/platform"
)

const taskQueue = "mssante-tasks"

// TaskQueue is the Temporal task queue served by the worker.
func TaskQueue() string { return taskQueue }

// Notifier is told that new outbox entries are due now.
type Notifier interface {
	OutboxReady(ctx context.Context) error
}

// TemporalNotifier starts a one-off drain workflow so async propagation does
// not wait for the next cron tick.
type TemporalNotifier struct {
	tc temporalclient.Client
}

func NewTemporalNotifier(tc temporalclient.Client) *TemporalNotifier {
	return &TemporalNotifier{tc: tc}
}

func (n *TemporalNotifier) OutboxReady(ctx context.Context) error {
	_, err := n.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        workflowID("outbox-drain", platform.NewID()),
		TaskQueue: taskQueue,
	}, "DrainOutboxWorkflow")
	return err
}

// workflowID builds a human-readable Temporal workflow ID from a prefix and
// a unique suffix.
func workflowID(prefix, id string) string {
	return prefix + "-" + id
}
