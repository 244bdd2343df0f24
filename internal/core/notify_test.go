package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	temporalclient "go.temporal.io/sdk/client"
	temporalmocks "go.temporal.io/sdk/mocks"
)

func TestTemporalNotifier_StartsDrainWorkflow(t *testing.T) {
	tc := &temporalmocks.Client{}
	run := &temporalmocks.WorkflowRun{}
	tc.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o temporalclient.StartWorkflowOptions) bool {
		return strings.HasPrefix(o.ID, "outbox-drain-") && o.TaskQueue == TaskQueue()
	}), "DrainOutboxWorkflow").Return(run, nil)

	err := NewTemporalNotifier(tc).OutboxReady(context.Background())
	assert.NoError(t, err)
	tc.AssertExpectations(t)
}

func TestTemporalNotifier_PropagatesError(t *testing.T) {
	tc := &temporalmocks.Client{}
	tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, "DrainOutboxWorkflow").Return(nil, assert.AnError)

	err := NewTemporalNotifier(tc).OutboxReady(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}
