package workflow

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/vault"
)

// ErrorTypingInterceptor types activity errors with the activity name so
// failures are distinguishable in the Temporal UI, and stops retries for
// errors no retry can fix.
type ErrorTypingInterceptor struct {
	interceptor.WorkerInterceptorBase
}

func (e *ErrorTypingInterceptor) InterceptActivity(
	ctx context.Context,
	next interceptor.ActivityInboundInterceptor,
) interceptor.ActivityInboundInterceptor {
	return &errorTypingActivityInterceptor{next: next}
}

type errorTypingActivityInterceptor struct {
	interceptor.ActivityInboundInterceptorBase
	next interceptor.ActivityInboundInterceptor
}

func (e *errorTypingActivityInterceptor) Init(outbound interceptor.ActivityOutboundInterceptor) error {
	return e.next.Init(outbound)
}

func (e *errorTypingActivityInterceptor) ExecuteActivity(
	ctx context.Context,
	in *interceptor.ExecuteActivityInput,
) (interface{}, error) {
	result, err := e.next.ExecuteActivity(ctx, in)
	if err != nil {
		return result, typeActivityError(activity.GetInfo(ctx).ActivityType.Name, err)
	}
	return result, nil
}

// typeActivityError leaves already-typed application errors alone.
func typeActivityError(activityName string, err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return err
	}
	if permanentActivityError(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), activityName, err)
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), activityName, err)
}

func permanentActivityError(err error) bool {
	return errors.Is(err, core.ErrValidation) ||
		errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, vault.ErrIntegrity) ||
		errors.Is(err, vault.ErrInvalidMaterial)
}
