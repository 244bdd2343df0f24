package activity

import (
	"context"
	"fmt"

	"github.com/edvin/mssante/internal/core"
)

// Drainer dispatches due outbox entries.
type Drainer interface {
	DrainDue(ctx context.Context, limit int) (core.DrainResult, error)
}

// Outbox contains the activity that runs pending secondary steps.
type Outbox struct {
	drainer      Drainer
	defaultLimit int
}

// NewOutbox creates a new Outbox activity struct. defaultLimit is used when a
// workflow passes a non-positive batch size.
func NewOutbox(drainer Drainer, defaultLimit int) *Outbox {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &Outbox{drainer: drainer, defaultLimit: defaultLimit}
}

// DrainOutbox claims up to limit due entries and runs them. Individual step
// failures are recorded on the entries, not returned.
func (a *Outbox) DrainOutbox(ctx context.Context, limit int) (core.DrainResult, error) {
	if limit <= 0 {
		limit = a.defaultLimit
	}
	res, err := a.drainer.DrainDue(ctx, limit)
	if err != nil {
		return core.DrainResult{}, fmt.Errorf("drain outbox: %w", err)
	}
	return res, nil
}
