package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/platform"
)

// Propagation modes.
const (
	PropagationInline = "inline"
	PropagationAsync  = "async"
)

// StepPending is the outcome status reported for steps left to the worker.
const StepPending = "pending"

// ServiceOptions configures the coordinator services.
type ServiceOptions struct {
	Mode     string
	Cache    Cache
	CacheTTL time.Duration
	Quotas   QuotaProvider
	Notifier Notifier
}

// Services groups the coordinator services sharing one store and propagator.
type Services struct {
	Mailboxes   *MailboxService
	Delegations *DelegationService
	Propagator  *Propagator
}

func NewServices(store Store, propagator *Propagator, opts ServiceOptions, logger zerolog.Logger) *Services {
	c := newCoordinator(store, propagator, opts, logger)
	return &Services{
		Mailboxes:   &MailboxService{coordinator: c},
		Delegations: &DelegationService{coordinator: c},
		Propagator:  propagator,
	}
}

// coordinator holds what the mailbox and delegation services share: the
// transactional store and the post-commit propagation of outbox entries.
type coordinator struct {
	store      Store
	propagator *Propagator
	notifier   Notifier
	quotas     QuotaProvider
	cache      Cache
	cacheTTL   time.Duration
	mode       string
	validate   *validator.Validate
	logger     zerolog.Logger
	now        func() time.Time
}

func newCoordinator(store Store, propagator *Propagator, opts ServiceOptions, logger zerolog.Logger) *coordinator {
	if opts.Cache == nil {
		opts.Cache = NopCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Quotas == nil {
		opts.Quotas = DomainQuotas{}
	}
	if opts.Mode == "" {
		opts.Mode = PropagationInline
	}
	return &coordinator{
		store:      store,
		propagator: propagator,
		notifier:   opts.Notifier,
		quotas:     opts.Quotas,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		mode:       opts.Mode,
		validate:   validator.New(),
		logger:     logger.With().Str("component", "coordinator").Logger(),
		now:        time.Now,
	}
}

// outboxBatch collects the entries written by one transaction. Entries get
// strictly increasing creation times so drain order matches write order.
type outboxBatch struct {
	tx      StoreTx
	now     time.Time
	due     time.Time
	entries []model.OutboxEntry
}

func (c *coordinator) newBatch(tx StoreTx, now time.Time) *outboxBatch {
	due := now
	if c.mode == PropagationInline {
		// Inline entries are dispatched right after commit; keep them away
		// from drainers until that attempt had its chance.
		due = now.Add(c.propagator.Lease())
	}
	return &outboxBatch{tx: tx, now: now, due: due}
}

func (b *outboxBatch) add(ctx context.Context, mailboxID, target, operation string, payload model.OutboxPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	created := b.now.Add(time.Duration(len(b.entries)) * time.Microsecond)
	e := model.OutboxEntry{
		ID:            platform.NewID(),
		MailboxID:     mailboxID,
		Target:        target,
		Operation:     operation,
		Payload:       data,
		Status:        model.OutboxPending,
		NextAttemptAt: b.due,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	if err := b.tx.InsertOutbox(ctx, &e); err != nil {
		return err
	}
	b.entries = append(b.entries, e)
	return nil
}

// propagate runs the committed entries. In async mode the worker is notified
// and every step is reported pending. The caller's cancellation does not
// interrupt steps that already started.
func (c *coordinator) propagate(ctx context.Context, entries []model.OutboxEntry) []model.StepOutcome {
	if len(entries) == 0 {
		return nil
	}

	if c.mode == PropagationAsync {
		if c.notifier != nil {
			if err := c.notifier.OutboxReady(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("failed to notify outbox worker, entries wait for the next drain")
			}
		}
		steps := make([]model.StepOutcome, len(entries))
		for i, e := range entries {
			steps[i] = model.StepOutcome{OutboxID: e.ID, Target: e.Target, Operation: e.Operation, Status: StepPending}
		}
		return steps
	}

	return c.propagator.Dispatch(context.WithoutCancel(ctx), entries)
}

func (c *coordinator) audit(ctx context.Context, tx StoreTx, entityType, entityID, action string, detail map[string]string) error {
	if err := tx.InsertAudit(ctx, model.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Detail:     detail,
	}); err != nil {
		return fmt.Errorf("audit %s %s: %w", entityType, action, err)
	}
	return nil
}
