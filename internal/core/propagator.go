package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/mssante/internal/annuaire"
	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/mta"
	"github.com/edvin/mssante/internal/platform"
)

// MTA is the subset of the mail transfer agent adapter the coordinator drives.
type MTA interface {
	CreateMailbox(ctx context.Context, email string, opts mta.CreateOptions) error
	DeleteMailbox(ctx context.Context, email string, keepData bool) error
	SetQuota(ctx context.Context, email string, quotaMB int64) error
	GrantAccess(ctx context.Context, email, delegate, rights string) error
	RevokeAccess(ctx context.Context, email, delegate string) error
	GetMailboxUsage(ctx context.Context, email string) (int64, error)
}

// Directory is the national directory client.
type Directory interface {
	Publish(ctx context.Context, req annuaire.PublishRequest) (string, error)
	Update(ctx context.Context, externalID string, req annuaire.PublishRequest) error
	Unpublish(ctx context.Context, mb *model.Mailbox) error
	GetMailboxInfo(ctx context.Context, email string) (*annuaire.Entry, error)
}

// StepObserver receives one call per finished outbox step.
type StepObserver interface {
	ObserveStep(target, operation, status string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, string, string, time.Duration) {}

// PropagatorConfig tunes retries and dispatch. Lease is how long a claimed
// entry stays invisible to other drainers.
type PropagatorConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	StepTimeout time.Duration
	Lease       time.Duration
	Concurrency int
}

func (c PropagatorConfig) withDefaults() PropagatorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// Propagator executes outbox entries against the MTA and the directory and
// records each attempt. No transaction is open while a step runs.
type Propagator struct {
	store     Store
	mta       MTA
	directory Directory
	cache     Cache
	observer  StepObserver
	logger    zerolog.Logger
	cfg       PropagatorConfig
	now       func() time.Time
}

func NewPropagator(store Store, m MTA, dir Directory, cache Cache, logger zerolog.Logger, cfg PropagatorConfig) *Propagator {
	if cache == nil {
		cache = NopCache{}
	}
	return &Propagator{
		store:     store,
		mta:       m,
		directory: dir,
		cache:     cache,
		observer:  nopObserver{},
		logger:    logger.With().Str("component", "propagator").Logger(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// SetObserver installs a step observer, typically the metrics collector.
func (p *Propagator) SetObserver(o StepObserver) {
	if o != nil {
		p.observer = o
	}
}

// Lease is the time an entry stays claimed by one dispatcher.
func (p *Propagator) Lease() time.Duration { return p.cfg.Lease }

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// DrainDue claims up to limit due entries and dispatches them.
func (p *Propagator) DrainDue(ctx context.Context, limit int) (DrainResult, error) {
	entries, err := p.store.ClaimDueOutbox(ctx, p.now().UTC(), p.cfg.Lease, limit)
	if err != nil {
		return DrainResult{}, fmt.Errorf("drain outbox: %w", err)
	}

	res := DrainResult{Claimed: len(entries)}
	for _, o := range p.Dispatch(ctx, entries) {
		switch o.Status {
		case model.PublicationSuccess:
			res.Succeeded++
		case model.PublicationError:
			res.Failed++
		default:
			res.Skipped++
		}
	}
	if res.Claimed > 0 {
		p.logger.Info().Int("claimed", res.Claimed).Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("outbox drained")
	}
	return res, nil
}

// Dispatch runs the entries and returns one outcome per entry, in input
// order. Entries for the same mailbox and target run sequentially in input
// order; other groups run concurrently.
func (p *Propagator) Dispatch(ctx context.Context, entries []model.OutboxEntry) []model.StepOutcome {
	outcomes := make([]model.StepOutcome, len(entries))
	if len(entries) == 0 {
		return outcomes
	}

	type groupKey struct{ mailboxID, target string }
	var order []groupKey
	groups := make(map[groupKey][]int)
	for i, e := range entries {
		k := groupKey{e.MailboxID, e.Target}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, k := range order {
		idx := groups[k]
		g.Go(func() error {
			for _, i := range idx {
				outcomes[i] = p.runStep(gctx, entries[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	keys := make([]string, 0, len(order))
	for _, k := range order {
		keys = append(keys, MailboxCacheKey(k.mailboxID))
	}
	invalidate(ctx, p.cache, p.logger, keys...)
	return outcomes
}

type stepResult struct {
	skipped    bool
	externalID *string
	response   json.RawMessage
}

func (p *Propagator) runStep(ctx context.Context, e model.OutboxEntry) model.StepOutcome {
	start := p.now()
	log := p.logger.With().Str("outbox_id", e.ID).Str("mailbox_id", e.MailboxID).
		Str("target", e.Target).Str("operation", e.Operation).Logger()

	var payload model.OutboxPayload
	var res stepResult
	err := json.Unmarshal(e.Payload, &payload)
	if err != nil {
		err = permanent(fmt.Errorf("decode outbox payload: %w", err))
	} else {
		stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
		res, err = p.execute(stepCtx, e, &payload)
		cancel()
	}

	outcome := model.StepOutcome{
		OutboxID:   e.ID,
		Target:     e.Target,
		Operation:  e.Operation,
		ExternalID: res.externalID,
	}
	switch {
	case err != nil:
		outcome.Status = model.PublicationError
		outcome.Error = err.Error()
		log.Warn().Err(err).Int("attempt", e.Attempts+1).Msg("secondary step failed")
	case res.skipped:
		outcome.Status = "skipped"
		log.Debug().Msg("secondary step no longer needed")
	default:
		outcome.Status = model.PublicationSuccess
	}

	if recErr := p.record(context.WithoutCancel(ctx), e, res, err); recErr != nil {
		log.Error().Err(recErr).Msg("failed to record secondary step outcome")
	}
	p.observer.ObserveStep(e.Target, e.Operation, outcome.Status, p.now().Sub(start))
	return outcome
}

func (p *Propagator) execute(ctx context.Context, e model.OutboxEntry, payload *model.OutboxPayload) (stepResult, error) {
	switch e.Target {
	case model.TargetMTA:
		res, err := p.executeMTA(ctx, e, payload)
		if err != nil {
			return res, &ExternalSystemError{System: SystemMTA, Cause: err}
		}
		return res, nil
	case model.TargetAnnuaire:
		res, err := p.executeDirectory(ctx, e, payload)
		if err != nil {
			return res, &ExternalSystemError{System: SystemAnnuaire, Cause: err}
		}
		return res, nil
	default:
		return stepResult{}, permanent(fmt.Errorf("unknown outbox target %q", e.Target))
	}
}

func (p *Propagator) executeMTA(ctx context.Context, e model.OutboxEntry, payload *model.OutboxPayload) (stepResult, error) {
	snap := payload.Mailbox
	switch e.Operation {
	case model.OperationCreate:
		current, err := p.currentMailbox(ctx, e.MailboxID)
		if err != nil || current == nil {
			return stepResult{skipped: current == nil && err == nil}, err
		}
		return stepResult{}, p.mta.CreateMailbox(ctx, current.Email, mta.CreateOptions{
			PasswordHash: payload.PasswordHash,
			QuotaMB:      current.QuotaMB,
		})
	case model.OperationUpdate:
		current, err := p.currentMailbox(ctx, e.MailboxID)
		if err != nil || current == nil {
			return stepResult{skipped: current == nil && err == nil}, err
		}
		return stepResult{}, p.mta.SetQuota(ctx, current.Email, current.QuotaMB)
	case model.OperationDelete:
		return stepResult{}, p.mta.DeleteMailbox(ctx, snap.Email, payload.KeepData)
	case model.OperationGrant:
		return stepResult{}, p.mta.GrantAccess(ctx, snap.Email, payload.DelegateEmail, payload.Rights)
	case model.OperationRevoke:
		return stepResult{}, p.mta.RevokeAccess(ctx, snap.Email, payload.DelegateEmail)
	}
	return stepResult{}, permanent(fmt.Errorf("unknown mta operation %q", e.Operation))
}

func (p *Propagator) executeDirectory(ctx context.Context, e model.OutboxEntry, payload *model.OutboxPayload) (stepResult, error) {
	current, err := p.currentMailbox(ctx, e.MailboxID)
	if err != nil {
		return stepResult{}, err
	}

	switch e.Operation {
	case model.OperationCreate:
		if current == nil || !current.Publishable() || current.PublishedToAnnuaire {
			return stepResult{skipped: true}, nil
		}
		req, err := p.publishRequest(ctx, current)
		if err != nil {
			return stepResult{}, err
		}
		id, err := p.directory.Publish(ctx, req)
		if annuaire.KindOf(err) == annuaire.KindConflict {
			id, err = p.adoptExisting(ctx, current, err)
		}
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{externalID: &id, response: responseJSON(id)}, nil

	case model.OperationUpdate:
		if current == nil || !current.PublishedToAnnuaire || current.AnnuaireID == nil {
			return stepResult{skipped: true}, nil
		}
		req, err := p.publishRequest(ctx, current)
		if err != nil {
			return stepResult{}, err
		}
		if err := p.directory.Update(ctx, *current.AnnuaireID, req); err != nil {
			return stepResult{}, err
		}
		return stepResult{externalID: current.AnnuaireID}, nil

	case model.OperationDelete:
		target := &payload.Mailbox
		if current != nil {
			if current.Publishable() && current.PublishedToAnnuaire {
				return stepResult{skipped: true}, nil
			}
			if current.AnnuaireID != nil {
				target = current
			}
		}
		if err := p.directory.Unpublish(ctx, target); err != nil {
			return stepResult{}, err
		}
		return stepResult{externalID: target.AnnuaireID}, nil
	}
	return stepResult{}, permanent(fmt.Errorf("unknown directory operation %q", e.Operation))
}

// adoptExisting resolves a publish conflict. A previous attempt whose
// response was lost may have created the entry already; its id is looked up
// by address and taken over so later updates and unpublishes can reach it.
// When the lookup cannot settle it, the conflict stands.
func (p *Propagator) adoptExisting(ctx context.Context, mb *model.Mailbox, conflict error) (string, error) {
	entry, err := p.directory.GetMailboxInfo(ctx, mb.Email)
	switch {
	case err == nil && entry != nil && entry.ID != "":
		p.logger.Warn().Str("mailbox_id", mb.ID).Str("annuaire_id", entry.ID).
			Msg("directory entry already exists, adopting its id")
		return entry.ID, nil
	case err != nil && retryable(err):
		return "", fmt.Errorf("look up conflicting directory entry: %w", err)
	default:
		return "", conflict
	}
}

// currentMailbox returns nil without error when the row is gone.
func (p *Propagator) currentMailbox(ctx context.Context, id string) (*model.Mailbox, error) {
	mb, err := p.store.GetMailbox(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return mb, err
}

func (p *Propagator) publishRequest(ctx context.Context, mb *model.Mailbox) (annuaire.PublishRequest, error) {
	domain, err := p.store.GetDomain(ctx, mb.DomainID)
	if err != nil {
		return annuaire.PublishRequest{}, fmt.Errorf("load domain for directory payload: %w", err)
	}
	var owner *model.Practitioner
	if mb.OwnerID != nil {
		if owner, err = p.store.GetPractitioner(ctx, *mb.OwnerID); err != nil {
			return annuaire.PublishRequest{}, fmt.Errorf("load owner for directory payload: %w", err)
		}
	}
	req, err := annuaire.BuildPublishRequest(mb, owner, domain)
	if err != nil {
		return annuaire.PublishRequest{}, permanent(err)
	}
	return req, nil
}

// record persists the attempt: a publication record plus the outbox entry's
// new state, and the mailbox's directory state on directory success.
func (p *Propagator) record(ctx context.Context, e model.OutboxEntry, res stepResult, stepErr error) error {
	now := p.now().UTC()
	return p.store.RunInTx(ctx, func(tx StoreTx) error {
		if res.skipped && stepErr == nil {
			return tx.CompleteOutbox(ctx, e.ID, now)
		}

		outboxID := e.ID
		rec := &model.PublicationRecord{
			ID:           platform.NewID(),
			MailboxID:    e.MailboxID,
			OutboxID:     &outboxID,
			Target:       e.Target,
			Operation:    e.Operation,
			ExternalID:   res.externalID,
			ResponseData: res.response,
			CreatedAt:    now,
		}

		if stepErr != nil {
			msg := stepErr.Error()
			rec.Status = model.PublicationError
			rec.ErrorMessage = &msg
			if err := tx.InsertPublication(ctx, rec); err != nil {
				return err
			}

			attempts := e.Attempts + 1
			status := model.OutboxPending
			if attempts >= p.cfg.MaxAttempts || !retryable(stepErr) {
				status = model.OutboxFailed
			}
			return tx.RescheduleOutbox(ctx, e.ID, attempts, status, msg, now.Add(p.backoff(attempts)))
		}

		rec.Status = model.PublicationSuccess
		rec.SuccessAt = &now
		if err := tx.InsertPublication(ctx, rec); err != nil {
			return err
		}

		if e.Target == model.TargetAnnuaire {
			var err error
			switch e.Operation {
			case model.OperationCreate:
				err = tx.SetPublication(ctx, e.MailboxID, res.externalID)
			case model.OperationDelete:
				err = tx.SetPublication(ctx, e.MailboxID, nil)
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return tx.CompleteOutbox(ctx, e.ID, now)
	})
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (p *Propagator) backoff(attempts int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

func permanent(err error) error { return &permanentError{err: err} }

// retryable reports false when any error in the chain declares itself
// non-retryable.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func responseJSON(externalID string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"id": externalID})
	return data
}
