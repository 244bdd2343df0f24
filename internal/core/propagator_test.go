package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/mssante/internal/annuaire"
	"github.com/edvin/mssante/internal/model"
)

type recordingObserver struct {
	mu    sync.Mutex
	steps []string
}

func (o *recordingObserver) ObserveStep(target, operation, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, target+" "+operation+" "+status)
}

func directoryEntry(t *testing.T, store *memStore) model.OutboxEntry {
	t.Helper()
	for _, e := range store.outboxEntries() {
		if e.Target == model.TargetAnnuaire {
			return e
		}
	}
	t.Fatal("no directory outbox entry")
	return model.OutboxEntry{}
}

func TestBackoff(t *testing.T) {
	p := &Propagator{cfg: PropagatorConfig{BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute}.withDefaults()}

	assert.Equal(t, 30*time.Second, p.backoff(1))
	assert.Equal(t, time.Minute, p.backoff(2))
	assert.Equal(t, 2*time.Minute, p.backoff(3))
	assert.Equal(t, 4*time.Minute, p.backoff(4))
	assert.Equal(t, 5*time.Minute, p.backoff(5))
	assert.Equal(t, 5*time.Minute, p.backoff(40))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("boom")))
	assert.False(t, retryable(permanent(errors.New("bad payload"))))
	assert.False(t, retryable(&ExternalSystemError{
		System: SystemAnnuaire,
		Cause:  &annuaire.Error{Op: "publish", Kind: annuaire.KindBadRequest, StatusCode: 400},
	}))
	assert.True(t, retryable(&ExternalSystemError{
		System: SystemAnnuaire,
		Cause:  &annuaire.Error{Op: "publish", Kind: annuaire.KindRateLimited, StatusCode: 429},
	}))
}

func TestDrainDue_RetriesAfterBackoff(t *testing.T) {
	env := newTestEnv(t, PropagationInline)
	env.dir.setFail("publish", errDirectoryDown)
	res := env.createPersonal(t, "claire@hopital-nord.example")
	ctx := context.Background()

	// Not due yet.
	drained, err := env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, drained.Claimed)

	env.dir.setFail("publish", nil)
	env.clock.Advance(2 * time.Minute)
	drained, err = env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Claimed: 1, Succeeded: 1}, drained)

	mb, _ := env.store.mailbox(res.Mailbox.ID)
	assert.True(t, mb.PublishedToAnnuaire)
	e := directoryEntry(t, env.store)
	assert.Equal(t, model.OutboxDone, e.Status)
	assert.Equal(t, 2, e.Attempts)
	env.store.assertDirectoryInvariant(t)
}

func TestDrainDue_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, PropagationInline)
	env.dir.setFail("publish", errDirectoryDown)
	res := env.createPersonal(t, "claire@hopital-nord.example")
	ctx := context.Background()

	env.clock.Advance(2 * time.Minute)
	drained, err := env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Failed)
	e := directoryEntry(t, env.store)
	assert.Equal(t, model.OutboxPending, e.Status)
	assert.Equal(t, env.clock.Now().Add(2*time.Minute), e.NextAttemptAt)

	env.clock.Advance(3 * time.Minute)
	_, err = env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)
	e = directoryEntry(t, env.store)
	assert.Equal(t, model.OutboxFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)
	require.NotNil(t, e.LastError)

	env.clock.Advance(time.Hour)
	drained, err = env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, drained.Claimed)

	// Every attempt left a trace.
	var errorsSeen int
	for _, r := range env.store.publicationsFor(res.Mailbox.ID) {
		if r.Target == model.TargetAnnuaire {
			assert.Equal(t, model.PublicationError, r.Status)
			errorsSeen++
		}
	}
	assert.Equal(t, 3, errorsSeen)
}

func TestDispatch_NonRetryableFailsImmediately(t *testing.T) {
	env := newTestEnv(t, PropagationInline)
	env.dir.setFail("publish", &annuaire.Error{Op: "publish", Kind: annuaire.KindBadRequest, StatusCode: 400, Message: "rpps inconnu"})

	res := env.createPersonal(t, "claire@hopital-nord.example")

	assert.Equal(t, model.PublicationError, res.Steps[1].Status)
	e := directoryEntry(t, env.store)
	assert.Equal(t, model.OutboxFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
}

func TestDispatch_UndecodablePayloadIsPermanent(t *testing.T) {
	env := newTestEnv(t, PropagationAsync)
	now := env.clock.Now()
	env.store.state.outbox["bad"] = model.OutboxEntry{
		ID:            "bad",
		MailboxID:     "mb-x",
		Target:        model.TargetMTA,
		Operation:     model.OperationCreate,
		Payload:       []byte("{not json"),
		Status:        model.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}

	drained, err := env.svc.Propagator.DrainDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Claimed: 1, Failed: 1}, drained)
	assert.Equal(t, model.OutboxFailed, env.store.outboxEntries()[0].Status)
	assert.Empty(t, env.mta.callsSnapshot())
}

func TestDispatch_LaterStateWins(t *testing.T) {
	env := newTestEnv(t, PropagationAsync)
	ctx := context.Background()
	res := env.createPersonal(t, "claire@hopital-nord.example")
	id := res.Mailbox.ID

	_, err := env.svc.Mailboxes.Update(ctx, id, UpdateMailboxInput{Status: ptr(model.StatusSuspended)})
	require.NoError(t, err)
	_, err = env.svc.Mailboxes.Update(ctx, id, UpdateMailboxInput{Status: ptr(model.StatusActive)})
	require.NoError(t, err)

	drained, err := env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)
	// Suspending an unpublished mailbox queues nothing; reactivating queues
	// a second publish that finds the mailbox already published.
	assert.Equal(t, DrainResult{Claimed: 3, Succeeded: 2, Skipped: 1}, drained)
	assert.Equal(t, []string{"publish claire@hopital-nord.example"}, env.dir.callsSnapshot())
	mb, _ := env.store.mailbox(id)
	assert.True(t, mb.PublishedToAnnuaire)
	env.store.assertDirectoryInvariant(t)
}

func TestDispatch_SuspendedBeforeDrainIsNeverPublished(t *testing.T) {
	env := newTestEnv(t, PropagationAsync)
	ctx := context.Background()
	res := env.createPersonal(t, "claire@hopital-nord.example")

	_, err := env.svc.Mailboxes.Update(ctx, res.Mailbox.ID, UpdateMailboxInput{Status: ptr(model.StatusSuspended)})
	require.NoError(t, err)

	_, err = env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, env.dir.callsSnapshot())
	mb, _ := env.store.mailbox(res.Mailbox.ID)
	assert.False(t, mb.PublishedToAnnuaire)
	env.store.assertDirectoryInvariant(t)
}

func TestDispatch_KeepsInputOrderAndObserves(t *testing.T) {
	env := newTestEnv(t, PropagationAsync)
	obs := &recordingObserver{}
	env.svc.Propagator.SetObserver(obs)
	env.createPersonal(t, "a@hopital-nord.example")
	env.createPersonal(t, "b@hopital-nord.example")

	entries := env.store.outboxEntries()
	outcomes := env.svc.Propagator.Dispatch(context.Background(), entries)

	require.Len(t, outcomes, len(entries))
	for i, o := range outcomes {
		assert.Equal(t, entries[i].ID, o.OutboxID)
		assert.Equal(t, model.PublicationSuccess, o.Status)
	}
	assert.Len(t, obs.steps, 4)
	assert.Contains(t, obs.steps, "annuaire CREATE success")
}

func TestDispatch_InvalidatesMailboxCache(t *testing.T) {
	env := newTestEnv(t, PropagationAsync)
	ctx := context.Background()
	res := env.createPersonal(t, "claire@hopital-nord.example")

	before, err := env.svc.Mailboxes.Get(ctx, res.Mailbox.ID)
	require.NoError(t, err)
	assert.False(t, before.PublishedToAnnuaire)

	_, err = env.svc.Propagator.DrainDue(ctx, 10)
	require.NoError(t, err)

	after, err := env.svc.Mailboxes.Get(ctx, res.Mailbox.ID)
	require.NoError(t, err)
	assert.True(t, after.PublishedToAnnuaire)
}

func TestInlineEntriesAreLeasedAhead(t *testing.T) {
	env := newTestEnv(t, PropagationInline)
	env.dir.setFail("publish", errDirectoryDown)
	env.createPersonal(t, "claire@hopital-nord.example")

	for _, e := range env.store.outboxEntries() {
		if e.Target == model.TargetMTA {
			assert.Equal(t, model.OutboxDone, e.Status)
		}
	}
	drained, err := env.svc.Propagator.DrainDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, drained.Claimed)
}
