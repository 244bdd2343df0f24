package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edvin/mssante/internal/annuaire"
	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/mta"
)

// ---------- In-memory store ----------

type memState struct {
	mailboxes    map[string]model.Mailbox
	delegations  map[string]model.Delegation
	outbox       map[string]model.OutboxEntry
	publications []model.PublicationRecord
	audits       []model.AuditEntry
}

func (s *memState) clone() *memState {
	c := &memState{
		mailboxes:    make(map[string]model.Mailbox, len(s.mailboxes)),
		delegations:  make(map[string]model.Delegation, len(s.delegations)),
		outbox:       make(map[string]model.OutboxEntry, len(s.outbox)),
		publications: append([]model.PublicationRecord(nil), s.publications...),
		audits:       append([]model.AuditEntry(nil), s.audits...),
	}
	for k, v := range s.mailboxes {
		c.mailboxes[k] = v
	}
	for k, v := range s.delegations {
		c.delegations[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// memStore serializes transactions with one mutex, which is at least as
// strict as the domain row lock the SQL store takes.
type memStore struct {
	mu            sync.Mutex
	domains       map[string]model.Domain
	practitioners map[string]model.Practitioner
	state         *memState

	failAudit      error
	getMailboxHits int
}

func newMemStore() *memStore {
	return &memStore{
		domains:       map[string]model.Domain{},
		practitioners: map[string]model.Practitioner{},
		state: &memState{
			mailboxes:   map[string]model.Mailbox{},
			delegations: map[string]model.Delegation{},
			outbox:      map[string]model.OutboxEntry{},
		},
	}
}

func (s *memStore) RunInTx(ctx context.Context, fn func(tx StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memTx{store: s, st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) GetDomain(_ context.Context, id string) (*model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (s *memStore) GetPractitioner(_ context.Context, id string) (*model.Practitioner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.practitioners[id]
	if !ok {
		return nil, fmt.Errorf("practitioner %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *memStore) GetMailbox(_ context.Context, id string) (*model.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getMailboxHits++
	mb, ok := s.state.mailboxes[id]
	if !ok {
		return nil, fmt.Errorf("mailbox %s: %w", id, ErrNotFound)
	}
	return &mb, nil
}

func (s *memStore) ListMailboxes(_ context.Context, domainID string, f MailboxFilter) ([]model.Mailbox, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Mailbox
	for _, mb := range s.state.mailboxes {
		if mb.DomainID != domainID || (f.Status != "" && mb.Status != f.Status) || (f.Type != "" && mb.Type != f.Type) {
			continue
		}
		if f.Cursor != "" && mb.ID <= f.Cursor {
			continue
		}
		out = append(out, mb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

func (s *memStore) ListPublications(_ context.Context, mailboxID string) ([]model.PublicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PublicationRecord
	for _, r := range s.state.publications {
		if r.MailboxID == mailboxID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListDelegations(_ context.Context, mailboxID string) ([]model.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Delegation
	for _, d := range s.state.delegations {
		if d.MailboxID == mailboxID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DelegateEmail < out[j].DelegateEmail })
	return out, nil
}

func (s *memStore) UpdateMailboxUsage(_ context.Context, id string, usedMB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.state.mailboxes[id]
	if !ok {
		return ErrNotFound
	}
	mb.UsedMB = usedMB
	s.state.mailboxes[id] = mb
	return nil
}

func (s *memStore) ClaimDueOutbox(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.OutboxEntry
	for _, e := range s.state.outbox {
		if e.Status == model.OutboxPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].NextAttemptAt = now.Add(lease)
		s.state.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

// snapshot helpers for assertions.

func (s *memStore) mailbox(id string) (model.Mailbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.state.mailboxes[id]
	return mb, ok
}

func (s *memStore) outboxEntries() []model.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEntry, 0, len(s.state.outbox))
	for _, e := range s.state.outbox {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) publicationsFor(mailboxID string) []model.PublicationRecord {
	recs, _ := s.ListPublications(context.Background(), mailboxID)
	return recs
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.state.audits {
		out = append(out, a.EntityType+":"+a.Action)
	}
	return out
}

func (s *memStore) mailboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.mailboxes)
}

// assertDirectoryInvariant checks that every mailbox has an external id
// exactly when it is marked published.
func (s *memStore) assertDirectoryInvariant(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mb := range s.state.mailboxes {
		require.Equal(t, mb.PublishedToAnnuaire, mb.AnnuaireID != nil, "mailbox %s", mb.Email)
	}
}

type memTx struct {
	store *memStore
	st    *memState
}

func (t *memTx) LockDomain(_ context.Context, id string) (*model.Domain, error) {
	d, ok := t.store.domains[id]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (t *memTx) CountOccupyingMailboxes(_ context.Context, domainID string) (int, error) {
	n := 0
	for _, mb := range t.st.mailboxes {
		if mb.DomainID == domainID && model.OccupiesQuota(mb.Status) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertMailbox(_ context.Context, mb *model.Mailbox) error {
	for _, existing := range t.st.mailboxes {
		if existing.Email == mb.Email {
			return fmt.Errorf("%w: mailboxes_email_key", ErrConflict)
		}
	}
	t.st.mailboxes[mb.ID] = *mb
	return nil
}

func (t *memTx) GetMailboxForUpdate(_ context.Context, id string) (*model.Mailbox, error) {
	mb, ok := t.st.mailboxes[id]
	if !ok {
		return nil, fmt.Errorf("mailbox %s: %w", id, ErrNotFound)
	}
	return &mb, nil
}

func (t *memTx) UpdateMailbox(_ context.Context, mb *model.Mailbox) error {
	cur, ok := t.st.mailboxes[mb.ID]
	if !ok {
		return ErrNotFound
	}
	cur.DisplayName = mb.DisplayName
	cur.Status = mb.Status
	cur.QuotaMB = mb.QuotaMB
	cur.HiddenFromDirectory = mb.HiddenFromDirectory
	cur.CertificateID = mb.CertificateID
	cur.Metadata = mb.Metadata
	cur.UpdatedAt = mb.UpdatedAt
	t.st.mailboxes[mb.ID] = cur
	return nil
}

func (t *memTx) DeleteMailbox(_ context.Context, id string) error {
	if _, ok := t.st.mailboxes[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.mailboxes, id)
	for k, d := range t.st.delegations {
		if d.MailboxID == id {
			delete(t.st.delegations, k)
		}
	}
	return nil
}

func (t *memTx) SetPublication(_ context.Context, mailboxID string, annuaireID *string) error {
	mb, ok := t.st.mailboxes[mailboxID]
	if !ok {
		return fmt.Errorf("mailbox %s: %w", mailboxID, ErrNotFound)
	}
	mb.PublishedToAnnuaire = annuaireID != nil
	mb.AnnuaireID = annuaireID
	t.st.mailboxes[mailboxID] = mb
	return nil
}

func (t *memTx) InsertDelegation(_ context.Context, d *model.Delegation) error {
	for _, existing := range t.st.delegations {
		if existing.MailboxID == d.MailboxID && existing.DelegateEmail == d.DelegateEmail {
			return fmt.Errorf("%w: mailbox_delegations_mailbox_id_delegate_email_key", ErrConflict)
		}
	}
	t.st.delegations[d.ID] = *d
	return nil
}

func (t *memTx) GetDelegation(_ context.Context, id string) (*model.Delegation, error) {
	d, ok := t.st.delegations[id]
	if !ok {
		return nil, fmt.Errorf("delegation %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (t *memTx) DeleteDelegation(_ context.Context, id string) error {
	if _, ok := t.st.delegations[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.delegations, id)
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, e *model.OutboxEntry) error {
	t.st.outbox[e.ID] = *e
	return nil
}

func (t *memTx) CompleteOutbox(_ context.Context, id string, now time.Time) error {
	e := t.st.outbox[id]
	e.Status = model.OutboxDone
	e.Attempts++
	e.LastError = nil
	e.UpdatedAt = now
	t.st.outbox[id] = e
	return nil
}

func (t *memTx) RescheduleOutbox(_ context.Context, id string, attempts int, status, lastError string, next time.Time) error {
	e := t.st.outbox[id]
	e.Attempts = attempts
	e.Status = status
	e.LastError = &lastError
	e.NextAttemptAt = next
	t.st.outbox[id] = e
	return nil
}

func (t *memTx) InsertPublication(_ context.Context, r *model.PublicationRecord) error {
	t.st.publications = append(t.st.publications, *r)
	return nil
}

func (t *memTx) InsertAudit(_ context.Context, e model.AuditEntry) error {
	if t.store.failAudit != nil {
		return t.store.failAudit
	}
	t.st.audits = append(t.st.audits, e)
	return nil
}

// ---------- Fake MTA ----------

type fakeMTA struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	usage int64
}

func newFakeMTA() *fakeMTA {
	return &fakeMTA{fail: map[string]error{}}
}

func (m *fakeMTA) record(op, arg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+arg)
	return m.fail[op]
}

func (m *fakeMTA) callsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeMTA) CreateMailbox(_ context.Context, email string, opts mta.CreateOptions) error {
	return m.record("create", fmt.Sprintf("%s quota=%d hashed=%t", email, opts.QuotaMB, opts.PasswordHash != ""))
}

func (m *fakeMTA) DeleteMailbox(_ context.Context, email string, keepData bool) error {
	return m.record("delete", fmt.Sprintf("%s keep=%t", email, keepData))
}

func (m *fakeMTA) SetQuota(_ context.Context, email string, quotaMB int64) error {
	return m.record("quota", fmt.Sprintf("%s %d", email, quotaMB))
}

func (m *fakeMTA) GrantAccess(_ context.Context, email, delegate, rights string) error {
	return m.record("grant", fmt.Sprintf("%s %s %s", email, delegate, rights))
}

func (m *fakeMTA) RevokeAccess(_ context.Context, email, delegate string) error {
	return m.record("revoke", fmt.Sprintf("%s %s", email, delegate))
}

func (m *fakeMTA) GetMailboxUsage(_ context.Context, email string) (int64, error) {
	if err := m.record("usage", email); err != nil {
		return 0, err
	}
	return m.usage, nil
}

// ---------- Fake directory ----------

type fakeDirectory struct {
	mu       sync.Mutex
	calls    []string
	requests []annuaire.PublishRequest
	nextID   int
	fail     map[string]error
	// entries maps published addresses to their external ids.
	entries map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{fail: map[string]error{}, entries: map[string]string{}}
}

func (d *fakeDirectory) Publish(_ context.Context, req annuaire.PublishRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "publish "+req.Email)
	d.requests = append(d.requests, req)
	if err := d.fail["publish"]; err != nil {
		return "", err
	}
	d.nextID++
	id := fmt.Sprintf("BAL-%d", d.nextID)
	d.entries[req.Email] = id
	return id, nil
}

func (d *fakeDirectory) GetMailboxInfo(_ context.Context, email string) (*annuaire.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "lookup "+email)
	if err := d.fail["lookup"]; err != nil {
		return nil, err
	}
	id, ok := d.entries[email]
	if !ok {
		return nil, &annuaire.Error{Op: "get mailbox info", Kind: annuaire.KindNotFound, StatusCode: 404}
	}
	return &annuaire.Entry{ID: id, Email: email}, nil
}

func (d *fakeDirectory) Update(_ context.Context, externalID string, req annuaire.PublishRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "update "+externalID)
	d.requests = append(d.requests, req)
	return d.fail["update"]
}

// Unpublish sends no request for a mailbox without an external id, like
// the real client.
func (d *fakeDirectory) Unpublish(_ context.Context, mb *model.Mailbox) error {
	if mb.AnnuaireID == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "unpublish "+*mb.AnnuaireID)
	return d.fail["unpublish"]
}

func (d *fakeDirectory) callsSnapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDirectory) setFail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, op)
		return
	}
	d.fail[op] = err
}

// ---------- Fake cache ----------

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

// ---------- Fake notifier ----------

type countingNotifier struct {
	mu    sync.Mutex
	count int
	err   error
}

func (n *countingNotifier) OutboxReady(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return n.err
}

// ---------- Test environment ----------

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store    *memStore
	mta      *fakeMTA
	dir      *fakeDirectory
	cache    *mapCache
	notifier *countingNotifier
	clock    *testClock
	svc      *Services
}

const (
	testDomainID = "dom-1"
	testOwnerID  = "prac-1"
)

func newTestEnv(t *testing.T, mode string) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemStore(),
		mta:      newFakeMTA(),
		dir:      newFakeDirectory(),
		cache:    newMapCache(),
		notifier: &countingNotifier{},
		clock:    &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	finess := "750100018"
	env.store.domains[testDomainID] = model.Domain{
		ID:     testDomainID,
		Name:   "hopital-nord.example",
		Finess: &finess,
		Quotas: model.DomainQuotas{MaxMailboxes: 10, MaxStorageMB: 10240},
		Status: model.StatusActive,
	}
	env.store.practitioners[testOwnerID] = model.Practitioner{
		ID: testOwnerID, RPPS: "10101010101", FirstName: "Claire", LastName: "Martin", ProfessionCode: "10",
	}

	prop := NewPropagator(env.store, env.mta, env.dir, env.cache, zerolog.Nop(), PropagatorConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Minute,
		MaxBackoff:  10 * time.Minute,
		StepTimeout: time.Second,
		Lease:       5 * time.Minute,
	})
	prop.now = env.clock.Now

	env.svc = NewServices(env.store, prop, ServiceOptions{
		Mode:     mode,
		Cache:    env.cache,
		Notifier: env.notifier,
	}, zerolog.Nop())
	env.svc.Mailboxes.now = env.clock.Now
	return env
}

func ptr[T any](v T) *T { return &v }

func (env *testEnv) createPersonal(t *testing.T, email string) *MailboxResult {
	t.Helper()
	res, err := env.svc.Mailboxes.Create(context.Background(), CreateMailboxInput{
		DomainID:    testDomainID,
		Email:       email,
		Type:        model.MailboxTypePersonal,
		OwnerID:     ptr(testOwnerID),
		DisplayName: "Dr Claire Martin",
		Password:    "correct horse battery",
	})
	require.NoError(t, err)
	return res
}

var errDirectoryDown = &annuaire.Error{Op: "publish", Kind: annuaire.KindUnknown, Err: errors.New("connection refused")}
