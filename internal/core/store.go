package core

import (
	"context"
	"time"

	"github.com/edvin/mssante/internal/model"
)

// Store is the relational source of truth for mailboxes. Reads outside a
// transaction go through Store directly; multi-table mutations run in RunInTx.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx StoreTx) error) error

	GetDomain(ctx context.Context, id string) (*model.Domain, error)
	GetPractitioner(ctx context.Context, id string) (*model.Practitioner, error)
	GetMailbox(ctx context.Context, id string) (*model.Mailbox, error)
	ListMailboxes(ctx context.Context, domainID string, filter MailboxFilter) ([]model.Mailbox, bool, error)
	ListPublications(ctx context.Context, mailboxID string) ([]model.PublicationRecord, error)
	ListDelegations(ctx context.Context, mailboxID string) ([]model.Delegation, error)
	UpdateMailboxUsage(ctx context.Context, id string, usedMB int64) error

	// ClaimDueOutbox leases up to limit pending entries due at now by pushing
	// their next attempt to now+lease, and returns them oldest first.
	ClaimDueOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.OutboxEntry, error)
}

// StoreTx is the set of operations available inside one transaction.
type StoreTx interface {
	// LockDomain loads the domain and holds a row lock until commit, which
	// serializes quota checks for the domain.
	LockDomain(ctx context.Context, id string) (*model.Domain, error)
	CountOccupyingMailboxes(ctx context.Context, domainID string) (int, error)

	InsertMailbox(ctx context.Context, mb *model.Mailbox) error
	GetMailboxForUpdate(ctx context.Context, id string) (*model.Mailbox, error)
	UpdateMailbox(ctx context.Context, mb *model.Mailbox) error
	DeleteMailbox(ctx context.Context, id string) error
	// SetPublication records the directory state of a mailbox; a nil
	// annuaireID marks it unpublished.
	SetPublication(ctx context.Context, mailboxID string, annuaireID *string) error

	InsertDelegation(ctx context.Context, d *model.Delegation) error
	GetDelegation(ctx context.Context, id string) (*model.Delegation, error)
	DeleteDelegation(ctx context.Context, id string) error

	InsertOutbox(ctx context.Context, e *model.OutboxEntry) error
	CompleteOutbox(ctx context.Context, id string, now time.Time) error
	RescheduleOutbox(ctx context.Context, id string, attempts int, status, lastError string, next time.Time) error
	InsertPublication(ctx context.Context, rec *model.PublicationRecord) error
	InsertAudit(ctx context.Context, entry model.AuditEntry) error
}

// MailboxFilter narrows ListMailboxes. Cursor is the last id of the previous page.
type MailboxFilter struct {
	Status string
	Type   string
	Limit  int
	Cursor string
}
