package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/model"
)

const mailboxColumns = `id, email, type, domain_id, owner_id, display_name, status, quota_mb, used_mb,
	hidden_from_directory, published_to_annuaire, annuaire_id, certificate_id, metadata, created_at, updated_at`

const outboxColumns = `id, mailbox_id, target, operation, payload, status, attempts, last_error,
	next_attempt_at, created_at, updated_at`

// queries holds statements shared by the pool-backed Store and txStore.
type queries struct {
	db querier
}

func (q queries) getDomain(ctx context.Context, id, lock string) (*model.Domain, error) {
	var d model.Domain
	var quotas []byte
	err := q.db.QueryRow(ctx,
		`SELECT id, name, finess, siret, quotas, status, created_at, updated_at
		 FROM domains WHERE id = $1`+lock, id,
	).Scan(&d.ID, &d.Name, &d.Finess, &d.Siret, &quotas, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", id, mapError(err))
	}
	if len(quotas) > 0 {
		if err := json.Unmarshal(quotas, &d.Quotas); err != nil {
			return nil, fmt.Errorf("decode domain %s quotas: %w", id, err)
		}
	}
	return &d, nil
}

func (q queries) getMailbox(ctx context.Context, id, lock string) (*model.Mailbox, error) {
	row := q.db.QueryRow(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = $1`+lock, id)
	mb, err := scanMailbox(row)
	if err != nil {
		return nil, fmt.Errorf("get mailbox %s: %w", id, mapError(err))
	}
	return mb, nil
}

func scanMailbox(row pgx.Row) (*model.Mailbox, error) {
	var mb model.Mailbox
	var metadata []byte
	if err := row.Scan(&mb.ID, &mb.Email, &mb.Type, &mb.DomainID, &mb.OwnerID, &mb.DisplayName, &mb.Status,
		&mb.QuotaMB, &mb.UsedMB, &mb.HiddenFromDirectory, &mb.PublishedToAnnuaire, &mb.AnnuaireID,
		&mb.CertificateID, &metadata, &mb.CreatedAt, &mb.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &mb.Metadata); err != nil {
			return nil, fmt.Errorf("decode mailbox metadata: %w", err)
		}
	}
	return &mb, nil
}

func sortOutbox(entries []model.OutboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// txStore implements core.StoreTx on an open transaction.
type txStore struct {
	queries
}

var _ core.StoreTx = (*txStore)(nil)

func (t *txStore) LockDomain(ctx context.Context, id string) (*model.Domain, error) {
	return t.getDomain(ctx, id, " FOR UPDATE")
}

func (t *txStore) CountOccupyingMailboxes(ctx context.Context, domainID string) (int, error) {
	var n int
	err := t.db.QueryRow(ctx,
		`SELECT count(*) FROM mailboxes WHERE domain_id = $1 AND status NOT IN ($2, $3)`,
		domainID, model.StatusDeleted, model.StatusArchived,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mailboxes for domain %s: %w", domainID, err)
	}
	return n, nil
}

func (t *txStore) InsertMailbox(ctx context.Context, mb *model.Mailbox) error {
	metadata, err := json.Marshal(mb.Metadata)
	if err != nil {
		return fmt.Errorf("encode mailbox metadata: %w", err)
	}
	_, err = t.db.Exec(ctx,
		`INSERT INTO mailboxes (`+mailboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		mb.ID, mb.Email, mb.Type, mb.DomainID, mb.OwnerID, mb.DisplayName, mb.Status, mb.QuotaMB, mb.UsedMB,
		mb.HiddenFromDirectory, mb.PublishedToAnnuaire, mb.AnnuaireID, mb.CertificateID, metadata,
		mb.CreatedAt, mb.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mailbox %s: %w", mb.Email, mapError(err))
	}
	return nil
}

func (t *txStore) GetMailboxForUpdate(ctx context.Context, id string) (*model.Mailbox, error) {
	return t.getMailbox(ctx, id, " FOR UPDATE")
}

// UpdateMailbox writes the mutable attributes. Directory state is owned by
// SetPublication.
func (t *txStore) UpdateMailbox(ctx context.Context, mb *model.Mailbox) error {
	metadata, err := json.Marshal(mb.Metadata)
	if err != nil {
		return fmt.Errorf("encode mailbox metadata: %w", err)
	}
	tag, err := t.db.Exec(ctx,
		`UPDATE mailboxes SET display_name = $2, status = $3, quota_mb = $4, hidden_from_directory = $5,
		        certificate_id = $6, metadata = $7, updated_at = $8
		 WHERE id = $1`,
		mb.ID, mb.DisplayName, mb.Status, mb.QuotaMB, mb.HiddenFromDirectory, mb.CertificateID, metadata, mb.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update mailbox %s: %w", mb.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update mailbox %s: %w", mb.ID, core.ErrNotFound)
	}
	return nil
}

func (t *txStore) DeleteMailbox(ctx context.Context, id string) error {
	tag, err := t.db.Exec(ctx, `DELETE FROM mailboxes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete mailbox %s: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete mailbox %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (t *txStore) SetPublication(ctx context.Context, mailboxID string, annuaireID *string) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE mailboxes SET published_to_annuaire = $2, annuaire_id = $3, updated_at = now() WHERE id = $1`,
		mailboxID, annuaireID != nil, annuaireID,
	)
	if err != nil {
		return fmt.Errorf("set publication for mailbox %s: %w", mailboxID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set publication for mailbox %s: %w", mailboxID, core.ErrNotFound)
	}
	return nil
}

func (t *txStore) InsertDelegation(ctx context.Context, d *model.Delegation) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO mailbox_delegations (id, mailbox_id, delegate_email, rights, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.MailboxID, d.DelegateEmail, d.Rights, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delegation: %w", mapError(err))
	}
	return nil
}

func (t *txStore) GetDelegation(ctx context.Context, id string) (*model.Delegation, error) {
	var d model.Delegation
	err := t.db.QueryRow(ctx,
		`SELECT id, mailbox_id, delegate_email, rights, created_at
		 FROM mailbox_delegations WHERE id = $1`, id,
	).Scan(&d.ID, &d.MailboxID, &d.DelegateEmail, &d.Rights, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get delegation %s: %w", id, mapError(err))
	}
	return &d, nil
}

func (t *txStore) DeleteDelegation(ctx context.Context, id string) error {
	tag, err := t.db.Exec(ctx, `DELETE FROM mailbox_delegations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete delegation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete delegation %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (t *txStore) InsertOutbox(ctx context.Context, e *model.OutboxEntry) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO mailbox_outbox (`+outboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.MailboxID, e.Target, e.Operation, e.Payload, e.Status, e.Attempts, e.LastError,
		e.NextAttemptAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", mapError(err))
	}
	return nil
}

func (t *txStore) CompleteOutbox(ctx context.Context, id string, now time.Time) error {
	_, err := t.db.Exec(ctx,
		`UPDATE mailbox_outbox SET status = $2, attempts = attempts + 1, last_error = NULL, updated_at = $3
		 WHERE id = $1`,
		id, model.OutboxDone, now,
	)
	if err != nil {
		return fmt.Errorf("complete outbox entry %s: %w", id, err)
	}
	return nil
}

func (t *txStore) RescheduleOutbox(ctx context.Context, id string, attempts int, status, lastError string, next time.Time) error {
	_, err := t.db.Exec(ctx,
		`UPDATE mailbox_outbox SET status = $2, attempts = $3, last_error = $4, next_attempt_at = $5, updated_at = now()
		 WHERE id = $1`,
		id, status, attempts, lastError, next,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox entry %s: %w", id, err)
	}
	return nil
}

func (t *txStore) InsertPublication(ctx context.Context, r *model.PublicationRecord) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO annuaire_publications (id, mailbox_id, outbox_id, target, operation, status, external_id,
		        response_data, error_message, created_at, success_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.MailboxID, r.OutboxID, r.Target, r.Operation, r.Status, r.ExternalID,
		nullJSON(r.ResponseData), r.ErrorMessage, r.CreatedAt, r.SuccessAt,
	)
	if err != nil {
		return fmt.Errorf("insert publication record: %w", err)
	}
	return nil
}

func (t *txStore) InsertAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO audit_events (entity_type, entity_id, action, detail) VALUES ($1, $2, $3, $4)`,
		e.EntityType, e.EntityID, e.Action, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
