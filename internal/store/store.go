package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/model"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements core.Store on PostgreSQL.
type Store struct {
	db DB
	q  queries
}

var _ core.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db, q: queries{db: db}}
}

// RunInTx runs fn in a single transaction; any error rolls it back.
func (s *Store) RunInTx(ctx context.Context, fn func(tx core.StoreTx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&txStore{queries{db: tx}})
	})
}

func (s *Store) GetDomain(ctx context.Context, id string) (*model.Domain, error) {
	return s.q.getDomain(ctx, id, "")
}

func (s *Store) GetPractitioner(ctx context.Context, id string) (*model.Practitioner, error) {
	var p model.Practitioner
	err := s.db.QueryRow(ctx,
		`SELECT id, rpps, first_name, last_name, profession_code, specialty_code
		 FROM practitioners WHERE id = $1`, id,
	).Scan(&p.ID, &p.RPPS, &p.FirstName, &p.LastName, &p.ProfessionCode, &p.SpecialtyCode)
	if err != nil {
		return nil, fmt.Errorf("get practitioner %s: %w", id, mapError(err))
	}
	return &p, nil
}

func (s *Store) GetMailbox(ctx context.Context, id string) (*model.Mailbox, error) {
	return s.q.getMailbox(ctx, id, "")
}

func (s *Store) ListMailboxes(ctx context.Context, domainID string, f core.MailboxFilter) ([]model.Mailbox, bool, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE domain_id = $1`
	args := []any{domainID}
	argIdx := 2

	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, argIdx)
		args = append(args, f.Type)
		argIdx++
	}
	if f.Cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, f.Cursor)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, argIdx)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []model.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, *mb)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate mailboxes: %w", err)
	}

	hasMore := len(mailboxes) > limit
	if hasMore {
		mailboxes = mailboxes[:limit]
	}
	return mailboxes, hasMore, nil
}

func (s *Store) ListPublications(ctx context.Context, mailboxID string) ([]model.PublicationRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, mailbox_id, outbox_id, target, operation, status, external_id,
		        response_data, error_message, created_at, success_at
		 FROM annuaire_publications WHERE mailbox_id = $1 ORDER BY created_at, id`, mailboxID,
	)
	if err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	defer rows.Close()

	var records []model.PublicationRecord
	for rows.Next() {
		var r model.PublicationRecord
		if err := rows.Scan(&r.ID, &r.MailboxID, &r.OutboxID, &r.Target, &r.Operation, &r.Status,
			&r.ExternalID, &r.ResponseData, &r.ErrorMessage, &r.CreatedAt, &r.SuccessAt); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publications: %w", err)
	}
	return records, nil
}

func (s *Store) ListDelegations(ctx context.Context, mailboxID string) ([]model.Delegation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, mailbox_id, delegate_email, rights, created_at
		 FROM mailbox_delegations WHERE mailbox_id = $1 ORDER BY delegate_email`, mailboxID,
	)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var delegations []model.Delegation
	for rows.Next() {
		var d model.Delegation
		if err := rows.Scan(&d.ID, &d.MailboxID, &d.DelegateEmail, &d.Rights, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		delegations = append(delegations, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegations: %w", err)
	}
	return delegations, nil
}

func (s *Store) UpdateMailboxUsage(ctx context.Context, id string, usedMB int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE mailboxes SET used_mb = $2, updated_at = now() WHERE id = $1`, id, usedMB)
	if err != nil {
		return fmt.Errorf("update mailbox usage %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update mailbox usage %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// ClaimDueOutbox leases due entries in one statement so no row lock is held
// while the caller dispatches them.
func (s *Store) ClaimDueOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.OutboxEntry, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE mailbox_outbox SET next_attempt_at = $2, updated_at = $1
		 WHERE id IN (
		     SELECT id FROM mailbox_outbox
		     WHERE status = 'pending' AND next_attempt_at <= $1
		     ORDER BY created_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		if err := rows.Scan(&e.ID, &e.MailboxID, &e.Target, &e.Operation, &e.Payload, &e.Status,
			&e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}

	sortOutbox(entries)
	return entries, nil
}

// mapError translates driver errors into the core taxonomy.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", core.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: missing %s", core.ErrValidation, pgErr.ConstraintName)
		}
	}
	return err
}
