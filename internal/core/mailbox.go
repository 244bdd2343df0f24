package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/mta"
	"github.com/edvin/mssante/internal/platform"
)

const (
	defaultQuotaMB    = 1024
	minPasswordLength = 12
)

// MailboxService provisions mailboxes and keeps the MTA and the national
// directory in step with the store.
type MailboxService struct {
	*coordinator
}

type CreateMailboxInput struct {
	DomainID            string
	Email               string
	Type                string
	OwnerID             *string
	DisplayName         string
	QuotaMB             int64
	Password            string
	HiddenFromDirectory bool
	CertificateID       *string
	Metadata            model.MailboxMetadata
}

// UpdateMailboxInput holds the fields to change; nil fields are left alone.
type UpdateMailboxInput struct {
	DisplayName         *string
	Status              *string
	QuotaMB             *int64
	HiddenFromDirectory *bool
	CertificateID       *string
	Metadata            *model.MailboxMetadata
}

func (in UpdateMailboxInput) empty() bool {
	return in.DisplayName == nil && in.Status == nil && in.QuotaMB == nil &&
		in.HiddenFromDirectory == nil && in.CertificateID == nil && in.Metadata == nil
}

type DeleteOptions struct {
	Permanent bool
	KeepData  bool
}

// MailboxResult is the committed mailbox plus the outcome of each secondary step.
type MailboxResult struct {
	Mailbox *model.Mailbox      `json:"mailbox"`
	Steps   []model.StepOutcome `json:"steps"`
}

func (s *MailboxService) Create(ctx context.Context, in CreateMailboxInput) (*MailboxResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		return nil, validationErrorf("invalid email address %q", in.Email)
	}
	local, emailDomain, _ := strings.Cut(email, "@")
	if local == "" || emailDomain == "" {
		return nil, validationErrorf("invalid email address %q", in.Email)
	}

	domain, err := s.store.GetDomain(ctx, in.DomainID)
	if err != nil {
		return nil, fmt.Errorf("create mailbox: %w", err)
	}
	if !inDomain(emailDomain, domain.Name) {
		return nil, validationErrorf("address %s is outside domain %s", email, domain.Name)
	}

	if err := s.checkTypeRequirements(ctx, in.Type, in.OwnerID, in.Metadata); err != nil {
		return nil, err
	}

	quota := in.QuotaMB
	if quota == 0 {
		quota = defaultQuotaMB
	}
	if err := checkStorageQuota(quota, domain); err != nil {
		return nil, err
	}

	var passwordHash string
	if in.Password != "" {
		if len(in.Password) < minPasswordLength {
			return nil, validationErrorf("password must be at least %d characters", minPasswordLength)
		}
		if passwordHash, err = mta.HashPassword(in.Password); err != nil {
			return nil, fmt.Errorf("create mailbox: %w", err)
		}
	}

	now := s.now().UTC()
	mb := &model.Mailbox{
		ID:                  platform.NewID(),
		Email:               email,
		Type:                in.Type,
		DomainID:            domain.ID,
		OwnerID:             in.OwnerID,
		DisplayName:         strings.TrimSpace(in.DisplayName),
		Status:              initialStatus(in.Type),
		QuotaMB:             quota,
		HiddenFromDirectory: in.HiddenFromDirectory,
		CertificateID:       in.CertificateID,
		Metadata:            in.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	var entries []model.OutboxEntry
	err = s.store.RunInTx(ctx, func(tx StoreTx) error {
		d, err := tx.LockDomain(ctx, domain.ID)
		if err != nil {
			return err
		}
		if d.Status != model.StatusActive {
			return validationErrorf("domain %s is %s", d.Name, d.Status)
		}

		limit, err := s.quotas.MaxMailboxes(ctx, d)
		if err != nil {
			return fmt.Errorf("read mailbox quota: %w", err)
		}
		if limit > 0 {
			count, err := tx.CountOccupyingMailboxes(ctx, d.ID)
			if err != nil {
				return err
			}
			if count >= limit {
				return fmt.Errorf("%w: domain %s allows %d mailboxes", ErrQuotaExceeded, d.Name, limit)
			}
		}

		if err := tx.InsertMailbox(ctx, mb); err != nil {
			return err
		}

		batch := s.newBatch(tx, now)
		if err := batch.add(ctx, mb.ID, model.TargetMTA, model.OperationCreate,
			model.OutboxPayload{Mailbox: *mb, PasswordHash: passwordHash}); err != nil {
			return err
		}
		if mb.Publishable() {
			if err := batch.add(ctx, mb.ID, model.TargetAnnuaire, model.OperationCreate,
				model.OutboxPayload{Mailbox: *mb}); err != nil {
				return err
			}
		}
		entries = batch.entries

		return s.audit(ctx, tx, "mailbox", mb.ID, "create", map[string]string{
			"email": mb.Email,
			"type":  mb.Type,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create mailbox %s: %w", email, err)
	}

	s.logger.Info().Str("mailbox_id", mb.ID).Str("email", mb.Email).Str("type", mb.Type).Msg("mailbox created")
	return s.finish(ctx, mb, entries), nil
}

func (s *MailboxService) Update(ctx context.Context, id string, in UpdateMailboxInput) (*MailboxResult, error) {
	if in.empty() {
		return nil, validationErrorf("no fields to update")
	}

	var after model.Mailbox
	var entries []model.OutboxEntry
	err := s.store.RunInTx(ctx, func(tx StoreTx) error {
		before, err := tx.GetMailboxForUpdate(ctx, id)
		if err != nil {
			return err
		}
		after = *before
		changes := map[string]string{}

		if in.Status != nil && *in.Status != before.Status {
			if !model.CanTransition(before.Status, *in.Status) {
				return validationErrorf("cannot move mailbox from %s to %s", before.Status, *in.Status)
			}
			after.Status = *in.Status
			changes["status"] = before.Status + "->" + after.Status
		}
		if in.DisplayName != nil {
			after.DisplayName = strings.TrimSpace(*in.DisplayName)
		}
		if in.HiddenFromDirectory != nil {
			after.HiddenFromDirectory = *in.HiddenFromDirectory
			changes["hidden_from_directory"] = strconv.FormatBool(after.HiddenFromDirectory)
		}
		if in.CertificateID != nil {
			if *in.CertificateID == "" {
				after.CertificateID = nil
			} else {
				after.CertificateID = in.CertificateID
			}
		}
		if in.Metadata != nil {
			if err := checkMetadata(after.Type, *in.Metadata); err != nil {
				return err
			}
			after.Metadata = *in.Metadata
		}
		if in.QuotaMB != nil && *in.QuotaMB != before.QuotaMB {
			d, err := tx.LockDomain(ctx, before.DomainID)
			if err != nil {
				return err
			}
			if err := checkStorageQuota(*in.QuotaMB, d); err != nil {
				return err
			}
			after.QuotaMB = *in.QuotaMB
			changes["quota_mb"] = strconv.FormatInt(after.QuotaMB, 10)
		}
		if after.Type == model.MailboxTypeApplicative && after.Status == model.StatusActive &&
			before.Status != model.StatusActive && after.CertificateID == nil {
			return validationErrorf("applicative mailbox needs a certificate before activation")
		}

		after.UpdatedAt = s.now().UTC()
		if err := tx.UpdateMailbox(ctx, &after); err != nil {
			return err
		}

		batch := s.newBatch(tx, after.UpdatedAt)
		dirChanged := directoryFieldsChanged(before, &after)
		switch {
		case before.PublishedToAnnuaire && !after.Publishable():
			err = batch.add(ctx, id, model.TargetAnnuaire, model.OperationDelete, model.OutboxPayload{Mailbox: *before})
		case !before.PublishedToAnnuaire && after.Publishable() && (!before.Publishable() || dirChanged):
			err = batch.add(ctx, id, model.TargetAnnuaire, model.OperationCreate, model.OutboxPayload{Mailbox: after})
		case before.PublishedToAnnuaire && after.Publishable() && dirChanged:
			err = batch.add(ctx, id, model.TargetAnnuaire, model.OperationUpdate, model.OutboxPayload{Mailbox: after})
		}
		if err != nil {
			return err
		}
		if after.QuotaMB != before.QuotaMB {
			if err := batch.add(ctx, id, model.TargetMTA, model.OperationUpdate, model.OutboxPayload{Mailbox: after}); err != nil {
				return err
			}
		}
		entries = batch.entries

		return s.audit(ctx, tx, "mailbox", id, "update", changes)
	})
	if err != nil {
		return nil, fmt.Errorf("update mailbox %s: %w", id, err)
	}

	invalidate(ctx, s.cache, s.logger, MailboxCacheKey(id))
	return s.finish(ctx, &after, entries), nil
}

// Delete soft-deletes a mailbox, or removes the row and the physical mailbox
// when opts.Permanent is set. A published mailbox is withdrawn from the
// directory either way.
func (s *MailboxService) Delete(ctx context.Context, id string, opts DeleteOptions) (*MailboxResult, error) {
	var snapshot model.Mailbox
	var entries []model.OutboxEntry
	err := s.store.RunInTx(ctx, func(tx StoreTx) error {
		before, err := tx.GetMailboxForUpdate(ctx, id)
		if err != nil {
			return err
		}
		snapshot = *before
		snapshot.Status = model.StatusDeleted

		// Repeating a soft delete only retries a withdrawal that never landed.
		repeat := !opts.Permanent && before.Status == model.StatusDeleted
		if repeat && !before.PublishedToAnnuaire {
			return nil
		}

		now := s.now().UTC()
		snapshot.UpdatedAt = now
		batch := s.newBatch(tx, now)
		if opts.Permanent {
			if err := tx.DeleteMailbox(ctx, id); err != nil {
				return err
			}
			if err := batch.add(ctx, id, model.TargetMTA, model.OperationDelete,
				model.OutboxPayload{Mailbox: *before, KeepData: opts.KeepData}); err != nil {
				return err
			}
		} else if !repeat {
			if err := tx.UpdateMailbox(ctx, &snapshot); err != nil {
				return err
			}
		}

		if before.PublishedToAnnuaire {
			if err := batch.add(ctx, id, model.TargetAnnuaire, model.OperationDelete,
				model.OutboxPayload{Mailbox: *before}); err != nil {
				return err
			}
		}
		entries = batch.entries

		action := "delete"
		if opts.Permanent {
			action = "purge"
		}
		return s.audit(ctx, tx, "mailbox", id, action, map[string]string{
			"email":     before.Email,
			"keep_data": strconv.FormatBool(opts.KeepData),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("delete mailbox %s: %w", id, err)
	}

	invalidate(ctx, s.cache, s.logger, MailboxCacheKey(id))
	s.logger.Info().Str("mailbox_id", id).Bool("permanent", opts.Permanent).Msg("mailbox deleted")

	steps := s.propagate(ctx, entries)
	if !opts.Permanent {
		if current, err := s.store.GetMailbox(ctx, id); err == nil {
			snapshot = *current
		}
	}
	return &MailboxResult{Mailbox: &snapshot, Steps: steps}, nil
}

// Get reads through the cache.
func (s *MailboxService) Get(ctx context.Context, id string) (*model.Mailbox, error) {
	return cachedLoad(ctx, s.cache, s.logger, MailboxCacheKey(id), s.cacheTTL, func() (*model.Mailbox, error) {
		return s.store.GetMailbox(ctx, id)
	})
}

// GetDomain reads through the cache.
func (s *MailboxService) GetDomain(ctx context.Context, id string) (*model.Domain, error) {
	return cachedLoad(ctx, s.cache, s.logger, DomainCacheKey(id), s.cacheTTL, func() (*model.Domain, error) {
		return s.store.GetDomain(ctx, id)
	})
}

func (s *MailboxService) List(ctx context.Context, domainID string, filter MailboxFilter) ([]model.Mailbox, bool, error) {
	if _, err := s.GetDomain(ctx, domainID); err != nil {
		return nil, false, err
	}
	return s.store.ListMailboxes(ctx, domainID, filter)
}

// ListPublications returns the propagation history, oldest first. History
// outlives permanently deleted mailboxes.
func (s *MailboxService) ListPublications(ctx context.Context, id string) ([]model.PublicationRecord, error) {
	return s.store.ListPublications(ctx, id)
}

// RefreshUsage reads the mailbox's storage usage from the MTA and stores it.
func (s *MailboxService) RefreshUsage(ctx context.Context, id string) (*model.Mailbox, error) {
	mb, err := s.store.GetMailbox(ctx, id)
	if err != nil {
		return nil, err
	}
	used, err := s.propagator.mta.GetMailboxUsage(ctx, mb.Email)
	if err != nil {
		return nil, &ExternalSystemError{System: SystemMTA, Cause: err}
	}
	if err := s.store.UpdateMailboxUsage(ctx, id, used); err != nil {
		return nil, err
	}
	invalidate(ctx, s.cache, s.logger, MailboxCacheKey(id))
	mb.UsedMB = used
	return mb, nil
}

// finish propagates committed entries and reloads the mailbox so the
// directory state reflects what propagation achieved.
func (s *MailboxService) finish(ctx context.Context, mb *model.Mailbox, entries []model.OutboxEntry) *MailboxResult {
	steps := s.propagate(ctx, entries)
	if current, err := s.store.GetMailbox(ctx, mb.ID); err == nil {
		mb = current
	} else if !errors.Is(err, ErrNotFound) {
		s.logger.Warn().Err(err).Str("mailbox_id", mb.ID).Msg("failed to reload mailbox after propagation")
	}
	return &MailboxResult{Mailbox: mb, Steps: steps}
}

func (s *MailboxService) checkTypeRequirements(ctx context.Context, typ string, ownerID *string, meta model.MailboxMetadata) error {
	if typ == model.MailboxTypePersonal {
		if ownerID == nil || *ownerID == "" {
			return validationErrorf("personal mailbox requires an owner")
		}
		if _, err := s.store.GetPractitioner(ctx, *ownerID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return validationErrorf("owner %s is not a known practitioner", *ownerID)
			}
			return err
		}
	}
	return checkMetadata(typ, meta)
}

func checkMetadata(typ string, meta model.MailboxMetadata) error {
	switch typ {
	case model.MailboxTypePersonal:
	case model.MailboxTypeOrganizational:
		if strings.TrimSpace(meta.ServiceName) == "" {
			return validationErrorf("organizational mailbox requires a service name")
		}
	case model.MailboxTypeApplicative:
		if meta.Application == nil || strings.TrimSpace(meta.Application.Name) == "" {
			return validationErrorf("applicative mailbox requires an application name")
		}
	default:
		return validationErrorf("unknown mailbox type %q", typ)
	}
	return nil
}

func checkStorageQuota(quotaMB int64, domain *model.Domain) error {
	if quotaMB <= 0 {
		return validationErrorf("quota must be positive")
	}
	if domain.Quotas.MaxStorageMB > 0 && quotaMB > domain.Quotas.MaxStorageMB {
		return validationErrorf("quota %d MB exceeds the domain limit of %d MB", quotaMB, domain.Quotas.MaxStorageMB)
	}
	return nil
}

// initialStatus: applicative mailboxes wait for their certificate.
func initialStatus(typ string) string {
	if typ == model.MailboxTypeApplicative {
		return model.StatusPending
	}
	return model.StatusActive
}

// inDomain reports whether emailDomain is name or one of its subdomains.
func inDomain(emailDomain, name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	return emailDomain == name || strings.HasSuffix(emailDomain, "."+name)
}

func directoryFieldsChanged(a, b *model.Mailbox) bool {
	if a.DisplayName != b.DisplayName || a.Metadata.ServiceName != b.Metadata.ServiceName {
		return true
	}
	aa, ba := a.Metadata.Application, b.Metadata.Application
	if (aa == nil) != (ba == nil) {
		return true
	}
	return aa != nil && *aa != *ba
}
