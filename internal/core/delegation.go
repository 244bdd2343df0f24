package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/platform"
)

// DelegationService grants other addresses access to a mailbox.
type DelegationService struct {
	*coordinator
}

type AddDelegationInput struct {
	DelegateEmail string
	Rights        string
}

type DelegationResult struct {
	Delegation *model.Delegation   `json:"delegation,omitempty"`
	Steps      []model.StepOutcome `json:"steps"`
}

func (s *DelegationService) Add(ctx context.Context, mailboxID string, in AddDelegationInput) (*DelegationResult, error) {
	delegate := strings.ToLower(strings.TrimSpace(in.DelegateEmail))
	if err := s.validate.Var(delegate, "required,email,max=254"); err != nil {
		return nil, validationErrorf("invalid delegate address %q", in.DelegateEmail)
	}
	rights := in.Rights
	if rights == "" {
		rights = model.RightsRead
	}
	switch rights {
	case model.RightsRead, model.RightsWrite, model.RightsAdmin:
	default:
		return nil, validationErrorf("unknown rights %q", in.Rights)
	}

	d := &model.Delegation{
		ID:            platform.NewID(),
		MailboxID:     mailboxID,
		DelegateEmail: delegate,
		Rights:        rights,
		CreatedAt:     s.now().UTC(),
	}

	var entries []model.OutboxEntry
	err := s.store.RunInTx(ctx, func(tx StoreTx) error {
		mb, err := tx.GetMailboxForUpdate(ctx, mailboxID)
		if err != nil {
			return err
		}
		if mb.Status == model.StatusArchived || mb.Status == model.StatusDeleted {
			return validationErrorf("mailbox %s is %s", mb.Email, mb.Status)
		}
		if mb.Email == delegate {
			return validationErrorf("a mailbox cannot be delegated to itself")
		}

		if err := tx.InsertDelegation(ctx, d); err != nil {
			return err
		}

		batch := s.newBatch(tx, d.CreatedAt)
		if err := batch.add(ctx, mailboxID, model.TargetMTA, model.OperationGrant, model.OutboxPayload{
			Mailbox:       *mb,
			DelegateEmail: delegate,
			Rights:        rights,
		}); err != nil {
			return err
		}
		entries = batch.entries

		return s.audit(ctx, tx, "delegation", d.ID, "grant", map[string]string{
			"mailbox_id": mailboxID,
			"delegate":   delegate,
			"rights":     rights,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("add delegation on mailbox %s: %w", mailboxID, err)
	}

	return &DelegationResult{Delegation: d, Steps: s.propagate(ctx, entries)}, nil
}

func (s *DelegationService) Remove(ctx context.Context, mailboxID, delegationID string) (*DelegationResult, error) {
	var removed *model.Delegation
	var entries []model.OutboxEntry
	err := s.store.RunInTx(ctx, func(tx StoreTx) error {
		mb, err := tx.GetMailboxForUpdate(ctx, mailboxID)
		if err != nil {
			return err
		}
		d, err := tx.GetDelegation(ctx, delegationID)
		if err != nil {
			return err
		}
		if d.MailboxID != mailboxID {
			return fmt.Errorf("delegation %s: %w", delegationID, ErrNotFound)
		}
		if err := tx.DeleteDelegation(ctx, delegationID); err != nil {
			return err
		}
		removed = d

		batch := s.newBatch(tx, s.now().UTC())
		if err := batch.add(ctx, mailboxID, model.TargetMTA, model.OperationRevoke, model.OutboxPayload{
			Mailbox:       *mb,
			DelegateEmail: d.DelegateEmail,
		}); err != nil {
			return err
		}
		entries = batch.entries

		return s.audit(ctx, tx, "delegation", delegationID, "revoke", map[string]string{
			"mailbox_id": mailboxID,
			"delegate":   d.DelegateEmail,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("remove delegation %s: %w", delegationID, err)
	}

	return &DelegationResult{Delegation: removed, Steps: s.propagate(ctx, entries)}, nil
}

func (s *DelegationService) List(ctx context.Context, mailboxID string) ([]model.Delegation, error) {
	if _, err := s.store.GetMailbox(ctx, mailboxID); err != nil {
		return nil, err
	}
	return s.store.ListDelegations(ctx, mailboxID)
}
