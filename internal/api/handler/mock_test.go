package handler

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/mssante/internal/annuaire"
	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/vault"
)

type mockMailboxService struct {
	mock.Mock
}

func (m *mockMailboxService) Create(ctx context.Context, in core.CreateMailboxInput) (*core.MailboxResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.MailboxResult), args.Error(1)
}

func (m *mockMailboxService) Get(ctx context.Context, id string) (*model.Mailbox, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Mailbox), args.Error(1)
}

func (m *mockMailboxService) Update(ctx context.Context, id string, in core.UpdateMailboxInput) (*core.MailboxResult, error) {
	args := m.Called(ctx, id, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.MailboxResult), args.Error(1)
}

func (m *mockMailboxService) Delete(ctx context.Context, id string, opts core.DeleteOptions) (*core.MailboxResult, error) {
	args := m.Called(ctx, id, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.MailboxResult), args.Error(1)
}

func (m *mockMailboxService) List(ctx context.Context, domainID string, filter core.MailboxFilter) ([]model.Mailbox, bool, error) {
	args := m.Called(ctx, domainID, filter)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]model.Mailbox), args.Bool(1), args.Error(2)
}

func (m *mockMailboxService) ListPublications(ctx context.Context, id string) ([]model.PublicationRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PublicationRecord), args.Error(1)
}

func (m *mockMailboxService) RefreshUsage(ctx context.Context, id string) (*model.Mailbox, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Mailbox), args.Error(1)
}

type mockDelegationService struct {
	mock.Mock
}

func (m *mockDelegationService) Add(ctx context.Context, mailboxID string, in core.AddDelegationInput) (*core.DelegationResult, error) {
	args := m.Called(ctx, mailboxID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.DelegationResult), args.Error(1)
}

func (m *mockDelegationService) Remove(ctx context.Context, mailboxID, delegationID string) (*core.DelegationResult, error) {
	args := m.Called(ctx, mailboxID, delegationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.DelegationResult), args.Error(1)
}

func (m *mockDelegationService) List(ctx context.Context, mailboxID string) ([]model.Delegation, error) {
	args := m.Called(ctx, mailboxID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Delegation), args.Error(1)
}

type mockVault struct {
	mock.Mock
}

func (m *mockVault) Import(ctx context.Context, in vault.ImportInput) (*model.Certificate, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Certificate), args.Error(1)
}

func (m *mockVault) Get(ctx context.Context, id string) (*model.Certificate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Certificate), args.Error(1)
}

func (m *mockVault) Activate(ctx context.Context, id string) (*model.Certificate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Certificate), args.Error(1)
}

func (m *mockVault) Revoke(ctx context.Context, id, reason string) (*model.Certificate, error) {
	args := m.Called(ctx, id, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Certificate), args.Error(1)
}

func (m *mockVault) BulkRevoke(ctx context.Context, ids []string, reason string) ([]model.Certificate, error) {
	args := m.Called(ctx, ids, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Certificate), args.Error(1)
}

func (m *mockVault) ListExpiring(ctx context.Context, within time.Duration) ([]model.Certificate, error) {
	args := m.Called(ctx, within)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Certificate), args.Error(1)
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Search(ctx context.Context, q annuaire.SearchQuery) ([]annuaire.Entry, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]annuaire.Entry), args.Error(1)
}

func (m *mockDirectory) GetMailboxInfo(ctx context.Context, email string) (*annuaire.Entry, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*annuaire.Entry), args.Error(1)
}

func (m *mockDirectory) OperatorWhitelist(ctx context.Context) ([]annuaire.Operator, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]annuaire.Operator), args.Error(1)
}
