package core

import (
	"context"

	"github.com/edvin/mssante/internal/model"
)

// QuotaProvider returns the maximum number of occupying mailboxes for a
// domain. Zero means unlimited.
type QuotaProvider interface {
	MaxMailboxes(ctx context.Context, domain *model.Domain) (int, error)
}

// DomainQuotas reads the limit stored on the domain row, with optional
// per-domain overrides taking precedence.
type DomainQuotas struct {
	Overrides map[string]int
}

func (q DomainQuotas) MaxMailboxes(_ context.Context, domain *model.Domain) (int, error) {
	if n, ok := q.Overrides[domain.ID]; ok {
		return n, nil
	}
	return domain.Quotas.MaxMailboxes, nil
}
