package model

import "time"

// Domain is an organization owning secure mailboxes (a health facility,
// a practice, a software vendor).
type Domain struct {
	ID        string       `json:"id" db:"id"`
	Name      string       `json:"name" db:"name"`
	Finess    *string      `json:"finess,omitempty" db:"finess"`
	Siret     *string      `json:"siret,omitempty" db:"siret"`
	Quotas    DomainQuotas `json:"quotas" db:"quotas"`
	Status    string       `json:"status" db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// DomainQuotas is stored as JSON in domains.quotas. Zero means unlimited.
type DomainQuotas struct {
	MaxMailboxes int   `json:"max_mailboxes"`
	MaxStorageMB int64 `json:"max_storage_mb"`
}
