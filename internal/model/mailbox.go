package model

import (
	"strings"
	"time"
)

// Mailbox types.
const (
	MailboxTypePersonal       = "personal"
	MailboxTypeOrganizational = "organizational"
	MailboxTypeApplicative    = "applicative"
)

// Mailbox is a secure mailbox (BAL). AnnuaireID is set iff PublishedToAnnuaire.
type Mailbox struct {
	ID                  string          `json:"id" db:"id"`
	Email               string          `json:"email" db:"email"`
	Type                string          `json:"type" db:"type"`
	DomainID            string          `json:"domain_id" db:"domain_id"`
	OwnerID             *string         `json:"owner_id,omitempty" db:"owner_id"`
	DisplayName         string          `json:"display_name" db:"display_name"`
	Status              string          `json:"status" db:"status"`
	QuotaMB             int64           `json:"quota_mb" db:"quota_mb"`
	UsedMB              int64           `json:"used_mb" db:"used_mb"`
	HiddenFromDirectory bool            `json:"hidden_from_directory" db:"hidden_from_directory"`
	PublishedToAnnuaire bool            `json:"published_to_annuaire" db:"published_to_annuaire"`
	AnnuaireID          *string         `json:"annuaire_id,omitempty" db:"annuaire_id"`
	CertificateID       *string         `json:"certificate_id,omitempty" db:"certificate_id"`
	Metadata            MailboxMetadata `json:"metadata" db:"metadata"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// MailboxMetadata holds the type-specific attributes published to the
// national directory. Stored as JSON in mailboxes.metadata.
type MailboxMetadata struct {
	ServiceName string       `json:"service_name,omitempty"`
	Application *Application `json:"application,omitempty"`
}

// Application describes the software integration behind an applicative mailbox.
type Application struct {
	Name    string `json:"name"`
	Editor  string `json:"editor,omitempty"`
	Version string `json:"version,omitempty"`
}

// Publishable reports whether the mailbox should be visible in the national directory.
func (m *Mailbox) Publishable() bool {
	return m.Status == StatusActive && !m.HiddenFromDirectory
}

// LocalPart returns the part of the address before '@'.
func (m *Mailbox) LocalPart() string {
	local, _, _ := strings.Cut(m.Email, "@")
	return local
}

// EmailDomain returns the part of the address after '@'.
func (m *Mailbox) EmailDomain() string {
	_, domain, _ := strings.Cut(m.Email, "@")
	return domain
}
