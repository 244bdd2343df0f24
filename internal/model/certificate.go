package model

import "time"

// Certificate types.
const (
	CertTypeDomain   = "domain"
	CertTypeMailbox  = "mailbox"
	CertTypeAnnuaire = "annuaire_client"
)

// Certificate is PKI material held by the vault. EncryptedPrivateKey is an
// envelope-encrypted blob and never leaves the vault in plaintext.
type Certificate struct {
	ID                  string     `json:"id" db:"id"`
	DomainID            string     `json:"domain_id" db:"domain_id"`
	MailboxID           *string    `json:"mailbox_id,omitempty" db:"mailbox_id"`
	Type                string     `json:"type" db:"type"`
	SerialNumber        string     `json:"serial_number" db:"serial_number"`
	Subject             string     `json:"subject" db:"subject"`
	FingerprintSHA256   string     `json:"fingerprint_sha256" db:"fingerprint_sha256"`
	CertificatePEM      string     `json:"certificate_pem" db:"certificate_pem"`
	EncryptedPrivateKey string     `json:"-" db:"encrypted_private_key"`
	KeyID               string     `json:"key_id" db:"key_id"`
	Status              string     `json:"status" db:"status"`
	IssuedAt            time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt           time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevocationReason    *string    `json:"revocation_reason,omitempty" db:"revocation_reason"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}
