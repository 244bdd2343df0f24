package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/model"
)

// CertificateStore is the part of the vault the sweeps need.
type CertificateStore interface {
	SweepExpired(ctx context.Context) ([]string, error)
	ListExpiring(ctx context.Context, within time.Duration) ([]model.Certificate, error)
}

// CertificateActivity contains activities for certificate lifecycle sweeps.
type CertificateActivity struct {
	vault  CertificateStore
	logger zerolog.Logger
}

// NewCertificateActivity creates a new CertificateActivity struct.
func NewCertificateActivity(vault CertificateStore, logger zerolog.Logger) *CertificateActivity {
	return &CertificateActivity{
		vault:  vault,
		logger: logger.With().Str("component", "certificate-activity").Logger(),
	}
}

// ExpiringCert is the summary of a certificate close to expiry.
type ExpiringCert struct {
	ID           string    `json:"id"`
	DomainID     string    `json:"domain_id"`
	MailboxID    *string   `json:"mailbox_id,omitempty"`
	Type         string    `json:"type"`
	SerialNumber string    `json:"serial_number"`
	Subject      string    `json:"subject"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SweepExpiredCertificates marks certificates past expiry as expired and
// returns their ids.
func (a *CertificateActivity) SweepExpiredCertificates(ctx context.Context) ([]string, error) {
	ids, err := a.vault.SweepExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep expired certificates: %w", err)
	}
	if len(ids) > 0 {
		a.logger.Info().Int("count", len(ids)).Strs("certificate_ids", ids).Msg("certificates expired")
	}
	return ids, nil
}

// ListExpiringCertificates returns active certificates expiring within the
// given number of days.
func (a *CertificateActivity) ListExpiringCertificates(ctx context.Context, withinDays int) ([]ExpiringCert, error) {
	if withinDays <= 0 {
		return nil, fmt.Errorf("%w: withinDays must be positive, got %d", core.ErrValidation, withinDays)
	}
	certs, err := a.vault.ListExpiring(ctx, time.Duration(withinDays)*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("list expiring certificates: %w", err)
	}

	out := make([]ExpiringCert, 0, len(certs))
	for _, c := range certs {
		out = append(out, ExpiringCert{
			ID:           c.ID,
			DomainID:     c.DomainID,
			MailboxID:    c.MailboxID,
			Type:         c.Type,
			SerialNumber: c.SerialNumber,
			Subject:      c.Subject,
			ExpiresAt:    c.ExpiresAt,
		})
	}
	return out, nil
}
