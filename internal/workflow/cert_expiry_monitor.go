package workflow

import (
	"fmt"
	"math"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/edvin/mssante/internal/activity"
)

// DefaultExpiryWindowDays is the look-ahead used by the daily expiry check.
const DefaultExpiryWindowDays = 30

// ExpiryWarning is one certificate reported by the expiry check.
type ExpiryWarning struct {
	CertificateID string `json:"certificate_id"`
	DaysLeft      int    `json:"days_left"`
	Severity      string `json:"severity"`
}

// CheckCertificateExpiryWorkflow runs daily and reports active certificates
// expiring within withinDays. Severity: warning above 7 days, critical at 7
// days or less. An expired directory client certificate stops publication,
// so these warnings are meant to be alerted on.
func CheckCertificateExpiryWorkflow(ctx workflow.Context, withinDays int) ([]ExpiryWarning, error) {
	if withinDays <= 0 {
		withinDays = DefaultExpiryWindowDays
	}
	ctx = localActivityCtx(ctx, 30*time.Second)

	var expiring []activity.ExpiringCert
	if err := workflow.ExecuteActivity(ctx, "ListExpiringCertificates", withinDays).Get(ctx, &expiring); err != nil {
		return nil, fmt.Errorf("list expiring certificates: %w", err)
	}

	logger := workflow.GetLogger(ctx)
	now := workflow.Now(ctx)

	warnings := make([]ExpiryWarning, 0, len(expiring))
	for _, cert := range expiring {
		daysLeft := int(math.Ceil(cert.ExpiresAt.Sub(now).Hours() / 24))

		severity := "warning"
		if daysLeft <= 7 {
			severity = "critical"
		}

		logger.Warn("certificate expires soon",
			"certID", cert.ID,
			"type", cert.Type,
			"domainID", cert.DomainID,
			"serial", cert.SerialNumber,
			"expiresAt", cert.ExpiresAt.Format(time.RFC3339),
			"daysLeft", daysLeft,
			"severity", severity,
		)
		warnings = append(warnings, ExpiryWarning{CertificateID: cert.ID, DaysLeft: daysLeft, Severity: severity})
	}
	return warnings, nil
}
