package model

// Mailbox and domain status constants.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusArchived  = "archived"
	StatusDeleted   = "deleted"
)

// Certificate status constants. Revoked is terminal.
const (
	CertStatusPending = "pending"
	CertStatusActive  = "active"
	CertStatusExpired = "expired"
	CertStatusRevoked = "revoked"
)

// mailboxTransitions lists the allowed mailbox status transitions.
// Any status may move to deleted.
var mailboxTransitions = map[string][]string{
	StatusPending:   {StatusActive, StatusDeleted},
	StatusActive:    {StatusSuspended, StatusArchived, StatusDeleted},
	StatusSuspended: {StatusActive, StatusArchived, StatusDeleted},
	StatusArchived:  {StatusDeleted},
}

// CanTransition reports whether a mailbox may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range mailboxTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OccupiesQuota reports whether a mailbox in the given status counts against
// its domain's mailbox quota.
func OccupiesQuota(status string) bool {
	return status != StatusDeleted && status != StatusArchived
}
