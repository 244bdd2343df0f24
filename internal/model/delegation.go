package model

import "time"

// Delegation rights.
const (
	RightsRead  = "read"
	RightsWrite = "write"
	RightsAdmin = "admin"
)

// Delegation grants another address access to a mailbox (e.g. a secretary
// reading a practitioner's BAL).
type Delegation struct {
	ID            string    `json:"id" db:"id"`
	MailboxID     string    `json:"mailbox_id" db:"mailbox_id"`
	DelegateEmail string    `json:"delegate_email" db:"delegate_email"`
	Rights        string    `json:"rights" db:"rights"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
