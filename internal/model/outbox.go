package model

import (
	"encoding/json"
	"time"
)

// Outbox entry statuses.
const (
	OutboxPending = "pending"
	OutboxDone    = "done"
	OutboxFailed  = "failed"
)

// OutboxEntry is an intended side effect on a secondary system, written in
// the same transaction as the mailbox change that requires it.
type OutboxEntry struct {
	ID            string          `json:"id" db:"id"`
	MailboxID     string          `json:"mailbox_id" db:"mailbox_id"`
	Target        string          `json:"target" db:"target"`
	Operation     string          `json:"operation" db:"operation"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        string          `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// OutboxPayload is the JSON snapshot carried by an outbox entry. It holds
// what the step needs even after the mailbox row is gone.
type OutboxPayload struct {
	Mailbox       Mailbox `json:"mailbox"`
	PasswordHash  string  `json:"password_hash,omitempty"`
	KeepData      bool    `json:"keep_data,omitempty"`
	DelegateEmail string  `json:"delegate_email,omitempty"`
	Rights        string  `json:"rights,omitempty"`
}

// StepOutcome summarizes one propagation attempt for API callers.
type StepOutcome struct {
	OutboxID   string  `json:"outbox_id"`
	Target     string  `json:"target"`
	Operation  string  `json:"operation"`
	Status     string  `json:"status"`
	ExternalID *string `json:"external_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}
