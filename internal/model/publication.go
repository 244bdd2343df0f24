package model

import (
	"encoding/json"
	"time"
)

// Secondary systems a mailbox is propagated to.
const (
	TargetMTA      = "mta"
	TargetAnnuaire = "annuaire"
)

// Propagation operations.
const (
	OperationCreate = "CREATE"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
	OperationGrant  = "GRANT"
	OperationRevoke = "REVOKE"
)

// Publication record statuses.
const (
	PublicationPending = "pending"
	PublicationSuccess = "success"
	PublicationError   = "error"
)

// PublicationRecord is an append-only trace of one propagation attempt.
// Retries append new rows; rows are never updated.
type PublicationRecord struct {
	ID           string          `json:"id" db:"id"`
	MailboxID    string          `json:"mailbox_id" db:"mailbox_id"`
	OutboxID     *string         `json:"outbox_id,omitempty" db:"outbox_id"`
	Target       string          `json:"target" db:"target"`
	Operation    string          `json:"operation" db:"operation"`
	Status       string          `json:"status" db:"status"`
	ExternalID   *string         `json:"external_id,omitempty" db:"external_id"`
	ResponseData json.RawMessage `json:"response_data,omitempty" db:"response_data"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	SuccessAt    *time.Time      `json:"success_at,omitempty" db:"success_at"`
}
