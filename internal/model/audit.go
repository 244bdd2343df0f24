package model

// AuditEntry is written in the same transaction as the change it describes.
type AuditEntry struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     string            `json:"action"`
	Detail     map[string]string `json:"detail,omitempty"`
}
