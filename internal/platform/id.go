package platform

import (
	"github.com/google/uuid"
)

// NewID returns a UUIDv7. IDs sort by creation time, which keeps cursor
// pagination on id stable for rows inserted while a client pages.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
