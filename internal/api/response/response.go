package response

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes v with the given status. Responses carry mailbox and
// certificate data and must not be cached by intermediaries.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// ListResponse wraps an unpaginated list.
type ListResponse[T any] struct {
	Items []T `json:"items"`
}

// WriteList writes items as {"items": [...]}; a nil slice is sent as [].
func WriteList[T any](w http.ResponseWriter, status int, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, status, ListResponse[T]{Items: items})
}

// PaginatedResponse wraps a list with pagination metadata.
type PaginatedResponse struct {
	Items      any    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// WritePaginated writes a cursor-paginated list. The cursor is the ID of
// the last item when more results follow.
func WritePaginated[T any](w http.ResponseWriter, status int, items []T, cursor func(T) string, hasMore bool) {
	if items == nil {
		items = []T{}
	}
	var next string
	if hasMore && len(items) > 0 {
		next = cursor(items[len(items)-1])
	}
	WriteJSON(w, status, PaginatedResponse{
		Items:      items,
		NextCursor: next,
		HasMore:    hasMore,
	})
}
