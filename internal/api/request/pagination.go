package request

import (
	"fmt"
	"net/http"
	"strconv"
)

// Pagination holds parsed cursor pagination parameters. The cursor is the
// ID of the last item of the previous page.
type Pagination struct {
	Limit  int
	Cursor string
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ParsePagination reads limit and cursor from the query string. A limit
// above MaxLimit is clamped; a malformed or non-positive one is rejected.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{
		Limit:  DefaultLimit,
		Cursor: r.URL.Query().Get("cursor"),
	}

	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return p, fmt.Errorf("invalid limit %q", s)
		}
		p.Limit = min(limit, MaxLimit)
	}

	return p, nil
}
