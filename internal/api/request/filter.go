package request

import (
	"fmt"
	"net/http"
)

// MailboxListParams holds pagination and filters for mailbox listings.
type MailboxListParams struct {
	Limit  int
	Cursor string
	Status string
	Type   string
}

// ParseMailboxListParams extracts list parameters from the query string.
// Unknown status or type values are rejected rather than ignored.
func ParseMailboxListParams(r *http.Request) (MailboxListParams, error) {
	pg, err := ParsePagination(r)
	if err != nil {
		return MailboxListParams{}, err
	}
	q := r.URL.Query()
	p := MailboxListParams{
		Limit:  pg.Limit,
		Cursor: pg.Cursor,
		Status: q.Get("status"),
		Type:   q.Get("type"),
	}
	if err := validate.Var(p.Status, "omitempty,oneof=pending active suspended archived deleted"); err != nil {
		return p, fmt.Errorf("unknown status filter %q", p.Status)
	}
	if err := validate.Var(p.Type, "omitempty,oneof=personal organizational applicative"); err != nil {
		return p, fmt.Errorf("unknown type filter %q", p.Type)
	}
	return p, nil
}
