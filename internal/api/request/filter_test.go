package request

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMailboxListParams(t *testing.T) {
	r := httptest.NewRequest("GET", "/domains/d/mailboxes?status=suspended&type=organizational&limit=10&cursor=mb-9", nil)

	p, err := ParseMailboxListParams(r)
	require.NoError(t, err)
	assert.Equal(t, MailboxListParams{Limit: 10, Cursor: "mb-9", Status: "suspended", Type: "organizational"}, p)
}

func TestParseMailboxListParams_Rejects(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"?status=frozen", "unknown status filter"},
		{"?type=shared", "unknown type filter"},
		{"?limit=x", "invalid limit"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, err := ParseMailboxListParams(httptest.NewRequest("GET", "/domains/d/mailboxes"+tt.query, nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
