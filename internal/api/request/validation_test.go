package request

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireID_Valid(t *testing.T) {
	result, err := RequireID("550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", result)
}

func TestRequireID_Empty(t *testing.T) {
	_, err := RequireID("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required ID")
}

func decode(t *testing.T, body string, v any) error {
	t.Helper()
	r, err := http.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	require.NoError(t, err)
	return Decode(r, v)
}

func TestDecode_CreateMailbox(t *testing.T) {
	var req CreateMailbox
	err := decode(t, `{"email":"dpi@hopital.example","type":"applicative","metadata":{"application":{"name":"DPI","editor":"Acme"}}}`, &req)
	require.NoError(t, err)

	meta := req.Metadata.Model()
	require.NotNil(t, meta.Application)
	assert.Equal(t, "DPI", meta.Application.Name)
	assert.Equal(t, "Acme", meta.Application.Editor)
}

func TestDecode_InvalidJSON(t *testing.T) {
	var req CreateMailbox
	err := decode(t, `{not valid json}`, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDecode_UnknownField(t *testing.T) {
	var req UpdateMailbox
	err := decode(t, `{"display_nam":"typo"}`, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDecode_ValidationFails(t *testing.T) {
	tests := []struct {
		name string
		body string
		v    any
	}{
		{"missing email", `{"type":"personal"}`, &CreateMailbox{}},
		{"bad type", `{"email":"a@b.example","type":"shared"}`, &CreateMailbox{}},
		{"short password", `{"email":"a@b.example","type":"personal","password":"short"}`, &CreateMailbox{}},
		{"bad status", `{"status":"enabled"}`, &UpdateMailbox{}},
		{"zero quota", `{"quota_mb":0}`, &UpdateMailbox{}},
		{"application without name", `{"metadata":{"application":{"editor":"Acme"}}}`, &UpdateMailbox{}},
		{"bad rights", `{"delegate_email":"a@b.example","rights":"owner"}`, &AddDelegation{}},
		{"revoke without reason", `{}`, &RevokeCertificate{}},
		{"bulk revoke without ids", `{"ids":[],"reason":"compromised"}`, &BulkRevokeCertificates{}},
		{"bulk revoke with empty id", `{"ids":["cert-1",""],"reason":"compromised"}`, &BulkRevokeCertificates{}},
		{"import bad type", `{"domain_id":"d","type":"server","certificate_pem":"x","private_key_pem":"y"}`, &ImportCertificate{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decode(t, tt.body, tt.v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation error")
		})
	}
}

func TestParseMailboxListParams_ActiveAndInvalidStatus(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/mailboxes?status=active&type=personal&limit=10&cursor=mb-9", nil)
	p, err := ParseMailboxListParams(r)
	require.NoError(t, err)
	assert.Equal(t, MailboxListParams{Limit: 10, Cursor: "mb-9", Status: "active", Type: "personal"}, p)

	r = httptest.NewRequest(http.MethodGet, "/mailboxes?status=enabled", nil)
	_, err = ParseMailboxListParams(r)
	assert.Error(t, err)
}
