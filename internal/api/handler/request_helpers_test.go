package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	validID  = "test-id-1"
	validID2 = "test-id-2"
)

// newRequest builds a request whose body is body encoded as JSON, or empty
// when body is nil.
func newRequest(method, target string, body any) *http.Request {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	r := httptest.NewRequest(method, target, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func withChiURLParam(r *http.Request, key, value string) *http.Request {
	return withChiURLParams(r, map[string]string{key: value})
}

// withChiURLParams sets route parameters the way chi would after matching.
func withChiURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// errorMessage returns the "error" field of a JSON error response.
func errorMessage(rec *httptest.ResponseRecorder) string {
	var body struct {
		Error string `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body.Error
}
