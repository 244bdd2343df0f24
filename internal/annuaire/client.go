package annuaire

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/model"
)

// ErrNoClientCertificate is returned by NewClient when no client certificate
// is configured and the insecure bypass is not allowed.
var ErrNoClientCertificate = errors.New("annuaire client certificate not configured")

const maxErrorBody = 512

// Config configures the directory client.
type Config struct {
	BaseURL    string
	OperatorID string
	APIKey     string
	Timeout    time.Duration
	// TLS must carry the operator client certificate.
	TLS *tls.Config
	// AllowInsecure permits running without a client certificate. Ignored in production.
	AllowInsecure bool
	Environment   string
}

// Client talks to the national directory over mutual TLS. It holds a
// long-lived connection pool; call Close on shutdown.
type Client struct {
	baseURL    string
	operatorID string
	apiKey     string
	httpClient *http.Client
	transport  *http.Transport
	logger     zerolog.Logger
}

// Entry is a directory record as returned by lookups.
type Entry struct {
	ID          string `json:"id"`
	Email       string `json:"adresse"`
	Type        string `json:"typeBal"`
	DisplayName string `json:"libelle,omitempty"`
	Operator    string `json:"operateur,omitempty"`
}

// SearchQuery filters GET /search.
type SearchQuery struct {
	Query string
	Type  string
	Limit int
}

// Operator is an entry of the operator whitelist.
type Operator struct {
	ID      string   `json:"id"`
	Name    string   `json:"nom"`
	Domains []string `json:"domaines,omitempty"`
}

// NewClient builds the mTLS client. It fails if the TLS config carries no
// client certificate, unless the insecure bypass is allowed outside production.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	logger = logger.With().Str("component", "annuaire-client").Logger()

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("annuaire base URL not configured")
	}

	tlsConfig := cfg.TLS
	if !hasClientCertificate(tlsConfig) {
		if !cfg.AllowInsecure || cfg.Environment == "production" {
			return nil, ErrNoClientCertificate
		}
		logger.Warn().
			Str("environment", cfg.Environment).
			Str("operator_id", cfg.OperatorID).
			Msg("AUDIT: annuaire client running WITHOUT client certificate (insecure bypass)")
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
	}
	tlsConfig = tlsConfig.Clone()
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		operatorID: cfg.OperatorID,
		apiKey:     cfg.APIKey,
		transport:  transport,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		logger:     logger,
	}, nil
}

func hasClientCertificate(c *tls.Config) bool {
	return c != nil && (len(c.Certificates) > 0 || c.GetClientCertificate != nil)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Publish creates a directory entry and returns its external identifier.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "publish", http.MethodPost, "/bal", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Op: "publish", Kind: KindUnknown, Message: "response carries no id"}
	}
	c.logger.Info().Str("email", req.Email).Str("annuaire_id", out.ID).Msg("published mailbox")
	return out.ID, nil
}

// Update replaces the directory entry externalID.
func (c *Client) Update(ctx context.Context, externalID string, req PublishRequest) error {
	return c.do(ctx, "update", http.MethodPut, "/bal/"+url.PathEscape(externalID), req, nil)
}

// Unpublish removes the directory entry of mb. A mailbox without an external
// identifier was never published and no request is made; an entry the
// directory no longer knows is treated as already removed.
func (c *Client) Unpublish(ctx context.Context, mb *model.Mailbox) error {
	if mb.AnnuaireID == nil || *mb.AnnuaireID == "" {
		c.logger.Info().Str("mailbox_id", mb.ID).Msg("mailbox has no annuaire id, nothing to unpublish")
		return nil
	}

	err := c.do(ctx, "unpublish", http.MethodDelete, "/bal/"+url.PathEscape(*mb.AnnuaireID), nil, nil)
	if KindOf(err) == KindNotFound {
		c.logger.Warn().Str("mailbox_id", mb.ID).Str("annuaire_id", *mb.AnnuaireID).Msg("annuaire entry already gone")
		return nil
	}
	return err
}

// Search queries the directory.
func (c *Client) Search(ctx context.Context, q SearchQuery) ([]Entry, error) {
	params := url.Values{}
	if q.Query != "" {
		params.Set("q", q.Query)
	}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/search"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out struct {
		Items []Entry `json:"items"`
	}
	if err := c.do(ctx, "search", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetMailboxInfo looks up a directory entry by address.
func (c *Client) GetMailboxInfo(ctx context.Context, email string) (*Entry, error) {
	var out Entry
	if err := c.do(ctx, "get mailbox info", http.MethodGet, "/bal/email/"+url.PathEscape(email), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OperatorWhitelist lists the operators allowed to exchange with this one.
func (c *Client) OperatorWhitelist(ctx context.Context) ([]Operator, error) {
	var out struct {
		Operators []Operator `json:"operateurs"`
	}
	if err := c.do(ctx, "operator whitelist", http.MethodGet, "/operateurs/whitelist", nil, &out); err != nil {
		return nil, err
	}
	return out.Operators, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Kind: KindBadRequest, Message: "marshal request", Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Kind: KindUnknown, Message: "build request", Err: err}
	}
	req.Header.Set("X-Operator-Id", c.operatorID)
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Dur("elapsed", time.Since(start)).Msg("annuaire request failed")
		return &Error{Op: op, Kind: KindUnknown, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{
			Op:         op,
			Kind:       kindFromStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Kind: KindUnknown, Message: "decode response", Err: err}
	}
	return nil
}
