package vault

import (
	"context"
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/crypto"
	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/platform"
)

var (
	ErrNotFound        = errors.New("certificate not found")
	ErrDuplicateSerial = errors.New("certificate serial number already stored")
	ErrInvalidMaterial = errors.New("invalid certificate material")
	ErrIntegrity       = errors.New("certificate fingerprint mismatch")
	ErrAlreadyRevoked  = errors.New("certificate already revoked")
	ErrReasonRequired  = errors.New("revocation reason required")
	ErrExpired         = errors.New("certificate expired")
	ErrNotUsable       = errors.New("certificate not usable")
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const certColumns = `id, domain_id, mailbox_id, type, serial_number, subject, fingerprint_sha256, certificate_pem,
	encrypted_private_key, key_id, status, issued_at, expires_at, revoked_at, revocation_reason, created_at, updated_at`

// Vault stores certificates with their private keys envelope-encrypted.
// Plaintext keys exist only for the duration of WithPrivateKey and
// ClientCertificate.
type Vault struct {
	db     DB
	keys   crypto.KeyWrapper
	logger zerolog.Logger
	now    func() time.Time
}

func New(db DB, keys crypto.KeyWrapper, logger zerolog.Logger) *Vault {
	return &Vault{
		db:     db,
		keys:   keys,
		logger: logger.With().Str("component", "vault").Logger(),
		now:    time.Now,
	}
}

// ImportInput is a PEM certificate (optionally followed by its chain) and
// the matching private key.
type ImportInput struct {
	DomainID       string
	MailboxID      *string
	Type           string
	CertificatePEM string
	PrivateKeyPEM  string
}

// EffectiveStatus derives the status from revocation and expiry first; the
// stored status only decides between pending and active.
func EffectiveStatus(c *model.Certificate, now time.Time) string {
	if c.RevokedAt != nil || c.Status == model.CertStatusRevoked {
		return model.CertStatusRevoked
	}
	if !now.Before(c.ExpiresAt) {
		return model.CertStatusExpired
	}
	return c.Status
}

// IsValid reports whether the certificate may be used for authentication.
func IsValid(c *model.Certificate, now time.Time) bool {
	return EffectiveStatus(c, now) == model.CertStatusActive
}

func (v *Vault) Import(ctx context.Context, in ImportInput) (*model.Certificate, error) {
	switch in.Type {
	case model.CertTypeDomain, model.CertTypeAnnuaire:
	case model.CertTypeMailbox:
		if in.MailboxID == nil || *in.MailboxID == "" {
			return nil, fmt.Errorf("%w: mailbox certificate requires a mailbox id", ErrInvalidMaterial)
		}
	default:
		return nil, fmt.Errorf("%w: unknown certificate type %q", ErrInvalidMaterial, in.Type)
	}
	if in.DomainID == "" {
		return nil, fmt.Errorf("%w: domain id is required", ErrInvalidMaterial)
	}

	pair, err := tls.X509KeyPair([]byte(in.CertificatePEM), []byte(in.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: certificate and key do not match: %v", ErrInvalidMaterial, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrInvalidMaterial, err)
	}

	now := v.now().UTC()
	if !now.Before(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: certificate expired at %s", ErrExpired, leaf.NotAfter.Format(time.RFC3339))
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(pair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal private key: %v", ErrInvalidMaterial, err)
	}
	defer crypto.Zero(keyDER)

	sealed, err := crypto.Seal(ctx, v.keys, keyDER)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}

	c := &model.Certificate{
		ID:                  platform.NewID(),
		DomainID:            in.DomainID,
		MailboxID:           in.MailboxID,
		Type:                in.Type,
		SerialNumber:        fmt.Sprintf("%X", leaf.SerialNumber),
		Subject:             leaf.Subject.String(),
		FingerprintSHA256:   crypto.Fingerprint(leaf.Raw),
		CertificatePEM:      strings.TrimSpace(in.CertificatePEM) + "\n",
		EncryptedPrivateKey: sealed,
		KeyID:               v.keys.KeyID(),
		Status:              model.CertStatusPending,
		IssuedAt:            leaf.NotBefore.UTC(),
		ExpiresAt:           leaf.NotAfter.UTC(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = pgx.BeginFunc(ctx, v.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO certificates (`+certColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			c.ID, c.DomainID, c.MailboxID, c.Type, c.SerialNumber, c.Subject, c.FingerprintSHA256,
			c.CertificatePEM, c.EncryptedPrivateKey, c.KeyID, c.Status, c.IssuedAt, c.ExpiresAt,
			c.RevokedAt, c.RevocationReason, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicateSerial, c.SerialNumber)
			}
			return fmt.Errorf("insert certificate: %w", err)
		}
		return insertAudit(ctx, tx, c.ID, "import", map[string]string{
			"serial_number": c.SerialNumber,
			"type":          c.Type,
			"key_id":        c.KeyID,
		})
	})
	if err != nil {
		return nil, err
	}

	v.logger.Info().Str("certificate_id", c.ID).Str("serial", c.SerialNumber).Str("type", c.Type).Msg("certificate imported")
	return c, nil
}

// Get loads a certificate and checks its fingerprint against the stored body.
// The returned status is the effective status.
func (v *Vault) Get(ctx context.Context, id string) (*model.Certificate, error) {
	c, err := loadCertificate(ctx, v.db, id, "")
	if err != nil {
		return nil, err
	}
	if err := verifyIntegrity(c); err != nil {
		v.logger.Error().Str("certificate_id", id).Msg("certificate integrity check failed")
		return nil, err
	}
	c.Status = EffectiveStatus(c, v.now())
	return c, nil
}

// Activate moves a pending certificate to active. Activating an active
// certificate is a no-op.
func (v *Vault) Activate(ctx context.Context, id string) (*model.Certificate, error) {
	var out *model.Certificate
	err := pgx.BeginFunc(ctx, v.db, func(tx pgx.Tx) error {
		c, err := loadCertificate(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := verifyIntegrity(c); err != nil {
			return err
		}

		now := v.now().UTC()
		switch EffectiveStatus(c, now) {
		case model.CertStatusRevoked:
			return fmt.Errorf("activate certificate %s: %w", id, ErrAlreadyRevoked)
		case model.CertStatusExpired:
			return fmt.Errorf("activate certificate %s: %w", id, ErrExpired)
		case model.CertStatusActive:
			out = c
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE certificates SET status = $2, updated_at = $3 WHERE id = $1`,
			id, model.CertStatusActive, now,
		); err != nil {
			return fmt.Errorf("activate certificate %s: %w", id, err)
		}
		c.Status = model.CertStatusActive
		c.UpdatedAt = now
		out = c
		return insertAudit(ctx, tx, id, "activate", nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Revoke marks a certificate revoked. Revocation is terminal.
func (v *Vault) Revoke(ctx context.Context, id, reason string) (*model.Certificate, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	var out *model.Certificate
	err := pgx.BeginFunc(ctx, v.db, func(tx pgx.Tx) error {
		c, err := v.revokeOne(ctx, tx, id, reason, v.now().UTC())
		out = c
		return err
	})
	if err != nil {
		return nil, err
	}
	v.logger.Warn().Str("certificate_id", id).Str("reason", reason).Msg("certificate revoked")
	return out, nil
}

// BulkRevoke revokes every listed certificate in one transaction. Any
// failure, including an audit write, leaves all of them untouched.
func (v *Vault) BulkRevoke(ctx context.Context, ids []string, reason string) ([]model.Certificate, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	revoked := make([]model.Certificate, 0, len(unique))
	err := pgx.BeginFunc(ctx, v.db, func(tx pgx.Tx) error {
		now := v.now().UTC()
		for _, id := range unique {
			c, err := v.revokeOne(ctx, tx, id, reason, now)
			if err != nil {
				return err
			}
			revoked = append(revoked, *c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk revoke: %w", err)
	}

	v.logger.Warn().Int("count", len(revoked)).Str("reason", reason).Msg("certificates revoked in bulk")
	return revoked, nil
}

func (v *Vault) revokeOne(ctx context.Context, tx pgx.Tx, id, reason string, now time.Time) (*model.Certificate, error) {
	c, err := loadCertificate(ctx, tx, id, " FOR UPDATE")
	if err != nil {
		return nil, err
	}
	if c.RevokedAt != nil || c.Status == model.CertStatusRevoked {
		return nil, fmt.Errorf("revoke certificate %s: %w", id, ErrAlreadyRevoked)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE certificates SET status = $2, revoked_at = $3, revocation_reason = $4, updated_at = $3
		 WHERE id = $1`,
		id, model.CertStatusRevoked, now, reason,
	); err != nil {
		return nil, fmt.Errorf("revoke certificate %s: %w", id, err)
	}
	if err := insertAudit(ctx, tx, id, "revoke", map[string]string{"reason": reason}); err != nil {
		return nil, fmt.Errorf("revoke certificate %s: %w", id, err)
	}

	c.Status = model.CertStatusRevoked
	c.RevokedAt = &now
	c.RevocationReason = &reason
	c.UpdatedAt = now
	return c, nil
}

// SweepExpired marks pending and active certificates past their expiry as
// expired and returns their ids.
func (v *Vault) SweepExpired(ctx context.Context) ([]string, error) {
	var ids []string
	err := pgx.BeginFunc(ctx, v.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE certificates SET status = $2, updated_at = $1
			 WHERE status IN ($3, $4) AND revoked_at IS NULL AND expires_at <= $1
			 RETURNING id`,
			v.now().UTC(), model.CertStatusExpired, model.CertStatusPending, model.CertStatusActive,
		)
		if err != nil {
			return fmt.Errorf("sweep expired certificates: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect expired certificates: %w", err)
		}

		for _, id := range ids {
			if err := insertAudit(ctx, tx, id, "expire", nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		v.logger.Info().Int("count", len(ids)).Msg("expired certificates swept")
	}
	return ids, nil
}

// ListExpiring returns active certificates expiring within the given window,
// soonest first.
func (v *Vault) ListExpiring(ctx context.Context, within time.Duration) ([]model.Certificate, error) {
	now := v.now().UTC()
	rows, err := v.db.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE status = $1 AND revoked_at IS NULL AND expires_at > $2 AND expires_at <= $3
		 ORDER BY expires_at`,
		model.CertStatusActive, now, now.Add(within),
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring certificates: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

// WithPrivateKey decrypts the certificate's key and hands it to fn. The
// decrypted buffer is zeroed before returning.
func (v *Vault) WithPrivateKey(ctx context.Context, id string, fn func(stdcrypto.Signer) error) error {
	c, err := v.usable(ctx, id)
	if err != nil {
		return err
	}

	der, err := crypto.Open(ctx, v.keys, c.EncryptedPrivateKey)
	if err != nil {
		return fmt.Errorf("decrypt private key for certificate %s: %w", id, err)
	}
	defer crypto.Zero(der)

	key, err := parsePrivateKey(der)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMaterial, err)
	}
	signer, ok := key.(stdcrypto.Signer)
	if !ok {
		return fmt.Errorf("%w: private key cannot sign", ErrInvalidMaterial)
	}
	return fn(signer)
}

// ClientCertificate builds a TLS client certificate, chain included, for
// mutual authentication.
func (v *Vault) ClientCertificate(ctx context.Context, id string) (tls.Certificate, error) {
	c, err := v.usable(ctx, id)
	if err != nil {
		return tls.Certificate{}, err
	}

	der, err := crypto.Open(ctx, v.keys, c.EncryptedPrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypt private key for certificate %s: %w", id, err)
	}
	defer crypto.Zero(der)

	key, err := parsePrivateKey(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrInvalidMaterial, err)
	}

	var out tls.Certificate
	rest := []byte(c.CertificatePEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			out.Certificate = append(out.Certificate, block.Bytes)
		}
	}
	if len(out.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("%w: no certificate in stored PEM", ErrInvalidMaterial)
	}
	out.PrivateKey = key
	if out.Leaf, err = x509.ParseCertificate(out.Certificate[0]); err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: parse certificate: %v", ErrInvalidMaterial, err)
	}
	return out, nil
}

// RewrapKeys re-seals up to limit private keys still wrapped with a key
// encryption key other than the current one. It returns how many rows were
// rewritten; zero means the rotation is complete.
func (v *Vault) RewrapKeys(ctx context.Context, limit int) (int, error) {
	current := v.keys.KeyID()
	rows, err := v.db.Query(ctx,
		`SELECT id FROM certificates WHERE key_id <> $1 ORDER BY created_at LIMIT $2`,
		current, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("list certificates to rewrap: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("collect certificates to rewrap: %w", err)
	}

	done := 0
	for _, id := range ids {
		err := pgx.BeginFunc(ctx, v.db, func(tx pgx.Tx) error {
			return v.rewrapOne(ctx, tx, id, current)
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return done, err
		}
		done++
	}
	if done > 0 {
		v.logger.Info().Int("count", done).Str("key_id", current).Msg("certificate keys rewrapped")
	}
	return done, nil
}

func (v *Vault) rewrapOne(ctx context.Context, tx pgx.Tx, id, current string) error {
	c, err := loadCertificate(ctx, tx, id, " FOR UPDATE")
	if err != nil {
		return err
	}
	from, err := crypto.EnvelopeKeyID(c.EncryptedPrivateKey)
	if err != nil {
		return fmt.Errorf("rewrap certificate %s: %w", id, err)
	}

	sealed := c.EncryptedPrivateKey
	if from != current {
		der, err := crypto.Open(ctx, v.keys, sealed)
		if err != nil {
			return fmt.Errorf("rewrap certificate %s: %w", id, err)
		}
		sealed, err = crypto.Seal(ctx, v.keys, der)
		crypto.Zero(der)
		if err != nil {
			return fmt.Errorf("rewrap certificate %s: %w", id, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE certificates SET encrypted_private_key = $2, key_id = $3, updated_at = $4 WHERE id = $1`,
		id, sealed, current, v.now().UTC(),
	); err != nil {
		return fmt.Errorf("rewrap certificate %s: %w", id, err)
	}
	return insertAudit(ctx, tx, id, "rewrap", map[string]string{"from_key_id": from, "to_key_id": current})
}

func (v *Vault) usable(ctx context.Context, id string) (*model.Certificate, error) {
	c, err := v.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CertStatusActive {
		return nil, fmt.Errorf("%w: certificate %s is %s", ErrNotUsable, id, c.Status)
	}
	return c, nil
}

func loadCertificate(ctx context.Context, q rowQuerier, id, lock string) (*model.Certificate, error) {
	c, err := scanCertificate(q.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("certificate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate %s: %w", id, err)
	}
	return c, nil
}

func scanCertificate(row pgx.Row) (*model.Certificate, error) {
	var c model.Certificate
	err := row.Scan(&c.ID, &c.DomainID, &c.MailboxID, &c.Type, &c.SerialNumber, &c.Subject, &c.FingerprintSHA256,
		&c.CertificatePEM, &c.EncryptedPrivateKey, &c.KeyID, &c.Status, &c.IssuedAt, &c.ExpiresAt,
		&c.RevokedAt, &c.RevocationReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func verifyIntegrity(c *model.Certificate) error {
	fp, err := crypto.FingerprintPEM([]byte(c.CertificatePEM))
	if err != nil {
		return fmt.Errorf("%w: certificate %s: %v", ErrIntegrity, c.ID, err)
	}
	if !crypto.FingerprintsEqual(fp, c.FingerprintSHA256) {
		return fmt.Errorf("%w: certificate %s", ErrIntegrity, c.ID)
	}
	return nil
}

func insertAudit(ctx context.Context, db execer, certID, action string, detail map[string]string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO audit_events (entity_type, entity_id, action, detail) VALUES ($1, $2, $3, $4)`,
		"certificate", certID, action, detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// parsePrivateKey tries to parse a private key in PKCS8, PKCS1, or EC formats.
func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported private key type in PKCS8")
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("failed to parse private key")
}
