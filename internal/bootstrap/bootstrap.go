// Package bootstrap builds the object graph shared by core-api and the
// worker: database pool, key wrapper, certificate vault, cache, MTA adapter,
// directory client and the propagator tying them together.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/annuaire"
	"github.com/edvin/mssante/internal/cache"
	"github.com/edvin/mssante/internal/config"
	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/crypto"
	"github.com/edvin/mssante/internal/db"
	"github.com/edvin/mssante/internal/metrics"
	"github.com/edvin/mssante/internal/mta"
	"github.com/edvin/mssante/internal/store"
	"github.com/edvin/mssante/internal/vault"
)

// Deps holds the long-lived collaborators. Close releases them in reverse
// order of creation.
type Deps struct {
	Pool       *pgxpool.Pool
	Store      *store.Store
	Vault      *vault.Vault
	Cache      core.Cache
	Redis      *cache.Redis
	MTA        *mta.Adapter
	Annuaire   *annuaire.Client
	Propagator *core.Propagator

	closers []func()
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Open wires every dependency from cfg. Step metrics and pool gauges are
// registered on reg. On error, whatever was opened is closed again.
func Open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger zerolog.Logger) (_ *Deps, err error) {
	d := &Deps{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.Pool, err = db.NewCorePool(ctx, cfg.CoreDatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
		ConnectTimeout:  cfg.DBConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.Pool.Close)
	if err := metrics.RegisterPgxPoolMetrics(reg, d.Pool); err != nil {
		return nil, err
	}
	d.Store = store.New(d.Pool)

	keys, err := KeyWrapper(cfg)
	if err != nil {
		return nil, err
	}
	d.Vault = vault.New(d.Pool, keys, logger)

	d.Cache = core.NopCache{}
	if cfg.RedisURL != "" {
		d.Redis, err = cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { d.Redis.Close() })
		d.Cache = d.Redis
	}

	tlsConfig, err := AnnuaireTLS(ctx, cfg, d.Vault)
	if err != nil {
		return nil, err
	}
	d.Annuaire, err = annuaire.NewClient(annuaire.Config{
		BaseURL:       cfg.AnnuaireBaseURL,
		OperatorID:    cfg.AnnuaireOperatorID,
		APIKey:        cfg.AnnuaireAPIKey,
		Timeout:       cfg.AnnuaireTimeout,
		TLS:           tlsConfig,
		AllowInsecure: cfg.AnnuaireInsecureBypass,
		Environment:   cfg.Environment,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("annuaire client: %w", err)
	}
	d.closers = append(d.closers, d.Annuaire.Close)

	d.MTA = mta.NewAdapter(logger, mta.Config{
		MailRoot:          cfg.MTAMailRoot,
		ArchiveRoot:       cfg.MTAArchiveRoot,
		VirtualMailboxMap: cfg.MTAVirtualMailbox,
		VirtualAliasMap:   cfg.MTAVirtualAlias,
		UserDB:            cfg.MTAUserDB,
		OwnerUID:          cfg.MTAOwnerUID,
		OwnerGID:          cfg.MTAOwnerGID,
		Timeout:           cfg.MTATimeout,
	}, mta.ExecRunner{})

	d.Propagator = core.NewPropagator(d.Store, d.MTA, d.Annuaire, d.Cache, logger, core.PropagatorConfig{
		MaxAttempts: cfg.OutboxMaxAttempts,
	})
	observer, err := metrics.NewPropagation(reg)
	if err != nil {
		return nil, err
	}
	d.Propagator.SetObserver(observer)

	return d, nil
}

// KeyWrapper selects the key encryption key backend for the vault.
func KeyWrapper(cfg *config.Config) (crypto.KeyWrapper, error) {
	switch cfg.KeyProvider {
	case "local":
		w, err := crypto.NewLocalKeyWrapper(cfg.VaultMasterKeyID, cfg.VaultMasterKey)
		if err != nil {
			return nil, fmt.Errorf("vault master key: %w", err)
		}
		for id, key := range cfg.VaultRetiredKeys {
			if err := w.AddRetiredKey(id, key); err != nil {
				return nil, fmt.Errorf("vault retired key %s: %w", id, err)
			}
		}
		return w, nil
	case "kms":
		client := crypto.NewKMSClient(crypto.KMSOptions{
			Region:    cfg.AWSRegion,
			Endpoint:  cfg.KMSEndpoint,
			AccessKey: cfg.KMSAccessKeyID,
			SecretKey: cfg.KMSSecretKey,
		})
		return crypto.NewKMSKeyWrapper(client, cfg.KMSKeyID), nil
	default:
		return nil, fmt.Errorf("unknown key provider %q", cfg.KeyProvider)
	}
}

// ClientCertSource yields the operator certificate stored in the vault.
type ClientCertSource interface {
	ClientCertificate(ctx context.Context, id string) (tls.Certificate, error)
}

// AnnuaireTLS prefers certificate files from the configuration and falls
// back to the vault certificate named by AnnuaireCertificateID. It returns
// nil when neither is configured; the directory client then refuses to start
// unless the insecure bypass applies.
func AnnuaireTLS(ctx context.Context, cfg *config.Config, certs ClientCertSource) (*tls.Config, error) {
	tlsConfig, err := cfg.AnnuaireTLS()
	if err != nil || tlsConfig != nil {
		return tlsConfig, err
	}
	if cfg.AnnuaireCertificateID == "" {
		return nil, nil
	}

	cert, err := certs.ClientCertificate(ctx, cfg.AnnuaireCertificateID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, fmt.Errorf("annuaire certificate %s not in vault: %w", cfg.AnnuaireCertificateID, err)
		}
		return nil, fmt.Errorf("load annuaire certificate %s: %w", cfg.AnnuaireCertificateID, err)
	}
	roots, err := cfg.AnnuaireRootCAs()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
