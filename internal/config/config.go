package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environments.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

// Propagation modes for secondary steps after a mailbox change commits.
const (
	PropagationInline = "inline"
	PropagationAsync  = "async"
)

type Config struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	CoreDatabaseURL   string        `yaml:"core_database_url"`
	DBMaxConns        int32         `yaml:"db_max_conns"`
	DBMinConns        int32         `yaml:"db_min_conns"`
	DBMaxConnIdleTime time.Duration `yaml:"db_max_conn_idle_time"`
	DBConnectTimeout  time.Duration `yaml:"db_connect_timeout"`
	RedisURL          string        `yaml:"redis_url"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	HTTPListenAddr    string        `yaml:"http_listen_addr"`
	MetricsAddr       string        `yaml:"metrics_addr"`

	TemporalAddress       string `yaml:"temporal_address"`
	TemporalTLSCert       string `yaml:"temporal_tls_cert"`
	TemporalTLSKey        string `yaml:"temporal_tls_key"`
	TemporalTLSCACert     string `yaml:"temporal_tls_ca_cert"`
	TemporalTLSServerName string `yaml:"temporal_tls_server_name"`

	// MTA host layout and commands.
	MTAMailRoot       string        `yaml:"mta_mail_root"`
	MTAArchiveRoot    string        `yaml:"mta_archive_root"`
	MTAVirtualMailbox string        `yaml:"mta_virtual_mailbox_map"`
	MTAVirtualAlias   string        `yaml:"mta_virtual_alias_map"`
	MTAUserDB         string        `yaml:"mta_userdb"`
	MTAOwnerUID       int           `yaml:"mta_owner_uid"`
	MTAOwnerGID       int           `yaml:"mta_owner_gid"`
	MTATimeout        time.Duration `yaml:"mta_timeout"`

	// National directory client.
	AnnuaireBaseURL        string        `yaml:"annuaire_base_url"`
	AnnuaireOperatorID     string        `yaml:"annuaire_operator_id"`
	AnnuaireAPIKey         string        `yaml:"annuaire_api_key"`
	AnnuaireTimeout        time.Duration `yaml:"annuaire_timeout"`
	AnnuaireTLSCert        string        `yaml:"annuaire_tls_cert"`
	AnnuaireTLSKey         string        `yaml:"annuaire_tls_key"`
	AnnuaireTLSCACert      string        `yaml:"annuaire_tls_ca_cert"`
	AnnuaireCertificateID  string        `yaml:"annuaire_certificate_id"`
	AnnuaireInsecureBypass bool          `yaml:"annuaire_insecure_bypass"`

	// Key encryption key for the certificate vault.
	KeyProvider      string `yaml:"key_provider"`
	VaultMasterKey   string `yaml:"vault_master_key"`
	VaultMasterKeyID string `yaml:"vault_master_key_id"`
	// VaultRetiredKeys holds earlier master keys by id. They only unwrap
	// records sealed before a rotation.
	VaultRetiredKeys map[string]string `yaml:"vault_retired_keys"`
	KMSKeyID         string `yaml:"kms_key_id"`
	KMSEndpoint      string `yaml:"kms_endpoint"`
	KMSAccessKeyID   string `yaml:"kms_access_key_id"`
	KMSSecretKey     string `yaml:"kms_secret_key"`
	AWSRegion        string `yaml:"aws_region"`

	PropagationMode   string `yaml:"propagation_mode"`
	OutboxMaxAttempts int    `yaml:"outbox_max_attempts"`
	OutboxBatchSize   int    `yaml:"outbox_batch_size"`
}

// Load builds the configuration from defaults, an optional YAML file named by
// MSSANTE_CONFIG and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("MSSANTE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServiceName:       "mssante",
		Environment:       EnvProduction,
		LogLevel:          "info",
		DBMaxConns:        20,
		DBMinConns:        2,
		DBMaxConnIdleTime: 5 * time.Minute,
		DBConnectTimeout:  5 * time.Second,
		CacheTTL:          5 * time.Minute,
		HTTPListenAddr:    ":8090",
		TemporalAddress:   "localhost:7233",
		MTAMailRoot:       "/var/vmail",
		MTAArchiveRoot:    "/var/vmail-archive",
		MTAVirtualMailbox: "/etc/postfix/virtual_mailbox",
		MTAVirtualAlias:   "/etc/postfix/virtual_alias",
		MTAUserDB:         "/etc/dovecot/users",
		MTAOwnerUID:       5000,
		MTAOwnerGID:       5000,
		MTATimeout:        30 * time.Second,
		AnnuaireTimeout:   15 * time.Second,
		KeyProvider:       "local",
		VaultMasterKeyID:  "local-1",
		AWSRegion:         "eu-west-3",
		PropagationMode:   PropagationInline,
		OutboxMaxAttempts: 8,
		OutboxBatchSize:   50,
	}
}

func (c *Config) applyEnv() error {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.CoreDatabaseURL = getEnv("CORE_DATABASE_URL", c.CoreDatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", c.HTTPListenAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.TemporalAddress = getEnv("TEMPORAL_ADDRESS", c.TemporalAddress)
	c.TemporalTLSCert = getEnv("TEMPORAL_TLS_CERT", c.TemporalTLSCert)
	c.TemporalTLSKey = getEnv("TEMPORAL_TLS_KEY", c.TemporalTLSKey)
	c.TemporalTLSCACert = getEnv("TEMPORAL_TLS_CA_CERT", c.TemporalTLSCACert)
	c.TemporalTLSServerName = getEnv("TEMPORAL_TLS_SERVER_NAME", c.TemporalTLSServerName)
	c.MTAMailRoot = getEnv("MTA_MAIL_ROOT", c.MTAMailRoot)
	c.MTAArchiveRoot = getEnv("MTA_ARCHIVE_ROOT", c.MTAArchiveRoot)
	c.MTAVirtualMailbox = getEnv("MTA_VIRTUAL_MAILBOX_MAP", c.MTAVirtualMailbox)
	c.MTAVirtualAlias = getEnv("MTA_VIRTUAL_ALIAS_MAP", c.MTAVirtualAlias)
	c.MTAUserDB = getEnv("MTA_USERDB", c.MTAUserDB)
	c.AnnuaireBaseURL = getEnv("ANNUAIRE_BASE_URL", c.AnnuaireBaseURL)
	c.AnnuaireOperatorID = getEnv("ANNUAIRE_OPERATOR_ID", c.AnnuaireOperatorID)
	c.AnnuaireAPIKey = getEnv("ANNUAIRE_API_KEY", c.AnnuaireAPIKey)
	c.AnnuaireTLSCert = getEnv("ANNUAIRE_TLS_CERT", c.AnnuaireTLSCert)
	c.AnnuaireTLSKey = getEnv("ANNUAIRE_TLS_KEY", c.AnnuaireTLSKey)
	c.AnnuaireTLSCACert = getEnv("ANNUAIRE_TLS_CA_CERT", c.AnnuaireTLSCACert)
	c.AnnuaireCertificateID = getEnv("ANNUAIRE_CERTIFICATE_ID", c.AnnuaireCertificateID)
	c.KeyProvider = getEnv("KEY_PROVIDER", c.KeyProvider)
	c.VaultMasterKey = getEnv("VAULT_MASTER_KEY", c.VaultMasterKey)
	c.VaultMasterKeyID = getEnv("VAULT_MASTER_KEY_ID", c.VaultMasterKeyID)
	c.KMSKeyID = getEnv("KMS_KEY_ID", c.KMSKeyID)
	c.KMSEndpoint = getEnv("KMS_ENDPOINT", c.KMSEndpoint)
	c.KMSAccessKeyID = getEnv("KMS_ACCESS_KEY_ID", c.KMSAccessKeyID)
	c.KMSSecretKey = getEnv("KMS_SECRET_KEY", c.KMSSecretKey)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.PropagationMode = getEnv("PROPAGATION_MODE", c.PropagationMode)

	var err error
	if c.DBMaxConns, err = getEnvInt32("DB_MAX_CONNS", c.DBMaxConns); err != nil {
		return err
	}
	if c.DBMinConns, err = getEnvInt32("DB_MIN_CONNS", c.DBMinConns); err != nil {
		return err
	}
	if c.DBMaxConnIdleTime, err = getEnvDuration("DB_MAX_CONN_IDLE_TIME", c.DBMaxConnIdleTime); err != nil {
		return err
	}
	if c.DBConnectTimeout, err = getEnvDuration("DB_CONNECT_TIMEOUT", c.DBConnectTimeout); err != nil {
		return err
	}
	if c.CacheTTL, err = getEnvDuration("CACHE_TTL", c.CacheTTL); err != nil {
		return err
	}
	if c.MTATimeout, err = getEnvDuration("MTA_TIMEOUT", c.MTATimeout); err != nil {
		return err
	}
	if c.AnnuaireTimeout, err = getEnvDuration("ANNUAIRE_TIMEOUT", c.AnnuaireTimeout); err != nil {
		return err
	}
	if c.MTAOwnerUID, err = getEnvInt("MTA_OWNER_UID", c.MTAOwnerUID); err != nil {
		return err
	}
	if c.MTAOwnerGID, err = getEnvInt("MTA_OWNER_GID", c.MTAOwnerGID); err != nil {
		return err
	}
	if c.OutboxMaxAttempts, err = getEnvInt("OUTBOX_MAX_ATTEMPTS", c.OutboxMaxAttempts); err != nil {
		return err
	}
	if c.OutboxBatchSize, err = getEnvInt("OUTBOX_BATCH_SIZE", c.OutboxBatchSize); err != nil {
		return err
	}
	if v := os.Getenv("VAULT_RETIRED_KEYS"); v != "" {
		keys, err := parseKeyList(v)
		if err != nil {
			return fmt.Errorf("parse VAULT_RETIRED_KEYS: %w", err)
		}
		c.VaultRetiredKeys = keys
	}
	if v := os.Getenv("ANNUAIRE_INSECURE_BYPASS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse ANNUAIRE_INSECURE_BYPASS: %w", err)
		}
		c.AnnuaireInsecureBypass = b
	}
	return nil
}

// Validate checks that the settings required by the given process role are present.
func (c *Config) Validate(role string) error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("CORE_DATABASE_URL", c.CoreDatabaseURL)
	switch role {
	case "core-api":
		require("HTTP_LISTEN_ADDR", c.HTTPListenAddr)
		require("ANNUAIRE_BASE_URL", c.AnnuaireBaseURL)
		require("ANNUAIRE_OPERATOR_ID", c.AnnuaireOperatorID)
		require("ANNUAIRE_API_KEY", c.AnnuaireAPIKey)
		if c.PropagationMode == PropagationAsync {
			require("TEMPORAL_ADDRESS", c.TemporalAddress)
		}
	case "worker":
		require("TEMPORAL_ADDRESS", c.TemporalAddress)
		require("ANNUAIRE_BASE_URL", c.AnnuaireBaseURL)
		require("ANNUAIRE_OPERATOR_ID", c.AnnuaireOperatorID)
		require("ANNUAIRE_API_KEY", c.AnnuaireAPIKey)
	}

	switch c.KeyProvider {
	case "local":
		require("VAULT_MASTER_KEY", c.VaultMasterKey)
		if _, ok := c.VaultRetiredKeys[c.VaultMasterKeyID]; ok {
			return fmt.Errorf("VAULT_RETIRED_KEYS must not contain the active key id %q", c.VaultMasterKeyID)
		}
	case "kms":
		require("KMS_KEY_ID", c.KMSKeyID)
		require("KMS_ACCESS_KEY_ID", c.KMSAccessKeyID)
		require("KMS_SECRET_KEY", c.KMSSecretKey)
	default:
		return fmt.Errorf("unknown KEY_PROVIDER %q", c.KeyProvider)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config for %s: %s", role, strings.Join(missing, ", "))
	}

	if (c.TemporalTLSCert == "") != (c.TemporalTLSKey == "") {
		return fmt.Errorf("TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
	}
	if (c.AnnuaireTLSCert == "") != (c.AnnuaireTLSKey == "") {
		return fmt.Errorf("ANNUAIRE_TLS_CERT and ANNUAIRE_TLS_KEY must both be set")
	}
	if c.AnnuaireInsecureBypass && c.Environment == EnvProduction {
		return fmt.Errorf("ANNUAIRE_INSECURE_BYPASS is not allowed in production")
	}
	if c.PropagationMode != PropagationInline && c.PropagationMode != PropagationAsync {
		return fmt.Errorf("unknown PROPAGATION_MODE %q", c.PropagationMode)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt32(key string, fallback int32) (int32, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int32(n), nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// parseKeyList reads "id:key,id:key". Keys are hex or base64 and never
// contain a colon.
func parseKeyList(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, key, ok := strings.Cut(item, ":")
		if !ok || id == "" || key == "" {
			return nil, fmt.Errorf("entry %q is not id:key", item)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("key id %q listed twice", id)
		}
		out[id] = key
	}
	return out, nil
}
