package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TemporalTLS builds a *tls.Config from the Temporal TLS fields.
// Returns nil, nil if no cert/key is configured (plaintext mode).
func (c *Config) TemporalTLS() (*tls.Config, error) {
	return clientTLS("temporal", c.TemporalTLSCert, c.TemporalTLSKey, c.TemporalTLSCACert, c.TemporalTLSServerName)
}

// AnnuaireTLS builds the mutual TLS config for the national directory from
// certificate files. Returns nil, nil if no files are configured; the caller
// then has to source the client certificate from the vault or refuse to start.
func (c *Config) AnnuaireTLS() (*tls.Config, error) {
	return clientTLS("annuaire", c.AnnuaireTLSCert, c.AnnuaireTLSKey, c.AnnuaireTLSCACert, "")
}

// AnnuaireRootCAs loads the directory CA bundle, or nil to use system roots.
func (c *Config) AnnuaireRootCAs() (*x509.CertPool, error) {
	if c.AnnuaireTLSCACert == "" {
		return nil, nil
	}
	return loadCAPool("annuaire", c.AnnuaireTLSCACert)
}

func clientTLS(label, certFile, keyFile, caFile, serverName string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load %s client cert: %w", label, err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caFile != "" {
		pool, err := loadCAPool(label, caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if serverName != "" {
		tlsConfig.ServerName = serverName
	}

	return tlsConfig, nil
}

func loadCAPool(label, caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read %s CA cert: %w", label, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse %s CA cert", label)
	}
	return pool, nil
}
