package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds admin API server TLS configuration.
type TLSConfig struct {
	CertFile string // Path to server certificate
	KeyFile  string // Path to server private key
	CAFile   string // Optional CA; clients presenting a certificate must chain to it
}

// Enabled returns true if TLS is configured (cert and key provided).
func (c *TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// BuildTLSConfig creates a *tls.Config from the TLSConfig. The certificate
// pair is loaded by the server from CertFile and KeyFile.
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("TLS not configured: cert and key are required")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		// Bearer tokens stay the credential; a certificate is only checked
		// when offered.
		tlsConfig.ClientCAs = caPool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsConfig, nil
}
