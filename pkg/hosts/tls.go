package hosts

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/houseofcat/turbopool/pkg/tpool"
)

// CreateTLSConfig builds a client tls.Config that trusts the CA bundle at
// caLocation and presents the certificate at certLocation. keyLocation may be
// empty when the private key sits in the same PEM file as the certificate.
func CreateTLSConfig(caLocation, certLocation, keyLocation, serverName string) (*tls.Config, error) {
	ca, err := os.ReadFile(caLocation)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("no certificates found in %s", caLocation)
	}

	cfg := &tls.Config{
		RootCAs:    roots,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if certLocation == "" {
		return cfg, nil
	}

	if keyLocation == "" {
		keyLocation = certLocation
	}

	cert, err := tls.LoadX509KeyPair(certLocation, keyLocation)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// clientTLS returns nil when the host config doesn't enable TLS.
func clientTLS(config *tpool.HostConfig) (*tls.Config, error) {
	if config.TLSConfig == nil || !config.TLSConfig.EnableTLS {
		return nil, nil
	}

	tlsConfig, err := CreateTLSConfig(
		config.TLSConfig.PEMCertLocation,
		config.TLSConfig.LocalCertLocation,
		config.TLSConfig.LocalKeyLocation,
		config.TLSConfig.CertServerName)
	if err != nil {
		return nil, fmt.Errorf("%w: TLSConfig %v", tpool.ErrInvalidConfig, err)
	}

	return tlsConfig, nil
}
