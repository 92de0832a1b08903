package hosts

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/houseofcat/turbopool/pkg/tpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCertificate writes a self-signed certificate and its key as separate PEM files.
func writeCertificate(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "client.crt")
	keyPath = filepath.Join(dir, "client.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestCreateTLSConfigSeparateKey(t *testing.T) {
	certPath, keyPath := writeCertificate(t, t.TempDir())

	cfg, err := CreateTLSConfig(certPath, certPath, keyPath, "db.internal")
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, "db.internal", cfg.ServerName)
	assert.NotNil(t, cfg.RootCAs)

	// Without a key location the key is expected inside the certificate file.
	_, err = CreateTLSConfig(certPath, certPath, "", "db.internal")
	assert.Error(t, err)
}

func TestCreateTLSConfigCombinedPEM(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeCertificate(t, dir)

	certPEM, err := os.ReadFile(certPath)
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(keyPath)
	require.NoError(t, err)

	combined := filepath.Join(dir, "client.pem")
	require.NoError(t, os.WriteFile(combined, append(certPEM, keyPEM...), 0o600))

	cfg, err := CreateTLSConfig(certPath, combined, "", "")
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestCreateTLSConfigWithoutClientCertificate(t *testing.T) {
	certPath, _ := writeCertificate(t, t.TempDir())

	cfg, err := CreateTLSConfig(certPath, "", "", "localhost")
	require.NoError(t, err)
	assert.Empty(t, cfg.Certificates)
}

func TestPgxFactoryUsesTLS(t *testing.T) {
	certPath, keyPath := writeCertificate(t, t.TempDir())

	factory, err := NewPgxFactory(&tpool.HostConfig{
		Credentials: map[tpool.Class]string{tpool.WriteClass: "postgres://writer@localhost:5432/app"},
		TLSConfig: &tpool.TLSConfig{
			EnableTLS:         true,
			PEMCertLocation:   certPath,
			LocalCertLocation: certPath,
			LocalKeyLocation:  keyPath,
			CertServerName:    "localhost",
		},
	}, "test")
	require.NoError(t, err)

	connConfig := factory.configs[tpool.WriteClass]
	require.NotNil(t, connConfig.TLSConfig)
	assert.Equal(t, "localhost", connConfig.TLSConfig.ServerName)
	assert.Empty(t, connConfig.Fallbacks)
}

func TestMySQLFactoryRejectsBadTLS(t *testing.T) {
	factory, err := NewMySQLFactory(&tpool.HostConfig{
		Credentials: map[tpool.Class]string{tpool.ReadClass: "reader:reader@tcp(localhost:3306)/app"},
		TLSConfig: &tpool.TLSConfig{
			EnableTLS:       true,
			PEMCertLocation: filepath.Join(t.TempDir(), "missing.pem"),
		},
	})
	assert.Nil(t, factory)
	assert.ErrorIs(t, err, tpool.ErrInvalidConfig)
}
