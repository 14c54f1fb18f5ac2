package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateSelfSignedCert(t *testing.T, commonName string) (certFile, keyFile string, cert *x509.Certificate) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)
	cert, err = x509.ParseCertificate(certDER)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "test.crt")
	keyFile = filepath.Join(dir, "test.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600))

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile, cert
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile, _ := generateSelfSignedCert(t, "escrowd")

	cfg, err := LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: certFile})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)

	cfg, err = LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: certFile, RequireClientAuth: true})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
}

func TestLoadServerTLSConfigErrors(t *testing.T) {
	certFile, keyFile, _ := generateSelfSignedCert(t, "escrowd")

	_, err := LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, RequireClientAuth: true})
	assert.ErrorContains(t, err, "requires a CA file")

	badCA := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(badCA, []byte("not pem"), 0o600))
	_, err = LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: badCA})
	assert.ErrorContains(t, err, "failed to parse CA certificate")

	_, err = LoadServerTLSConfig(TLSConfig{CertFile: "/nonexistent/cert.crt", KeyFile: keyFile})
	assert.ErrorContains(t, err, "TLS file not found")
}

func TestVerifyTLSFilesEmpty(t *testing.T) {
	assert.Error(t, VerifyTLSFiles("", ""))
}

func TestPeerIdentity(t *testing.T) {
	_, _, cert := generateSelfSignedCert(t, "ops-console")

	assert.Empty(t, PeerIdentity(nil))
	assert.Empty(t, PeerIdentity(&tls.ConnectionState{}))
	assert.Equal(t, "ops-console", PeerIdentity(&tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{cert}},
	}))
}
