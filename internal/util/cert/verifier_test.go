package cert

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T, dir string) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	writePEM(t, filepath.Join(dir, "ca.crt"), "CERTIFICATE", der)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, dir, name string, usages ...x509.ExtKeyUsage) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  usages,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	writePEM(t, filepath.Join(dir, name+".crt"), "CERTIFICATE", der)
	writePEM(t, filepath.Join(dir, name+".key"), "EC PRIVATE KEY", keyDER)
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))
}

func TestVerifyTLSConfig(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t, dir)
	ca.issue(t, dir, "node-1", x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth)
	ca.issue(t, dir, "server-only", x509.ExtKeyUsageServerAuth)

	path := func(name string) string { return filepath.Join(dir, name) }

	require.NoError(t, VerifyTLSConfig(path("node-1.crt"), path("node-1.key"), path("ca.crt")))

	err := VerifyTLSConfig(path("server-only.crt"), path("server-only.key"), path("ca.crt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client authentication")

	err = VerifyTLSConfig(path("missing.crt"), path("node-1.key"), path("ca.crt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node certificate file not found")

	err = VerifyTLSConfig(path("node-1.crt"), path("server-only.key"), path("ca.crt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key pair")

	err = verifyAt(path("node-1.crt"), path("node-1.key"), path("ca.crt"), time.Now().Add(48*time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	other := t.TempDir()
	newTestCA(t, other)
	err = VerifyTLSConfig(path("node-1.crt"), path("node-1.key"), filepath.Join(other, "ca.crt"))
	require.Error(t, err)
}
