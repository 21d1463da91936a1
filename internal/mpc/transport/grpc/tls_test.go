package grpc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type testCA struct {
	dir  string
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mesh test ca"},
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
	return &testCA{dir: dir, cert: cert, key: key}
}

// issue 签发同时支持服务端和客户端认证的节点证书
func (ca *testCA) issue(t *testing.T, nodeID string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: nodeID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(ca.dir, nodeID+".crt")
	keyFile = filepath.Join(ca.dir, nodeID+".key")
	writePEM(t, certFile, "CERTIFICATE", der)
	writePEM(t, keyFile, "EC PRIVATE KEY", keyDER)
	return certFile, keyFile
}

func (ca *testCA) caFile() string {
	return filepath.Join(ca.dir, "ca.crt")
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))
}

func newTLSTransport(t *testing.T, ca *testCA, id string) *Transport {
	t.Helper()
	certFile, keyFile := ca.issue(t, id)
	tr := New(Config{
		NodeID:        id,
		ListenAddress: "127.0.0.1:0",
		Peers:         map[string]string{},
		TLSEnabled:    true,
		TLSCertFile:   certFile,
		TLSKeyFile:    keyFile,
		TLSCACertFile: ca.caFile(),
		MaxConnAge:    time.Hour,
		KeepAlive:     30 * time.Second,
		Timeout:       2 * time.Second,
		DialBackoff:   20 * time.Millisecond,
		DialRetries:   3,
	})
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransport_MutualTLS(t *testing.T) {
	ca := newTestCA(t)
	a := newTLSTransport(t, ca, "node-a")
	b := newTLSTransport(t, ca, "node-b")
	a.SetPeer("node-b", b.Addr())
	b.SetPeer("node-a", a.Addr())

	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, "node-b"))
	assert.Equal(t, "node-a", waitEvent(t, b, transport.EventPeerConnected).Peer)

	require.NoError(t, a.Send(ctx, "node-b", []byte("hello")))
	ev := waitEvent(t, b, transport.EventMessageReceived)
	assert.Equal(t, "node-a", ev.Peer)
	assert.Equal(t, []byte("hello"), ev.Data)
}

func TestTransport_TLSRequiresClientCertificate(t *testing.T) {
	ca := newTestCA(t)
	b := newTLSTransport(t, ca, "node-b")

	caPEM, err := os.ReadFile(ca.caFile())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	// 只校验服务端证书、自己不出示证书的客户端
	conn, err := grpc.NewClient(b.Addr(),
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = conn.Invoke(ctx, deliverMethod, &Frame{From: "node-a", Data: []byte("forged")}, new(Ack))
	require.Error(t, err)

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %s from %s", ev.Type, ev.Peer)
	default:
	}
}

func tlsContext(commonName string) context.Context {
	state := tls.ConnectionState{PeerCertificates: []*x509.Certificate{{Subject: pkix.Name{CommonName: commonName}}}}
	return peer.NewContext(context.Background(), &peer.Peer{AuthInfo: credentials.TLSInfo{State: state}})
}

func TestTransport_DeliverBindsSenderToCertificate(t *testing.T) {
	tr := New(Config{NodeID: "node-a", TLSEnabled: true})
	t.Cleanup(func() { _ = tr.Close() })

	_, err := tr.Deliver(tlsContext("node-b"), &Frame{From: "node-c", Data: []byte("x")})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = tr.Deliver(context.Background(), &Frame{From: "node-b", Data: []byte("x")})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = tr.Deliver(tlsContext("node-b"), &Frame{From: "node-b", Data: []byte("x")})
	require.NoError(t, err)
	ev := <-tr.Events()
	assert.Equal(t, transport.EventMessageReceived, ev.Type)
	assert.Equal(t, "node-b", ev.Peer)
}
