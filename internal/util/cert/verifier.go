package cert

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
)

// VerifyTLSConfig 启动前检查节点证书：文件存在、私钥匹配、在有效期内、由 CA 签发，
// 并且同时可用于服务端与客户端认证（节点之间互相拨号）
func VerifyTLSConfig(certFile, keyFile, caCertFile string) error {
	return verifyAt(certFile, keyFile, caCertFile, time.Now())
}

func verifyAt(certFile, keyFile, caCertFile string, now time.Time) error {
	for _, f := range []struct{ kind, path string }{
		{"node certificate", certFile},
		{"node key", keyFile},
		{"CA certificate", caCertFile},
	} {
		if _, err := os.Stat(f.path); err != nil {
			return errors.Wrapf(err, "%s file not found: %s", f.kind, f.path)
		}
	}

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return errors.Wrap(err, "failed to load node certificate key pair")
	}
	if len(pair.Certificate) == 0 {
		return errors.New("no certificate found in file")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return errors.Wrap(err, "failed to parse node certificate")
	}
	if now.After(leaf.NotAfter) {
		return errors.Errorf("node certificate expired at %s", leaf.NotAfter)
	}
	if now.Before(leaf.NotBefore) {
		return errors.Errorf("node certificate not valid until %s", leaf.NotBefore)
	}

	caBytes, err := os.ReadFile(caCertFile)
	if err != nil {
		return errors.Wrap(err, "failed to read CA certificate")
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caBytes) {
		return errors.New("failed to parse CA certificate")
	}

	for _, usage := range []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth} {
		opts := x509.VerifyOptions{
			Roots:       roots,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{usage},
		}
		if _, err := leaf.Verify(opts); err != nil {
			return errors.Wrapf(err, "node certificate %q cannot be used for %s", leaf.Subject.CommonName, usageName(usage))
		}
	}

	return nil
}

func usageName(usage x509.ExtKeyUsage) string {
	if usage == x509.ExtKeyUsageServerAuth {
		return "server authentication"
	}
	return "client authentication"
}
