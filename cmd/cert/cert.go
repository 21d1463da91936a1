package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/util/cert"
	"github.com/kashguard/go-mpc-mesh/internal/util/command"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	nodeValidity = 365 * 24 * time.Hour
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("cert",
		newGenCmd(),
	)
}

func newGenCmd() *cobra.Command {
	var (
		outDir    string
		hostnames []string
		nodes     []string
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a mesh CA and node certificates for mutual TLS",
		Long: `Generates ca.crt/ca.key and one certificate per node.

Every node certificate is valid for both server and client authentication,
since each mesh node dials its peers and accepts their connections.
"server.crt"/"server.key" is always written and matches the default
MPC_TLS_CERT_FILE/MPC_TLS_KEY_FILE.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := generateCerts(outDir, hostnames, nodes); err != nil {
				log.Fatal().Err(err).Msg("Failed to generate certificates")
			}
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "certs", "Output directory for certificates")
	cmd.Flags().StringSliceVar(&hostnames, "host", []string{"localhost", "127.0.0.1", "node-1", "node-2", "node-3"}, "Hostnames/IPs for node certificates")
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "Node ids to issue a dedicated certificate for")

	return cmd
}

func generateCerts(outDir string, hostnames []string, nodes []string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	log.Info().Msg("Generating mesh CA certificate")
	caKey, caCert, err := generateCA()
	if err != nil {
		return err
	}
	if err := writePair(outDir, "ca", caCert.Raw, caKey); err != nil {
		return err
	}

	for _, name := range append([]string{"server"}, nodes...) {
		log.Info().Str("node_id", name).Strs("hosts", hostnames).Msg("Generating node certificate")
		der, key, err := generateNodeCert(name, hostnames, caCert, caKey)
		if err != nil {
			return errors.Wrapf(err, "failed to generate certificate for %s", name)
		}
		if err := writePair(outDir, name, der, key); err != nil {
			return err
		}

		if err := cert.VerifyTLSConfig(
			filepath.Join(outDir, name+".crt"),
			filepath.Join(outDir, name+".key"),
			filepath.Join(outDir, "ca.crt"),
		); err != nil {
			return errors.Wrapf(err, "generated certificate for %s does not verify", name)
		}
	}

	log.Info().Str("dir", outDir).Int("nodes", len(nodes)+1).Msg("Certificates generated successfully")
	return nil
}

func writePair(dir, name string, der []byte, key *rsa.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certPEM, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s.crt", name)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".key"), keyPEM, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s.key", name)
	}
	return nil
}

func generateCA() (*rsa.PrivateKey, *x509.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate CA key")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"MPC Mesh"},
			CommonName:   "MPC Mesh Root CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create CA certificate")
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse CA certificate")
	}

	return priv, caCert, nil
}

// generateNodeCert 节点既是服务端也是客户端，CommonName 为节点 id
func generateNodeCert(nodeID string, hosts []string, caCert *x509.Certificate, caKey *rsa.PrivateKey) ([]byte, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"MPC Mesh"},
			CommonName:   nodeID,
		},
		NotBefore:   now,
		NotAfter:    now.Add(nodeValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	for _, h := range append([]string{nodeID}, hosts...) {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &priv.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}

	return der, priv, nil
}
