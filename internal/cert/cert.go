// Package cert provisions the TLS material the HTTP server listens
// with. A private CA and a server certificate signed by it are
// generated on first start when the configured files do not exist.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
)

var ErrIncompleteConfig = errors.New("tls requires cert_file and key_file")

type Config struct {
	Enabled     bool     `mapstructure:"enabled"`
	CertFile    string   `mapstructure:"cert_file"`
	KeyFile     string   `mapstructure:"key_file"`
	CAFile      string   `mapstructure:"ca_file"`
	CAKeyFile   string   `mapstructure:"ca_key_file"`
	DomainNames []string `mapstructure:"domain_names"`
	IPAddresses []string `mapstructure:"ip_addresses"`
}

// Ensure makes sure the server key pair exists, generating it (and the
// CA when CAFile is set but missing) if needed, and returns a TLS config
// serving it. Existing files are never overwritten.
func Ensure(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrIncompleteConfig
	}

	if !fileExists(cfg.CertFile) || !fileExists(cfg.KeyFile) {
		if err := generate(cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("Using existing server certificate", "cert_path", cfg.CertFile)
	}

	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func generate(cfg Config) error {
	domains := cfg.DomainNames
	if len(domains) == 0 {
		domains = []string{"localhost"}
	}
	ips, err := parseIPs(cfg.IPAddresses)
	if err != nil {
		return err
	}

	var caCert *x509.Certificate
	var caKey *ecdsa.PrivateKey
	if cfg.CAFile != "" && cfg.CAKeyFile != "" {
		caCert, caKey, err = ensureCA(cfg.CAFile, cfg.CAKeyFile)
		if err != nil {
			return err
		}
	}

	slog.Info("Server certificate not found, generating",
		"cert_path", cfg.CertFile,
		"domains", domains,
		"ips", ips,
		"self_signed", caCert == nil)

	cert, key, err := generateServerCert(caCert, caKey, domains, ips)
	if err != nil {
		return err
	}
	if err := writeCert(cert, cfg.CertFile); err != nil {
		return err
	}
	return writeKey(key, cfg.KeyFile)
}

func ensureCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if fileExists(certPath) && fileExists(keyPath) {
		return loadCA(certPath, keyPath)
	}

	slog.Info("CA certificate not found, generating new CA", "cert_path", certPath)
	caCert, caKey, err := generateCA()
	if err != nil {
		return nil, nil, err
	}
	if err := writeCert(caCert, certPath); err != nil {
		return nil, nil, err
	}
	if err := writeKey(caKey, keyPath); err != nil {
		return nil, nil, err
	}
	return caCert, caKey, nil
}

func serial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n, nil
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	sn, err := serial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"Shellmux CA"},
			CommonName:   "Shellmux Root CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return cert, key, nil
}

// generateServerCert signs with the CA, or self-signs when ca is nil.
func generateServerCert(ca *x509.Certificate, caKey *ecdsa.PrivateKey, domains []string, ips []net.IP) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}
	sn, err := serial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"Shellmux"},
			CommonName:   domains[0],
		},
		NotBefore:             now,
		NotAfter:              now.Add(serverValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              domains,
		IPAddresses:           ips,
	}

	parent, signer := ca, caKey
	if ca == nil {
		parent, signer = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}
	return cert, key, nil
}

func parseIPs(addrs []string) ([]net.IP, error) {
	if len(addrs) == 0 {
		return []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}, nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			return nil, fmt.Errorf("invalid ip address %q", a)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, err := readPEM(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, err := readPEM(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	caKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return caCert, caKey, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	return block, nil
}

func writeCert(cert *x509.Certificate, path string) error {
	return writePEM(path, 0o644, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func writeKey(key *ecdsa.PrivateKey, path string) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writePEM(path, 0o600, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writePEM(path string, perm os.FileMode, block *pem.Block) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
