package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

var ErrNoCertificates = errors.New("config: no certificates in CA file")

const (
	DefaultCertName = "cert.pem"
	DefaultKeyName  = "private.key"
)

// CertPaths resolves the certificate and key file names.
func (t TLS) CertPaths() (string, string) {
	cert, key := t.CertFile, t.KeyFile
	if cert == "" {
		cert = filepath.Join(t.CertDir, DefaultCertName)
	} else if !filepath.IsAbs(cert) && t.CertDir != "" {
		cert = filepath.Join(t.CertDir, cert)
	}
	if key == "" {
		key = filepath.Join(t.CertDir, DefaultKeyName)
	} else if !filepath.IsAbs(key) && t.CertDir != "" {
		key = filepath.Join(t.CertDir, key)
	}
	return cert, key
}

// ServerConfig loads the key pair and, with VerifyClient, the CA pool used
// to check client certificates. Clients without a certificate are still
// accepted; verifyPeer sees every presented chain.
func (t TLS) ServerConfig(verifyPeer func(rawCerts [][]byte, chains [][]*x509.Certificate) error) (*tls.Config, error) {
	certPath, keyPath := t.CertPaths()
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("config: load key pair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.NoClientCert,
	}
	if t.VerifyClient {
		pool, err := LoadCertPool(t.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		cfg.VerifyPeerCertificate = verifyPeer
	}
	return cfg, nil
}

func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, path)
	}
	return pool, nil
}

// CertReloader hands TLS handshakes the most recently loaded key pair, so
// certificates rotated on disk apply without a restart.
type CertReloader struct {
	current atomic.Pointer[tls.Certificate]
}

func NewCertReloader(t TLS) (*CertReloader, error) {
	c := &CertReloader{}
	if err := c.Reload(t); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload swaps in the key pair named by t. On error the old pair stays.
func (c *CertReloader) Reload(t TLS) error {
	certPath, keyPath := t.CertPaths()
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("config: load key pair: %w", err)
	}
	c.current.Store(&pair)
	return nil
}

func (c *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return c.current.Load(), nil
}

// Install replaces the static certificates of cfg with the reloader.
func (c *CertReloader) Install(cfg *tls.Config) {
	cfg.Certificates = nil
	cfg.GetCertificate = c.GetCertificate
}
