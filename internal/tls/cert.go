package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// DefaultValidity is the lifetime of generated certificates.
const DefaultValidity = 365 * 24 * time.Hour

// CertConfig describes a self-signed certificate. Hosts mixes DNS names and IP
// literals. CACertPath, when set, receives a copy of the certificate so
// clients can pin it as their root.
type CertConfig struct {
	CommonName   string
	Organization string
	Hosts        []string
	Validity     time.Duration
	CertPath     string
	KeyPath      string
	CACertPath   string
}

// GenerateSelfSignedCert writes an ECDSA P-256 key and a certificate signed by
// that key. The key file is created with mode 0600.
func GenerateSelfSignedCert(c CertConfig) error {
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("cert and key paths are required")
	}
	if c.Validity <= 0 {
		c.Validity = DefaultValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: c.CommonName, Organization: []string{c.Organization}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(c.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range c.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := writePEM(c.KeyPath, 0o600, "PRIVATE KEY", keyDER); err != nil {
		return err
	}
	if err := writePEM(c.CertPath, 0o644, "CERTIFICATE", der); err != nil {
		return err
	}
	if c.CACertPath != "" {
		return writePEM(c.CACertPath, 0o644, "CERTIFICATE", der)
	}
	return nil
}

func writePEM(path string, perm os.FileMode, typ string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
