// Package tls builds crypto/tls configurations for the probe client and the
// reference service.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// ServerConfig selects the certificate a server presents. CertFile/KeyFile
// win over Dir, which holds tls.crt and tls.key (generated on first use when
// AutoGenerate is set). Files are re-read when they change.
type ServerConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"`
	MaxVersion   string `mapstructure:"max_version"`
}

func (c ServerConfig) Enabled() bool { return c.CertFile != "" || c.KeyFile != "" || c.Dir != "" }

// ClientConfig controls how the probe verifies HTTPS services.
type ClientConfig struct {
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	MinVersion         string `mapstructure:"min_version"`
}

func (c ClientConfig) Enabled() bool {
	return c.CAFile != "" || c.InsecureSkipVerify || c.ServerName != "" || c.MinVersion != ""
}

func parseTLSVersion(ver string) (uint16, bool, error) {
	switch strings.ToLower(ver) {
	case "", "default":
		return 0, false, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// resolveTLSVersions defaults to 1.2 as minimum and 1.3 as maximum.
func resolveTLSVersions(minStr, maxStr string) (minVer, maxVer uint16, err error) {
	minVer, maxVer = tls.VersionTLS12, tls.VersionTLS13
	if v, ok, err := parseTLSVersion(minStr); err != nil {
		return 0, 0, err
	} else if ok {
		minVer = v
	}
	if v, ok, err := parseTLSVersion(maxStr); err != nil {
		return 0, 0, err
	} else if ok {
		maxVer = v
	}
	if minVer > maxVer {
		return 0, 0, fmt.Errorf("TLS min version %s above max version %s", minStr, maxStr)
	}
	return minVer, maxVer, nil
}

// keyPair reloads a certificate when either file's modification time changes,
// so rotated files apply to new handshakes without a restart.
type keyPair struct {
	certFile, keyFile string

	mu       sync.Mutex
	cert     *tls.Certificate
	modified time.Time
}

func (k *keyPair) latestMod() (time.Time, error) {
	var latest time.Time
	for _, f := range []string{k.certFile, k.keyFile} {
		st, err := os.Stat(f)
		if err != nil {
			return time.Time{}, err
		}
		if st.ModTime().After(latest) {
			latest = st.ModTime()
		}
	}
	return latest, nil
}

func (k *keyPair) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	mod, err := k.latestMod()
	if err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, err
	}
	if k.cert == nil || mod.After(k.modified) {
		c, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		k.cert, k.modified = &c, mod
	}
	return k.cert, nil
}

// SetupServer returns nil when c is not enabled.
func SetupServer(c ServerConfig) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(c.MinVersion, c.MaxVersion)
	if err != nil {
		return nil, err
	}

	// Priority 1: Use specific cert/key files if provided
	if c.CertFile != "" && c.KeyFile != "" {
		return createTLSConfig(c.CertFile, c.KeyFile, minVer, maxVer)
	}

	// Priority 2: Use directory-based certificates
	if c.Dir != "" {
		keyPath := filepath.Join(c.Dir, tlsKey)
		certPath := filepath.Join(c.Dir, tlsCrt)
		if c.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(c.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		if !certificatesExist(certPath, keyPath) {
			return nil, fmt.Errorf("no %s and %s in %s", tlsCrt, tlsKey, c.Dir)
		}
		return createTLSConfig(certPath, keyPath, minVer, maxVer)
	}

	return nil, errors.New("TLS enabled but cert_file and key_file must be set together")
}

// SetupClient returns nil when c is not enabled, leaving Go's defaults.
func SetupClient(c ClientConfig) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	minVer, _, err := resolveTLSVersions(c.MinVersion, "")
	if err != nil {
		return nil, err
	}
	// #nosec G402 skipping verification is an explicit opt-in for test services
	cfg := &tls.Config{
		MinVersion:         minVer,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(filepath.Clean(c.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// CAFile is where generateCertificate stores the CA certificate for dir.
func CAFile(dir string) string { return filepath.Join(dir, tlsCaCrt) }

func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) (*tls.Config, error) {
	kp := &keyPair{certFile: filepath.Clean(certPath), keyFile: filepath.Clean(keyPath)}
	if _, err := kp.get(nil); err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: kp.get,
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

// generateCertificate writes a self-signed localhost certificate into destDir.
func generateCertificate(destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   "localhost",
		Organization: "svcprobe",
		Hosts:        []string{"localhost", "127.0.0.1", "::1"},
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
