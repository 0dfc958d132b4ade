// Package tls builds server-side TLS settings for the collector, generating a
// self-signed certificate for local development when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names used inside ServerConfig.Dir.
const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// ServerConfig selects the certificate. CertFile/KeyFile win over Dir.
type ServerConfig struct {
	CertFile string
	KeyFile  string
	Dir      string
	// AutoGenerate creates a self-signed pair in Dir when none exists.
	AutoGenerate bool
	CommonName   string
	DNSNames     []string
	IPAddresses  []string
	ValidDays    int
	MinVersion   string
}

// Enabled reports whether any certificate source is configured.
func (c ServerConfig) Enabled() bool {
	return (c.CertFile != "" && c.KeyFile != "") || c.Dir != ""
}

// parseVersion maps "1.2"/"1.3" onto crypto/tls constants.
func parseVersion(ver string) (uint16, bool) {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "1.2":
		return tls.VersionTLS12, true
	case "1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns the tls.Config for cfg, or nil when TLS is not configured.
// Certificates are re-read on every handshake so they can be rotated on disk.
func Setup(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	minVer := uint16(tls.VersionTLS12)
	if cfg.MinVersion != "" {
		v, ok := parseVersion(cfg.MinVersion)
		if !ok {
			return nil, fmt.Errorf("unsupported TLS version %q", cfg.MinVersion)
		}
		minVer = v
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		certPath = filepath.Join(cfg.Dir, CertFile)
		keyPath = filepath.Join(cfg.Dir, KeyFile)
		if !exists(certPath, keyPath) {
			if !cfg.AutoGenerate {
				return nil, errors.New("no certificate in " + cfg.Dir + " and auto-generation is off")
			}
			if err := generate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail early on an unusable pair
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &c, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(cfg ServerConfig) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", cfg.Dir, err)
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertRequest{
		CommonName:   valOr(cfg.CommonName, "localhost"),
		Organization: "analytics-go",
		DNSNames:     sliceOr(cfg.DNSNames, []string{"localhost"}),
		IPAddresses:  sliceOr(cfg.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(cfg.Dir, CertFile),
		KeyPath:      filepath.Join(cfg.Dir, KeyFile),
		CACertPath:   filepath.Join(cfg.Dir, CACertFile),
	})
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func sliceOr(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
