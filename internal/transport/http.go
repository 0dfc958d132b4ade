package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const maxResponseBytes = 1 << 20

// TLSConfig holds client-side TLS options for the HTTP transport.
type TLSConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string
	SkipVerify bool
}

// HTTPConfig configures HTTPTransport.
type HTTPConfig struct {
	Timeout time.Duration
	TLS     *TLSConfig
	Logger  *slog.Logger
	// Client overrides the underlying http.Client; Timeout and TLS are ignored when set.
	Client *http.Client
}

// HTTPTransport POSTs JSON payloads with the project token header.
type HTTPTransport struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client != nil {
		return &HTTPTransport{client: cfg.Client, logger: cfg.Logger}, nil
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = tlsConfig
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: cfg.Timeout, Transport: tr},
		logger: cfg.Logger,
	}, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, payload any, projectToken string) (*Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set(TokenHeader, projectToken)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("request failed", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	t.logger.Debug("request completed", "endpoint", endpoint, "status", resp.StatusCode, "bytes", len(data))

	res := ParseResponse(resp.StatusCode, bytes.TrimSpace(raw))
	if res == nil {
		// Non-JSON body: keep the status, drop the body.
		res = ParseResponse(resp.StatusCode, nil)
	}
	return res, nil
}

func setupTLS(cfg *TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for development collectors
		ServerName:         cfg.ServerName,
	}
	if cfg.CACert != "" {
		if err := loadCACert(tlsConfig, cfg.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}
