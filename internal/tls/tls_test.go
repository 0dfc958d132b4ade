package tls

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/analytics-go/internal/transport"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(ServerConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
}

func TestSetupErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Setup(ServerConfig{Dir: dir}); err == nil {
		t.Fatal("expected error without certificates and auto-generation")
	}
	if _, err := Setup(ServerConfig{Dir: dir, AutoGenerate: true, MinVersion: "1.1"}); err == nil {
		t.Fatal("expected error for unsupported version")
	}
	if _, err := Setup(ServerConfig{CertFile: filepath.Join(dir, "x.crt"), KeyFile: filepath.Join(dir, "x.key")}); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]bool{"1.2": true, "TLS1.3": true, "tls1.2": true, "1.0": false, "": false} {
		if _, ok := parseVersion(in); ok != want {
			t.Errorf("parseVersion(%q) ok=%v, want %v", in, ok, want)
		}
	}
}

func TestAutoGeneratedCertServesTransport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(ServerConfig{Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{CertFile, KeyFile, CACertFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not generated: %v", name, err)
		}
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(transport.TokenHeader) != "tok" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"eventsIngested":1}`))
	}))
	srv.TLS = cfg
	srv.StartTLS()
	defer srv.Close()

	tr, err := transport.NewHTTP(transport.HTTPConfig{
		Timeout: 5 * time.Second,
		TLS:     &transport.TLSConfig{CACert: filepath.Join(dir, CACertFile), ServerName: "127.0.0.1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Send(context.Background(), srv.URL+"/events/activities", map[string]any{}, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != transport.StatusSuccess || res.Success.EventsIngested != 1 {
		t.Fatalf("unexpected response %+v", res)
	}

	// existing certificates are reused
	if _, err := Setup(ServerConfig{Dir: dir}); err != nil {
		t.Fatal(err)
	}
}
