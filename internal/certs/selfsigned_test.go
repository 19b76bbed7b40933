package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "gw.icu.local", "10.0.0.7", "localhost")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if x509Cert.Subject.CommonName != "vigil" {
		t.Errorf("CommonName = %q", x509Cert.Subject.CommonName)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	if want := []string{"localhost", "gw.icu.local"}; !slices.Equal(x509Cert.DNSNames, want) {
		t.Errorf("DNSNames = %v, want %v", x509Cert.DNSNames, want)
	}
	if !slices.ContainsFunc(x509Cert.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) }) {
		t.Errorf("IPAddresses = %v, missing 10.0.0.7", x509Cert.IPAddresses)
	}

	cfg := cert.TLSConfig()
	if len(cfg.Certificates) != 1 {
		t.Errorf("TLSConfig certificates = %d", len(cfg.Certificates))
	}
}

func TestGenerateMaxValidity(t *testing.T) {
	t.Parallel()
	for _, req := range []time.Duration{30 * 24 * time.Hour, 0} {
		cert, err := Generate(req)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
		if err != nil {
			t.Fatalf("failed to parse cert: %v", err)
		}
		if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != MaxValidity {
			t.Errorf("Generate(%v): validity = %v, want %v", req, validity, MaxValidity)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(gen.TLSCert.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: gen.TLSCert.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("fingerprint differs from generated certificate")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", loaded.NotAfter, gen.NotAfter)
	}

	if _, err := Load(filepath.Join(dir, "missing.pem"), keyFile); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
