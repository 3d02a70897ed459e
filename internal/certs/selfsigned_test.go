package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "cam.local", "10.0.0.7")
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

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", validity)
	}
	if x509Cert.Subject.CommonName != "mjpegtap" {
		t.Errorf("CommonName = %q, want mjpegtap", x509Cert.Subject.CommonName)
	}

	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	for _, name := range []string{"localhost", "cam.local"} {
		if !slices.Contains(x509Cert.DNSNames, name) {
			t.Errorf("DNS names %v missing %q", x509Cert.DNSNames, name)
		}
	}
	if err := x509Cert.VerifyHostname("10.0.0.7"); err != nil {
		t.Errorf("VerifyHostname(10.0.0.7): %v", err)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if got := x509Cert.NotAfter.Sub(x509Cert.NotBefore); got != DefaultValidity {
		t.Errorf("validity = %v, want %v", got, DefaultValidity)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(gen.TLSCert.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	writePEM(t, certFile, "CERTIFICATE", gen.TLSCert.Certificate[0])
	writePEM(t, keyFile, "PRIVATE KEY", keyDER)

	loaded, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("loaded fingerprint differs from generated one")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", loaded.NotAfter, gen.NotAfter)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	if _, err := Load("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("Load of missing files should fail")
	}
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
