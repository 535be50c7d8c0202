package tlsutil

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCertificateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	cert, err := EnsureCertificate(dir, "192.168.1.50", "studio.local")
	if err != nil {
		t.Fatalf("EnsureCertificate: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("no certificate chain")
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := parsed.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost not covered: %v", err)
	}
	if err := parsed.VerifyHostname("192.168.1.50"); err != nil {
		t.Errorf("LAN IP not covered: %v", err)
	}
	if err := parsed.VerifyHostname("studio.local"); err != nil {
		t.Errorf("DNS name not covered: %v", err)
	}

	for _, name := range []string{"cert.pem", "key.pem"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not persisted: %v", name, err)
		}
	}
}

func TestEnsureCertificateReloadsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureCertificate(dir)
	if err != nil {
		t.Fatalf("first EnsureCertificate: %v", err)
	}
	second, err := EnsureCertificate(dir)
	if err != nil {
		t.Fatalf("second EnsureCertificate: %v", err)
	}

	a, _ := x509.ParseCertificate(first.Certificate[0])
	b, _ := x509.ParseCertificate(second.Certificate[0])
	if a.SerialNumber.Cmp(b.SerialNumber) != 0 {
		t.Error("second call regenerated instead of reloading")
	}
}
