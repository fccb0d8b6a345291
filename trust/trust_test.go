package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func genCert(t *testing.T, subject string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, isCA bool, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: subject},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}

	signerCert := tmpl
	signerKey := key
	if parent != nil {
		signerCert = parent
		signerKey = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return cert, key, pemBytes
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyAcceptsLeafSignedByTrustedCA(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	caCert, caKey, caPEM := genCert(t, "test-ca", nil, nil, true, now.Add(-time.Hour), now.Add(time.Hour))
	leafCert, _, leafPEM := genCert(t, "leaf", caCert, caKey, false, now.Add(-time.Hour), now.Add(time.Hour))
	_ = leafCert

	writeFile(t, filepath.Join(root, "ca"), "root.pem", caPEM)
	leafPath := writeFile(t, root, "leaf.pem", leafPEM)

	ctx, err := Load(root, "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := ctx.Verify(leafPath); err != nil {
		t.Fatalf("expected verify to succeed, got %v", err)
	}
}

func TestVerifyRejectsUntrustedLeaf(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	otherCA, otherKey, _ := genCert(t, "other-ca", nil, nil, true, now.Add(-time.Hour), now.Add(time.Hour))
	_, _, leafPEM := genCert(t, "leaf", otherCA, otherKey, false, now.Add(-time.Hour), now.Add(time.Hour))
	leafPath := writeFile(t, root, "leaf.pem", leafPEM)

	ctx, err := Load(root, "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := ctx.Verify(leafPath); err == nil {
		t.Fatal("expected verify to fail: no trusted CA deployed")
	}
}

func TestBlockedSetTakesPrecedenceOverTrusted(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	caCert, caKey, caPEM := genCert(t, "test-ca", nil, nil, true, now.Add(-time.Hour), now.Add(time.Hour))
	leafCert, _, leafPEM := genCert(t, "leaf", caCert, caKey, false, now.Add(-time.Hour), now.Add(time.Hour))

	writeFile(t, filepath.Join(root, "ca"), "root.pem", caPEM)
	leafPath := writeFile(t, root, "leaf.pem", leafPEM)

	leafOnlyPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafCert.Raw})
	writeFile(t, filepath.Join(root, "blocked"), "leaf.pem", leafOnlyPEM)

	ctx, err := Load(root, "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := ctx.Verify(leafPath); err == nil {
		t.Fatal("expected verify to fail: leaf is blocked despite trusted CA signing it")
	}
}

func TestVerifyRejectsExpiredCertificate(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	caCert, caKey, caPEM := genCert(t, "test-ca", nil, nil, true, now.Add(-2*time.Hour), now.Add(time.Hour))
	_, _, leafPEM := genCert(t, "leaf", caCert, caKey, false, now.Add(-2*time.Hour), now.Add(-time.Hour))

	writeFile(t, filepath.Join(root, "ca"), "root.pem", caPEM)
	leafPath := writeFile(t, root, "leaf.pem", leafPEM)

	ctx, err := Load(root, "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := ctx.Verify(leafPath); err == nil {
		t.Fatal("expected verify to fail: leaf certificate has expired")
	}
}

func TestDeployTrustedCAIsRestartable(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	ctx, err := Load(root, "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx.caCache.minRefresh = 0 // make the test deterministic regardless of wall-clock granularity

	caCert, caKey, caPEM := genCert(t, "test-ca", nil, nil, true, now.Add(-time.Hour), now.Add(time.Hour))
	_, _, leafPEM := genCert(t, "leaf", caCert, caKey, false, now.Add(-time.Hour), now.Add(time.Hour))
	leafPath := writeFile(t, root, "leaf.pem", leafPEM)

	if err := ctx.Verify(leafPath); err == nil {
		t.Fatal("expected verify to fail before the CA is deployed")
	}

	caSource := writeFile(t, t.TempDir(), "root.pem", caPEM)
	if err := ctx.DeployTrustedCA(caSource); err != nil {
		t.Fatalf("deploy trusted ca: %v", err)
	}

	if err := ctx.Verify(leafPath); err != nil {
		t.Fatalf("expected verify to succeed after CA deployment, got %v", err)
	}
}
