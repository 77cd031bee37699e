package secure

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/muurk/loxclient/internal/lxerr"
)

func certificatePEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "miniserver"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestPublicKeyFromPEM(t *testing.T) {
	first, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	last, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	der, err := x509.MarshalPKIXPublicKey(&last.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	bareKey := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	tests := []struct {
		name   string
		bundle string
	}{
		{"single certificate", certificatePEM(t, last)},
		{"last certificate wins", certificatePEM(t, first) + certificatePEM(t, last)},
		{"bare public key in certificate markers", bareKey},
		{"surrounded by noise", "garbage\n" + certificatePEM(t, first) + "\n\n" + bareKey + "trailer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := PublicKeyFromPEM(tt.bundle)
			if err != nil {
				t.Fatalf("PublicKeyFromPEM() error: %v", err)
			}
			if !pub.Equal(&last.PublicKey) {
				t.Error("PublicKeyFromPEM() returned the wrong key")
			}
		})
	}
}

func TestPublicKeyFromPEMErrors(t *testing.T) {
	if _, err := PublicKeyFromPEM("no certificate here"); !errors.Is(err, lxerr.ErrHandshakeFailed) {
		t.Errorf("missing block error = %v, want handshake failure", err)
	}

	bad := "-----BEGIN CERTIFICATE-----\n!!!not base64!!!\n-----END CERTIFICATE-----"
	if _, err := PublicKeyFromPEM(bad); !errors.Is(err, lxerr.ErrHandshakeFailed) {
		t.Errorf("bad block error = %v, want handshake failure", err)
	}

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&ec.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	ecPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	if _, err := PublicKeyFromPEM(ecPEM); !errors.Is(err, lxerr.ErrHandshakeFailed) {
		t.Errorf("non-RSA key error = %v, want handshake failure", err)
	}
}
