package tlsmachine

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "slipstack-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// pumpUntil ferries ciphertext between two sessions until pred
// reports done, or the deadline elapses.
func pumpUntil(t *testing.T, a, b *Session, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 16*1024)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		if n := a.WriteExtract(buf); n > 0 {
			b.ReadInject(buf[:n])
		}
		if n := b.WriteExtract(buf); n > 0 {
			a.ReadInject(buf[:n])
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("pumpUntil: deadline exceeded")
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	cert := selfSignedCert(t)
	serverCfg := baseConfig(Server)
	serverCfg.Certificates = []tls.Certificate{cert}
	clientCfg := baseConfig(Client)

	server := FromContext(serverCfg, Server)
	client := FromContext(clientCfg, Client)
	defer server.Close()
	defer client.Close()

	pumpUntil(t, client, server, func() bool {
		return client.IsHandshakeComplete() && server.IsHandshakeComplete()
	})

	want := []byte("hello over a BIO pair")
	if err := client.WriteInject(want); err != nil {
		t.Fatalf("WriteInject: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) && len(got) < len(want) {
		if n := client.WriteExtract(buf); n > 0 {
			server.ReadInject(buf[:n])
		}
		n, err := server.ReadExtract(buf)
		if err != nil {
			t.Fatalf("ReadExtract: %v", err)
		}
		got = append(got, buf[:n]...)
		time.Sleep(time.Millisecond)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("round trip = %q; want %q", got, want)
	}
}

func TestReadExtractNeedMoreBeforeHandshake(t *testing.T) {
	cert := selfSignedCert(t)
	serverCfg := baseConfig(Server)
	serverCfg.Certificates = []tls.Certificate{cert}
	server := FromContext(serverCfg, Server)
	defer server.Close()

	n, err := server.ReadExtract(make([]byte, 16))
	if n != 0 || err != nil {
		t.Fatalf("ReadExtract before handshake = %d, %v; want 0, nil (NeedMore)", n, err)
	}
}

func TestHardenedCipherSuitesExcludeDES(t *testing.T) {
	for _, id := range hardenedCipherSuites() {
		name := tls.CipherSuiteName(id)
		if excluded(name) {
			t.Fatalf("hardened cipher suite list includes excluded suite %s", name)
		}
	}
}
