package certparse

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
	"time"
)

// selfSignedDER builds a minimal self-signed certificate DER for the given
// DNS names, usable as the payload the parser's DER extractor runs on.
func selfSignedDER(t *testing.T, dnsNames []string, commonName string, notBefore, notAfter time.Time) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		DNSNames:     dnsNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}

// leafInputFor builds a synthetic MerkleTreeLeaf leaf_input header of the
// given entry type followed by a 3-byte DER length prefix of derLen, per
// spec.md §4.3. Callers append the DER bytes themselves.
func leafInputFor(entryType uint16, derLen int) []byte {
	b := make([]byte, leafHeaderLen+3)
	// version=0, leaf-type=0
	b[0], b[1] = 0, 0
	binary.BigEndian.PutUint64(b[2:10], uint64(time.Now().UnixMilli()))
	binary.BigEndian.PutUint16(b[10:12], entryType)
	b[12] = byte(derLen >> 16)
	b[13] = byte(derLen >> 8)
	b[14] = byte(derLen)
	return b
}

func TestParse_X509Entry(t *testing.T) {
	der := selfSignedDER(t, []string{"New.Example.com.", "other.example.com"}, "", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	leaf := append(leafInputFor(0, len(der)), der...)

	parsed, err := Parse(leaf, nil, true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.IsPrecert {
		t.Error("expected IsPrecert=false for x509_entry")
	}
	if len(parsed.DNSNames) != 2 || parsed.DNSNames[0] != "new.example.com" {
		t.Errorf("unexpected DNSNames: %v", parsed.DNSNames)
	}
	if parsed.Fingerprint == "" {
		t.Error("expected non-empty fingerprint")
	}
}

func TestParse_CommonNameFallback(t *testing.T) {
	der := selfSignedDER(t, nil, "cn-only.example.com", time.Now(), time.Now().Add(time.Hour))
	leaf := append(leafInputFor(0, len(der)), der...)

	parsed, err := Parse(leaf, nil, true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.DNSNames) != 1 || parsed.DNSNames[0] != "cn-only.example.com" {
		t.Errorf("expected CN fallback, got %v", parsed.DNSNames)
	}
}

func TestParse_PrecertEntry(t *testing.T) {
	der := selfSignedDER(t, []string{"api.target.io"}, "", time.Now(), time.Now().Add(time.Hour))
	leafOnly := leafInputFor(1, 0) // precert TBS stub in leaf_input is not parsed
	extra := append([]byte{byte(len(der) >> 16), byte(len(der) >> 8), byte(len(der))}, der...)

	parsed, err := Parse(leafOnly, extra, true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !parsed.IsPrecert {
		t.Error("expected IsPrecert=true")
	}
	if len(parsed.DNSNames) != 1 || parsed.DNSNames[0] != "api.target.io" {
		t.Errorf("unexpected DNSNames: %v", parsed.DNSNames)
	}
}

func TestParse_PrecertSkippedWhenDisallowed(t *testing.T) {
	leafOnly := leafInputFor(1, 0)
	_, err := Parse(leafOnly, []byte{0, 0, 0}, false)
	if !errors.Is(err, ErrSkipped) {
		t.Errorf("expected ErrSkipped, got %v", err)
	}
}

func TestParse_LeafTooShort(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3}, nil, true)
	if !errors.Is(err, ErrLeafTooShort) {
		t.Errorf("expected ErrLeafTooShort, got %v", err)
	}
}

func TestParse_UnknownEntryType(t *testing.T) {
	leaf := leafInputFor(99, 0)
	_, err := Parse(leaf, nil, true)
	if !errors.Is(err, ErrUnknownEntryType) {
		t.Errorf("expected ErrUnknownEntryType, got %v", err)
	}
}

func TestParse_TruncatedDER(t *testing.T) {
	// Declare a DER length longer than what follows.
	leaf := leafInputFor(0, 1000)
	leaf = append(leaf, []byte{1, 2, 3}...) // far short of 1000 bytes
	_, err := Parse(leaf, nil, true)
	if !errors.Is(err, ErrTruncatedLength) {
		t.Errorf("expected ErrTruncatedLength, got %v", err)
	}
}

func TestParse_MalformedDERReturnsDerInvalid(t *testing.T) {
	garbage := []byte{0xde, 0xad, 0xbe, 0xef}
	leaf := append(leafInputFor(0, len(garbage)), garbage...)
	_, err := Parse(leaf, nil, true)
	if !errors.Is(err, ErrDerInvalid) {
		t.Errorf("expected ErrDerInvalid, got %v", err)
	}
}
