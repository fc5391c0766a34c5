// Package certparse decodes RFC 6962 Merkle leaves and their companion
// extra data into models.ParsedCertificate. It is pure: no I/O, no shared
// state, safe to call from any goroutine.
package certparse

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"

	"ctfleet/pkg/models"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ...) for context; tests
// assert membership with errors.Is.
var (
	ErrLeafTooShort     = errors.New("certparse: leaf_input shorter than 12 bytes")
	ErrSkipped          = errors.New("certparse: precert skipped by configuration")
	ErrUnknownEntryType = errors.New("certparse: unknown merkle leaf entry type")
	ErrDerInvalid       = errors.New("certparse: DER parse failed")
	ErrTruncatedLength  = errors.New("certparse: declared DER length exceeds available bytes")
)

// leafHeaderLen is the byte offset layout from spec.md §4.3:
//
//	0-1   version, merkle-leaf-type
//	2-9   entry timestamp (big-endian u64, milliseconds)
//	10-11 entry_type (big-endian u16)
const leafHeaderLen = 12

// ParseError wraps a sentinel with the entry index it occurred at. Parse
// itself returns the bare sentinel errors and never builds a ParseError.
type ParseError struct {
	Index uint64
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("certparse: entry %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes one get-entries record. leafInput and extraData are already
// base64-decoded bytes (the HTTP client handles the wire encoding).
// allowPrecerts gates step 4 of spec.md §4.3.
func Parse(leafInput, extraData []byte, allowPrecerts bool) (models.ParsedCertificate, error) {
	if len(leafInput) < leafHeaderLen {
		return models.ParsedCertificate{}, ErrLeafTooShort
	}

	// bytes 0-1: version, leaf type. Not validated against a specific value
	// beyond length — logs in the wild use version 0 (v1) exclusively, and
	// rejecting on mismatch would wedge a poller on a single oddity for no
	// benefit over trusting the length-prefixed body that follows.
	entryTimestampMillis := binary.BigEndian.Uint64(leafInput[2:10])
	entryType := models.EntryType(binary.BigEndian.Uint16(leafInput[10:12]))

	logTimestamp := time.UnixMilli(int64(entryTimestampMillis)).UTC()

	var der []byte
	var isPrecert bool

	switch entryType {
	case models.EntryTypeX509:
		body, err := readLengthPrefixed(leafInput[leafHeaderLen:])
		if err != nil {
			return models.ParsedCertificate{}, err
		}
		der = body
	case models.EntryTypePrecert:
		if !allowPrecerts {
			return models.ParsedCertificate{}, ErrSkipped
		}
		body, err := readLengthPrefixed(extraData)
		if err != nil {
			return models.ParsedCertificate{}, err
		}
		der = body
		isPrecert = true
	default:
		return models.ParsedCertificate{}, fmt.Errorf("%w: %d", ErrUnknownEntryType, entryType)
	}

	parsed, err := extractFromDER(der)
	if err != nil {
		return models.ParsedCertificate{}, fmt.Errorf("%w: %v", ErrDerInvalid, err)
	}

	parsed.IsPrecert = isPrecert
	parsed.EntryType = entryType
	parsed.LogTimestamp = logTimestamp
	return parsed, nil
}

// readLengthPrefixed reads a 3-byte big-endian length L followed by L
// bytes, per spec.md §4.3 steps 3-4.
func readLengthPrefixed(b []byte) ([]byte, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("%w: need 3-byte length prefix, have %d bytes", ErrTruncatedLength, len(b))
	}
	l := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	if uint32(len(b)-3) < l {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrTruncatedLength, l, len(b)-3)
	}
	return b[3 : 3+l], nil
}

// extractFromDER parses the certificate and pulls out the fields the
// spec's data model calls for. SAN dNSName is primary; subject CN is the
// fallback when no dNSName entries are present.
func extractFromDER(der []byte) (models.ParsedCertificate, error) {
	cert, err := ctx509.ParseCertificate(der)
	if err != nil {
		return models.ParsedCertificate{}, err
	}

	names := make([]string, 0, len(cert.DNSNames))
	for _, n := range cert.DNSNames {
		n = strings.ToLower(strings.TrimSuffix(n, "."))
		if n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 && cert.Subject.CommonName != "" {
		names = append(names, strings.ToLower(strings.TrimSuffix(cert.Subject.CommonName, ".")))
	}

	ips := make([]string, 0, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}

	fingerprint := sha256.Sum256(der)

	return models.ParsedCertificate{
		DNSNames:    names,
		IPAddresses: ips,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: hex.EncodeToString(fingerprint[:]),
		IssuerCN:    cert.Issuer.CommonName,
	}, nil
}
