package hsm

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/digitorus/pkcs7"
	"go.uber.org/zap"
)

// chainCacheTTL bounds how long a bootstrapped chain is reused. The service
// only exposes certificates as part of a signing operation, so bootstrapping
// costs a full HSM round trip.
const chainCacheTTL = 15 * time.Minute

// bootstrapDigest is the sentinel input for the throwaway signing call. The
// resulting signature is discarded; only the certificate payload matters.
var bootstrapDigest = sha256.Sum256([]byte("bootstrap"))

// ChainSource bootstraps and caches the signer certificate chain for one
// account/profile pair.
type ChainSource struct {
	Client  *Client
	Account string
	Profile string
	Logger  *zap.Logger

	mu       sync.Mutex
	cachedAt time.Time
	cached   []*x509.Certificate

	// now is swappable in tests.
	now func() time.Time
}

func (s *ChainSource) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Certificates returns the signing chain, leaf first. A cached chain younger
// than the TTL is returned without a remote call; a stale entry is discarded
// before the next call.
func (s *ChainSource) Certificates(ctx context.Context, correlationID string) ([]*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.clock().Sub(s.cachedAt) < chainCacheTTL {
		return s.cached, nil
	}
	s.cached = nil

	_, blobs, err := s.Client.SignDigest(ctx, bootstrapDigest[:], "RS256", correlationID)
	if err != nil {
		return nil, fmt.Errorf("bootstrap signing call: %w", err)
	}
	if len(blobs) == 0 {
		return nil, &RemoteError{Reason: "bootstrap returned no certificate payload"}
	}

	var chain []*x509.Certificate
	for _, blob := range blobs {
		certs, err := ExtractCertificates(NormalizeCertificateBlob(blob))
		if err != nil {
			return nil, fmt.Errorf("bootstrap certificate payload: %w", err)
		}
		chain = append(chain, certs...)
	}
	if len(chain) == 0 {
		return nil, &RemoteError{Reason: "bootstrap payload contained no certificates"}
	}

	if s.Logger != nil {
		s.Logger.Info("signer certificate chain bootstrapped",
			zap.String("account", s.Account),
			zap.String("profile", s.Profile),
			zap.String("leaf_subject", chain[0].Subject.CommonName),
			zap.Int("chain_length", len(chain)),
		)
	}

	s.cached = chain
	s.cachedAt = s.clock()
	return chain, nil
}

// Invalidate drops the cached chain.
func (s *ChainSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

// NormalizeCertificateBlob maps the service's certificate payload variants
// onto bytes the DER/PEM parsers accept. The normalization order is fixed:
// PEM passes through, base64 is decoded when it hides an ASN.1 SEQUENCE,
// anything else is taken as raw DER.
func NormalizeCertificateBlob(blob []byte) []byte {
	data := trimSpace(blob)

	if hasPrefix(data, "-----BEGIN") {
		return data
	}

	compact := make([]byte, 0, len(data))
	for _, c := range data {
		if !isSpace(c) {
			compact = append(compact, c)
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(compact)); err == nil {
		if len(decoded) > 0 && decoded[0] == 0x30 { // ASN.1 SEQUENCE
			return decoded
		}
	}

	return data
}

// ExtractCertificates parses a normalized blob as PKCS#7 (PEM or DER) and
// falls back to a single X.509 certificate (PEM or DER). It fails only after
// every normalization has been tried.
func ExtractCertificates(data []byte) ([]*x509.Certificate, error) {
	if hasPrefix(data, "-----BEGIN") {
		if certs := extractPEM(data); len(certs) > 0 {
			return certs, nil
		}
		return nil, fmt.Errorf("PEM payload contained no certificates")
	}

	if p7, err := pkcs7.Parse(data); err == nil && len(p7.Certificates) > 0 {
		return p7.Certificates, nil
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return []*x509.Certificate{cert}, nil
	}

	return nil, fmt.Errorf("payload is neither PKCS#7 nor X.509 (PEM or DER)")
}

func extractPEM(data []byte) []*x509.Certificate {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "PKCS7":
			if p7, err := pkcs7.Parse(block.Bytes); err == nil {
				certs = append(certs, p7.Certificates...)
			}
		case "CERTIFICATE":
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				certs = append(certs, cert)
			}
		}
	}
	return certs
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func hasPrefix(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == prefix
}
