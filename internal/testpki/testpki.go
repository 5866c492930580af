// Package testpki builds throwaway PKI material for tests: self-signed
// signers, CA/leaf chains and the revocation payloads the security store
// carries.
package testpki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Identity is one certificate with its private key.
type Identity struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
}

var serial int64 = 1000

func nextSerial() *big.Int {
	serial++
	return big.NewInt(serial)
}

func generate(t *testing.T, template, parent *x509.Certificate, parentKey *rsa.PrivateKey) Identity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signerKey := parentKey
	if signerKey == nil {
		parent = template
		signerKey = key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return Identity{Certificate: cert, Key: key}
}

// SelfSigned issues a self-signed signing certificate. It is CA-capable so
// it can double as its own trust anchor and revocation issuer.
func SelfSigned(t *testing.T, commonName string) Identity {
	t.Helper()
	return generate(t, &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, nil, nil)
}

// NewCA issues a root certificate authority.
func NewCA(t *testing.T, commonName string) Identity {
	t.Helper()
	return generate(t, &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, nil, nil)
}

// IssueLeaf issues a signing leaf under the CA.
func (ca Identity) IssueLeaf(t *testing.T, commonName string) Identity {
	t.Helper()
	return generate(t, &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, ca.Certificate, ca.Key)
}

// CleanCRL builds a CRL signed by the issuer that revokes nothing.
func (ca Identity) CleanCRL(t *testing.T) []byte {
	t.Helper()

	crl, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     nextSerial(),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}, ca.Certificate, ca.Key)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	return crl
}

// GoodOCSP builds a DER OCSP response attesting the leaf is not revoked.
func (ca Identity) GoodOCSP(t *testing.T, leaf *x509.Certificate) []byte {
	t.Helper()

	resp, err := ocsp.CreateResponse(ca.Certificate, ca.Certificate, ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: leaf.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
	}, ca.Key)
	if err != nil {
		t.Fatalf("create OCSP response: %v", err)
	}
	return resp
}

// Pool returns a certificate pool holding the given identities.
func Pool(identities ...Identity) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, id := range identities {
		pool.AddCert(id.Certificate)
	}
	return pool
}
