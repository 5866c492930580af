package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	ErrNilSigner      = errors.New("signer cannot be nil")
	ErrNilCertificate = errors.New("certificate cannot be nil")
	ErrUnsupportedKey = errors.New("unsupported key type")
	ErrKeyMismatch    = errors.New("signer public key does not match certificate")
)

// DefaultSignatureSize is the fallback estimate for unrecognized key types.
const DefaultSignatureSize = 8192

// SignatureSize returns the maximum raw signature size in bytes produced by
// the signer's key. The certificate's SignatureAlgorithm is useless here, it
// describes how the CA signed the certificate.
func SignatureSize(signer crypto.Signer) (int, error) {
	if signer == nil {
		return 0, ErrNilSigner
	}
	return PublicKeySignatureSize(signer.Public())
}

// PublicKeySignatureSize returns the maximum signature size for a public key.
func PublicKeySignatureSize(pub crypto.PublicKey) (int, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.Size(), nil
	case *ecdsa.PublicKey:
		// DER SEQUENCE of two INTEGERs, worst case one padding byte each.
		coord := (k.Curve.Params().BitSize + 7) / 8
		return 2*coord + 9, nil
	case ed25519.PublicKey:
		return ed25519.SignatureSize, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// ValidateSignerCertificateMatch checks that the signer produces signatures
// verifiable with the certificate's public key.
func ValidateSignerCertificateMatch(signer crypto.Signer, cert *x509.Certificate) error {
	if signer == nil {
		return ErrNilSigner
	}
	if cert == nil {
		return ErrNilCertificate
	}

	signerPub, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return fmt.Errorf("marshal signer public key: %w", err)
	}
	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal certificate public key: %w", err)
	}

	if string(signerPub) != string(certPub) {
		return ErrKeyMismatch
	}
	return nil
}
