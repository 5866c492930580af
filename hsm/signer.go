package hsm

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
)

// minKeyBits guards against weak signing keys; chains below this are
// rejected at construction.
const minKeyBits = 2048

// Signer adapts the remote signing service to crypto.Signer so the PDF
// signing layer can stay ignorant of where the private key lives.
//
// In dry-run mode Sign returns a zero-filled signature of the real key size,
// which lets the caller compute exact byte budgets without a second HSM
// round trip.
type Signer struct {
	Client        *Client
	CorrelationID string

	// DryRun short-circuits Sign with a zero-filled placeholder.
	DryRun bool

	leaf    *x509.Certificate
	keySize int

	// ctx carries the request scope; crypto.Signer has no context parameter.
	ctx context.Context
}

// NewSigner builds a Signer around the leaf certificate of a bootstrapped
// chain.
func NewSigner(ctx context.Context, client *Client, leaf *x509.Certificate, correlationID string) (*Signer, error) {
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("hsm: signing certificate does not carry an RSA key")
	}
	if pub.N.BitLen() < minKeyBits {
		return nil, fmt.Errorf("hsm: signing key size %d below %d bits is not allowed", pub.N.BitLen(), minKeyBits)
	}

	return &Signer{
		Client:        client,
		CorrelationID: correlationID,
		leaf:          leaf,
		keySize:       pub.Size(),
		ctx:           ctx,
	}, nil
}

// Public returns the public key of the signing certificate.
func (s *Signer) Public() crypto.PublicKey {
	return s.leaf.PublicKey
}

// KeySize returns the RSA modulus size in bytes, which equals the signature
// length.
func (s *Signer) KeySize() int { return s.keySize }

// Sign implements crypto.Signer by delegating the private-key operation to
// the remote service. rand is unused; the service owns the key.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if s.DryRun {
		return make([]byte, s.keySize), nil
	}

	var algorithm string
	switch opts.HashFunc() {
	case crypto.SHA256:
		algorithm = "RS256"
	case crypto.SHA384:
		algorithm = "RS384"
	case crypto.SHA512:
		algorithm = "RS512"
	default:
		return nil, &InvalidArgumentError{Reason: fmt.Sprintf("unsupported digest algorithm %v", opts.HashFunc())}
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	signature, _, err := s.Client.SignDigest(ctx, digest, algorithm, s.CorrelationID)
	if err != nil {
		return nil, err
	}
	return signature, nil
}
