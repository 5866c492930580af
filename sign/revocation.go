package sign

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/ocsp"

	"github.com/veraseal/veraseal/revocation"
)

// RevocationCache interfaces caching for fetched revocation data.
type RevocationCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte)
}

// MemoryCache implements a simple thread-safe in-memory cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string][]byte)}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.items[key]
	return data, ok
}

func (c *MemoryCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = data
}

func embedOCSPRevocationStatus(cert, issuer *x509.Certificate, i *revocation.InfoArchival, cache RevocationCache) error {
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return err
	}

	ocsp_url := fmt.Sprintf("%s/%s", strings.TrimRight(cert.OCSPServer[0], "/"),
		base64.StdEncoding.EncodeToString(req))

	if cache != nil {
		if data, ok := cache.Get(ocsp_url); ok {
			return i.AddOCSP(data)
		}
	}

	resp, err := http.Get(ocsp_url)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	ocsp_resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return err
	}
	if ocsp_resp.Status != ocsp.Good {
		return fmt.Errorf("OCSP status is not 'Good': %v", ocsp_resp.Status)
	}

	if cache != nil {
		cache.Put(ocsp_url, body)
	}

	return i.AddOCSP(body)
}

func embedCRLRevocationStatus(cert, issuer *x509.Certificate, i *revocation.InfoArchival, cache RevocationCache) error {
	crl_url := cert.CRLDistributionPoints[0]
	if cache != nil {
		if data, ok := cache.Get(crl_url); ok {
			return i.AddCRL(data)
		}
	}

	resp, err := http.Get(crl_url)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	crl, err := x509.ParseRevocationList(body)
	if err != nil {
		return fmt.Errorf("failed to parse CRL: %w", err)
	}

	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("CRL signature invalid: %w", err)
		}
	}

	for _, revoked := range crl.RevokedCertificateEntries {
		if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return fmt.Errorf("certificate is revoked in CRL")
		}
	}

	if cache != nil {
		cache.Put(crl_url, body)
	}

	return i.AddCRL(body)
}

// RevocationOptions configures how revocation status is fetched and embedded.
type RevocationOptions struct {
	EmbedOCSP bool
	EmbedCRL  bool
	Cache     RevocationCache
}

// NewRevocationFunction returns a RevocationFunction honoring the options.
// Both sources are tried when enabled, an error is returned only when
// nothing could be embedded for a certificate that advertises endpoints.
func NewRevocationFunction(opts RevocationOptions) RevocationFunction {
	return func(cert, issuer *x509.Certificate, i *revocation.InfoArchival) error {
		var ocsp_err, crl_err error
		embedded := false

		if opts.EmbedOCSP && issuer != nil && len(cert.OCSPServer) > 0 {
			if ocsp_err = embedOCSPRevocationStatus(cert, issuer, i, opts.Cache); ocsp_err == nil {
				embedded = true
			}
		}
		if opts.EmbedCRL && len(cert.CRLDistributionPoints) > 0 {
			if crl_err = embedCRLRevocationStatus(cert, issuer, i, opts.Cache); crl_err == nil {
				embedded = true
			}
		}

		if embedded {
			return nil
		}
		if ocsp_err != nil && crl_err != nil {
			return fmt.Errorf("revocation check failed: ocsp=%v, crl=%v", ocsp_err, crl_err)
		}
		if ocsp_err != nil {
			return ocsp_err
		}
		return crl_err
	}
}

// DefaultEmbedRevocationStatusFunction embeds both OCSP and CRL when the
// certificate advertises them.
func DefaultEmbedRevocationStatusFunction(cert, issuer *x509.Certificate, i *revocation.InfoArchival) error {
	return NewRevocationFunction(RevocationOptions{
		EmbedOCSP: true,
		EmbedCRL:  true,
	})(cert, issuer, i)
}
