// Package revocation models the Adobe revocation information archival
// attribute (1.2.840.113583.1.1.8) carried as a signed attribute of the
// certification signature.
package revocation

import (
	"crypto/x509"
	"encoding/asn1"

	"golang.org/x/crypto/ocsp"
)

// InfoArchival is the archival container holding the revocation material for
// the embedded certificate chain, captured at signing time.
type InfoArchival struct {
	CRL   CRL   `asn1:"tag:0,optional,explicit"`
	OCSP  OCSP  `asn1:"tag:1,optional,explicit"`
	Other Other `asn1:"tag:2,optional,explicit"`
}

// AddCRL embeds the DER bytes of a certificate revocation list.
func (r *InfoArchival) AddCRL(b []byte) error {
	r.CRL = append(r.CRL, asn1.RawValue{FullBytes: b})
	return nil
}

// AddOCSP embeds the DER bytes of an OCSP response.
func (r *InfoArchival) AddOCSP(b []byte) error {
	r.OCSP = append(r.OCSP, asn1.RawValue{FullBytes: b})
	return nil
}

// IsRevoked reports whether any embedded CRL or OCSP response marks the
// certificate as revoked. Material that fails to parse is skipped; absence of
// material is not revocation, callers enforce completeness separately.
func (r *InfoArchival) IsRevoked(c *x509.Certificate) bool {
	for _, raw := range r.CRL {
		crl, err := x509.ParseRevocationList(raw.FullBytes)
		if err != nil {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(c.SerialNumber) == 0 {
				return true
			}
		}
	}

	for _, raw := range r.OCSP {
		resp, err := ocsp.ParseResponse(raw.FullBytes, nil)
		if err != nil {
			continue
		}
		if resp.SerialNumber.Cmp(c.SerialNumber) == 0 && resp.Status == ocsp.Revoked {
			return true
		}
	}

	return false
}

// CRL holds raw DER certificate revocation lists.
type CRL []asn1.RawValue

// OCSP holds raw DER OCSP responses.
type OCSP []asn1.RawValue

// Other carries any additional revocation information format.
type Other struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}
