package revocation

import (
	"crypto/x509"
	"math/big"
	"testing"

	"github.com/veraseal/veraseal/internal/testpki"
)

func TestArchivalAccumulatesMaterial(t *testing.T) {
	var info InfoArchival

	if err := info.AddCRL([]byte{0x30, 0x00}); err != nil {
		t.Fatalf("AddCRL: %v", err)
	}
	if err := info.AddOCSP([]byte{0x30, 0x00}); err != nil {
		t.Fatalf("AddOCSP: %v", err)
	}
	if len(info.CRL) != 1 || len(info.OCSP) != 1 {
		t.Fatalf("material = %d CRLs, %d OCSPs", len(info.CRL), len(info.OCSP))
	}
}

func TestIsRevoked(t *testing.T) {
	ca := testpki.NewCA(t, "Veraseal Test CA")
	leaf := ca.IssueLeaf(t, "Veraseal Leaf Signer")

	var clean InfoArchival
	if err := clean.AddCRL(ca.CleanCRL(t)); err != nil {
		t.Fatalf("AddCRL: %v", err)
	}
	if err := clean.AddOCSP(ca.GoodOCSP(t, leaf.Certificate)); err != nil {
		t.Fatalf("AddOCSP: %v", err)
	}
	if clean.IsRevoked(leaf.Certificate) {
		t.Error("clean material reported the leaf as revoked")
	}

	// Unparseable material is skipped, never treated as revocation.
	var garbage InfoArchival
	_ = garbage.AddCRL([]byte("not a crl"))
	_ = garbage.AddOCSP([]byte("not an ocsp response"))
	if garbage.IsRevoked(leaf.Certificate) {
		t.Error("garbage material reported the leaf as revoked")
	}

	// An unrelated serial in the material does not implicate the leaf.
	other := &x509.Certificate{SerialNumber: big.NewInt(999999)}
	if clean.IsRevoked(other) {
		t.Error("unrelated certificate reported as revoked")
	}
}
