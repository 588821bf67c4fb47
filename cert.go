// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	zx509 "github.com/zmap/zcrypto/x509"

	"github.com/device-security/go-spdm/protocol"
)

// TrustStore decides which root certificates anchor a Responder's chain.
// Implementations may hold anchors in memory or in external storage.
type TrustStore interface {
	// TrustedRoot reports whether the DER certificate is an accepted trust
	// anchor.
	TrustedRoot(ctx context.Context, der []byte) (bool, error)
}

// TrustAnchors is an in-memory TrustStore holding DER certificates.
type TrustAnchors [][]byte

// TrustedRoot implements TrustStore.
func (a TrustAnchors) TrustedRoot(_ context.Context, der []byte) (bool, error) {
	for _, anchor := range a {
		if bytes.Equal(anchor, der) {
			return true, nil
		}
	}
	return false, nil
}

// CertificateChain is a Responder certificate chain that passed verification.
// Certs runs root first, leaf last; Digest is the negotiated hash over the
// encoded chain blob, the value DIGESTS and CHALLENGE_AUTH report.
type CertificateChain struct {
	Raw    []byte
	Digest []byte
	Certs  []*x509.Certificate
}

// Leaf returns the end-entity certificate whose key signs challenge and
// key-exchange responses.
func (c *CertificateChain) Leaf() *x509.Certificate { return c.Certs[len(c.Certs)-1] }

// verifyCertChain parses and verifies a certificate chain blob: the root
// hash must match the leading certificate, the leading certificate must be a
// trust anchor, and every certificate must chain to it by signature.
func verifyCertChain(ctx context.Context, blob []byte, hash crypto.Hash, roots TrustStore) (*CertificateChain, error) {
	chain, err := protocol.UnmarshalChain(blob, hash.Size())
	if err != nil {
		return nil, &AuthenticationError{Reason: "malformed certificate chain", Err: err}
	}

	certs := make([]*x509.Certificate, 0, len(chain.Certificates))
	for i, der := range chain.Certificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, &AuthenticationError{
				Reason: fmt.Sprintf("certificate %d unparseable", i),
				Err:    diagnoseCertificate(der, err),
			}
		}
		certs = append(certs, cert)
	}

	rootDigest := hashSum(hash, chain.Certificates[0])
	if !bytes.Equal(rootDigest, chain.RootHash) {
		return nil, &AuthenticationError{Reason: "root hash mismatch", Err: ErrCryptoVerifyFailed}
	}

	trusted, err := roots.TrustedRoot(ctx, chain.Certificates[0])
	if err != nil {
		return nil, fmt.Errorf("error querying trust store: %w", err)
	}
	if !trusted {
		return nil, &AuthenticationError{Reason: "root certificate is not a trust anchor", Err: ErrCryptoVerifyFailed}
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(certs[0])
	intermediatePool := x509.NewCertPool()
	for _, cert := range certs[1 : len(certs)-1] {
		intermediatePool.AddCert(cert)
	}
	if _, err := certs[len(certs)-1].Verify(x509.VerifyOptions{
		Roots:         rootPool,
		Intermediates: intermediatePool,
		CurrentTime:   time.Now().UTC(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, &AuthenticationError{
			Reason: "certificate chain does not verify",
			Err:    fmt.Errorf("%v: %w", err, ErrCryptoVerifyFailed),
		}
	}

	return &CertificateChain{
		Raw:    blob,
		Digest: hashSum(hash, blob),
		Certs:  certs,
	}, nil
}

// diagnoseCertificate reparses a certificate the strict parser rejected with
// the lenient zcrypto parser, to name the subject in the error when the DER
// itself is intact.
func diagnoseCertificate(der []byte, strictErr error) error {
	cert, err := zx509.ParseCertificate(der)
	if err != nil {
		return strictErr
	}
	return fmt.Errorf("certificate %q: %w", cert.Subject.String(), strictErr)
}

func hashSum(hash crypto.Hash, data []byte) []byte {
	h := hash.New()
	h.Write(data)
	return h.Sum(nil)
}
