// Package certx provides the X.509 and PKCS#8 codec used for device
// certificate material: key generation, CSR creation, certificate chain
// encode/decode, and the public key pinning hash.
//
// All material crosses package boundaries as raw encoded bytes (PKCS#8 DER
// keys, concatenated X.509 DER chains, PEM on the wire); nothing is cached
// between calls.
package certx

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// DefaultKeyBits is the RSA key size used for device keypairs when the
// configuration does not specify one.
const DefaultKeyBits = 2048

const certificatePEMType = "CERTIFICATE"

// GenerateKeyPair creates a new RSA device key. Sizes below 2048 bits are
// rejected.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < 2048 {
		return nil, fmt.Errorf("certx: key size must be at least 2048 bits, got %d", bits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("certx: failed to generate key: %w", err)
	}
	return key, nil
}

// MarshalPrivateKey encodes a private key as PKCS#8 DER.
func MarshalPrivateKey(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("certx: failed to marshal PKCS8 key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey decodes a PKCS#8 DER private key.
func ParsePrivateKey(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("certx: failed to parse PKCS8 key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("certx: key type %T cannot sign", key)
	}
	return signer, nil
}

// CreateCSR builds a PKCS#10 certificate signing request (DER) for the device
// key. The common name carries the device identifier; the organization slot
// carries the device name so the gateway can label the issued certificate.
func CreateCSR(commonName, deviceName string, key crypto.Signer) ([]byte, error) {
	if commonName == "" {
		return nil, fmt.Errorf("certx: CSR common name must not be empty")
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: commonName,
		},
	}
	if deviceName != "" {
		tmpl.Subject.Organization = []string{deviceName}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("certx: failed to create CSR: %w", err)
	}
	return der, nil
}

// EncodeCertificateChain encodes a chain as concatenated X.509 DER, leaf
// first. This is the persisted form.
func EncodeCertificateChain(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range chain {
		buf.Write(cert.Raw)
	}
	return buf.Bytes()
}

// DecodeCertificateChain parses a concatenated DER chain produced by
// EncodeCertificateChain.
func DecodeCertificateChain(der []byte) ([]*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("certx: empty certificate chain")
	}

	chain, err := x509.ParseCertificates(der)
	if err != nil {
		return nil, fmt.Errorf("certx: failed to parse certificate chain: %w", err)
	}
	return chain, nil
}

// EncodeChainPEM renders a chain as concatenated PEM blocks, leaf first.
// This is the wire form the gateway sends and accepts.
func EncodeChainPEM(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range chain {
		_ = pem.Encode(&buf, &pem.Block{Type: certificatePEMType, Bytes: cert.Raw})
	}
	return buf.Bytes()
}

// DecodeChainPEM parses concatenated PEM certificate blocks. Non-certificate
// blocks are rejected rather than skipped so a malformed gateway response is
// surfaced.
func DecodeChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != certificatePEMType {
			return nil, fmt.Errorf("certx: unexpected PEM block %q in certificate chain", block.Type)
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certx: failed to parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("certx: no certificates found in PEM data")
	}
	return chain, nil
}

// KeyMatchesCertificate reports whether the public half of key matches the
// certificate's subject public key, byte for byte.
func KeyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	if key == nil || cert == nil {
		return false
	}

	keyPub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return false
	}
	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false
	}
	return bytes.Equal(keyPub, certPub)
}

// PublicKeyHash returns the pinning hash of a certificate: the base64
// standard encoding of the SHA-256 digest of the SubjectPublicKeyInfo.
// This is the single canonical format; pin sets in configuration must use it.
func PublicKeyHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}
