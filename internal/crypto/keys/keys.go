// Package keys provides the long-lived RSA identity keys used for
// per-message sender authenticity. Key generation happens once at
// registration time; only the public half ever reaches the relay.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// ModulusBits is the RSA key size for identity keypairs.
	ModulusBits = 2048

	publicPEMType  = "PUBLIC KEY"
	privatePEMType = "PRIVATE KEY"
)

var ErrInvalidKey = errors.New("invalid identity key")

// KeyPair holds a freshly generated identity keypair.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair produces a fresh RSA identity keypair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, ModulusBits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate rsa key: %w", err)
	}
	return KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// Sign produces an RSA PKCS#1 v1.5 SHA-256 signature over the ciphertext
// bytes. Signing always covers the ciphertext, never the plaintext, so the
// relay can verify authenticity without decrypting.
func Sign(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key required: %w", ErrInvalidKey)
	}
	digest := sha256.Sum256(ciphertext)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign ciphertext: %w", err)
	}
	return sig, nil
}

// Verify reports whether the signature over the ciphertext bytes was made by
// the holder of the private half of pub. Malformed inputs fail closed.
func Verify(pub *rsa.PublicKey, ciphertext, signature []byte) bool {
	if pub == nil || len(signature) == 0 {
		return false
	}
	digest := sha256.Sum256(ciphertext)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature) == nil
}

// MarshalPublicKey encodes the public key as a PKIX PEM block.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("public key required: %w", ErrInvalidKey)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: der}), nil
}

// ParsePublicKey decodes a PKIX PEM public key and rejects non-RSA keys.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicPEMType {
		return nil, fmt.Errorf("expected %s PEM block: %w", publicPEMType, ErrInvalidKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not RSA: %w", parsed, ErrInvalidKey)
	}
	return pub, nil
}

// MarshalPrivateKey encodes the private key as a PKCS#8 PEM block.
func MarshalPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key required: %w", ErrInvalidKey)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: der}), nil
}

// ParsePrivateKey decodes a PKCS#8 PEM private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privatePEMType {
		return nil, fmt.Errorf("expected %s PEM block: %w", privatePEMType, ErrInvalidKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not RSA: %w", parsed, ErrInvalidKey)
	}
	return priv, nil
}
