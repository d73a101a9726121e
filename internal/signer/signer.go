// Package signer implements the request signers accepted by Widevine
// license servers: AES-CBC over a SHA-1 digest, and RSA-PSS.
package signer

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// AES signs requests by hashing the message with SHA-1 and encrypting the
// digest with AES-CBC under a provisioned signing key.
type AES struct {
	name string
	key  []byte
	iv   []byte
}

// NewAES creates an AES signer. The key must be a valid AES key length and
// the IV one block.
func NewAES(name string, key, iv []byte) (*AES, error) {
	if _, err := aes.NewCipher(key); err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &AES{name: name, key: key, iv: iv}, nil
}

// Name returns the signer identity carried in the signed envelope.
func (s *AES) Name() string {
	return s.name
}

// Sign encrypts the SHA-1 digest of message with AES-CBC.
func (s *AES) Sign(message []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	digest := sha1.Sum(message)
	padded := pkcs7Pad(digest[:], aes.BlockSize)
	signature := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, s.iv).CryptBlocks(signature, padded)
	return signature, nil
}

// RSA signs requests with RSA-PSS over a SHA-1 digest.
type RSA struct {
	name string
	key  *rsa.PrivateKey
}

// NewRSA creates an RSA signer from a PEM-encoded private key (PKCS#1 or
// PKCS#8).
func NewRSA(name string, pemKey []byte) (*RSA, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in signing key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSA{name: name, key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want RSA", parsed)
	}
	return &RSA{name: name, key: key}, nil
}

// NewRSAFromKey wraps an in-memory private key, used by tests and callers
// that provision keys elsewhere.
func NewRSAFromKey(name string, key *rsa.PrivateKey) *RSA {
	return &RSA{name: name, key: key}
}

// Name returns the signer identity carried in the signed envelope.
func (s *RSA) Name() string {
	return s.name
}

// Sign produces an RSA-PSS signature with a salt as long as the digest.
func (s *RSA) Sign(message []byte) ([]byte, error) {
	digest := sha1.Sum(message)
	opts := &rsa.PSSOptions{SaltLength: sha1.Size, Hash: crypto.SHA1}
	signature, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA1, digest[:], opts)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return signature, nil
}

// PublicKey exposes the verification key.
func (s *RSA) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - (len(data) % blockSize)
	padText := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(data, padText...)
}
