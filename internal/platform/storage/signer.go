package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Signer produces the signatures embedded in V4 signed invoice download
// URLs. Email is used as the GoogleAccessID of the URL.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs download URLs with a service account's RSA key. The key
// JSON arrives through the Storage.SignerKey secret; no metadata-server or
// IAM API round trip is involved.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewKeySigner parses a service account JSON key into a signer.
func NewKeySigner(keyJSON []byte) (*KeySigner, error) {
	if len(keyJSON) == 0 {
		return nil, errors.New("storage: signer key is empty")
	}

	var account struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(keyJSON, &account); err != nil {
		return nil, fmt.Errorf("storage: decode signer key: %w", err)
	}
	account.ClientEmail = strings.TrimSpace(account.ClientEmail)
	account.PrivateKey = strings.TrimSpace(account.PrivateKey)
	if account.ClientEmail == "" {
		return nil, errors.New("storage: signer key has no client_email")
	}
	if account.PrivateKey == "" {
		return nil, errors.New("storage: signer key has no private_key")
	}

	block, _ := pem.Decode([]byte(account.PrivateKey))
	if block == nil {
		return nil, errors.New("storage: signer key private_key is not PEM")
	}
	rsaKey, err := rsaKeyFromDER(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: account.ClientEmail, key: rsaKey}, nil
}

// Email returns the service account email the URLs are signed as.
func (s *KeySigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes signs payload with RSA-SHA256, the scheme GCS expects for
// service-account-signed URLs.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if len(payload) == 0 {
		return nil, errors.New("storage: nothing to sign")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest := sha256.Sum256(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign download url: %w", err)
	}
	return signature, nil
}

// rsaKeyFromDER accepts both encodings Google key files have shipped with:
// PKCS#8 on current files, PKCS#1 on very old ones.
func rsaKeyFromDER(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: signer key is not RSA")
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("storage: parse signer key: %w", err)
	}
	return rsaKey, nil
}
