// Package keycrypt protects signing key material at rest. Providers take and
// return opaque bytes so that a KMS can replace the local implementations
// without changing the key store.
package keycrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
)

type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

var (
	_ Provider = Plaintext{}
	_ Provider = (*AESGCM)(nil)
	_ Provider = (*Vault)(nil)
)

// Plaintext stores key material unchanged. Development only.
type Plaintext struct{}

func (Plaintext) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (Plaintext) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

// AESGCM seals key material with a local AES-256-GCM key. Output is nonce||ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("[keycrypt.NewAESGCM] key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "[keycrypt.NewAESGCM] cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "[keycrypt.NewAESGCM] gcm")
	}
	return &AESGCM{aead: aead}, nil
}

// NewAESGCMFromBase64 decodes a standard base64 key, as held in configuration.
func NewAESGCMFromBase64(encoded string) (*AESGCM, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "[keycrypt.NewAESGCMFromBase64] decoding key")
	}
	return NewAESGCM(key)
}

func (a *AESGCM) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "[AESGCM.Encrypt] nonce")
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *AESGCM) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(ciphertext) < n+a.aead.Overhead() {
		return nil, errors.New("[AESGCM.Decrypt] ciphertext too short")
	}
	plaintext, err := a.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "[AESGCM.Decrypt] open")
	}
	return plaintext, nil
}
