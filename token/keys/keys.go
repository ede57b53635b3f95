package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Algorithm is a JWS algorithm name as it appears in token headers and JWKs.
type Algorithm string

const (
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	RS256 Algorithm = "RS256"
)

const rsaKeyBits = 2048

// ParseAlgorithm validates a configured algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case ES256, ES384, RS256:
		return a, nil
	default:
		return "", errors.Errorf("unsupported signing algorithm %q", s)
	}
}

// KeyPair is the usable form of a signing key. PrivateKey is nil for
// verification-only pairs.
type KeyPair struct {
	KeyID      string
	PrivateKey crypto.PrivateKey
	PublicKey  crypto.PublicKey
	Algorithm  Algorithm
}

// GenerateKeyPair creates a new key pair for alg.
func GenerateKeyPair(alg Algorithm, keyID string) (*KeyPair, error) {
	var (
		privateKey crypto.PrivateKey
		publicKey  crypto.PublicKey
	)

	switch alg {
	case ES256, ES384:
		curve := elliptic.P256()
		if alg == ES384 {
			curve = elliptic.P384()
		}
		ecKey, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate ECDSA key")
		}
		privateKey, publicKey = ecKey, &ecKey.PublicKey
	case RS256:
		rsaKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate RSA key")
		}
		privateKey, publicKey = rsaKey, &rsaKey.PublicKey
	default:
		return nil, errors.Errorf("unsupported signing algorithm %q", alg)
	}

	return &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Algorithm:  alg,
	}, nil
}

// GetSigningMethod returns the JWT signing method for this key pair
func (kp *KeyPair) GetSigningMethod() jwt.SigningMethod {
	switch kp.Algorithm {
	case ES384:
		return jwt.SigningMethodES384
	case RS256:
		return jwt.SigningMethodRS256
	default:
		return jwt.SigningMethodES256
	}
}

// Public returns a copy of the pair without the private key.
func (kp *KeyPair) Public() *KeyPair {
	return &KeyPair{KeyID: kp.KeyID, PublicKey: kp.PublicKey, Algorithm: kp.Algorithm}
}

// ExportPublicKeyPEM exports the public key as PEM
func (kp *KeyPair) ExportPublicKeyPEM() (string, error) {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal public key")
	}

	pubKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})

	return string(pubKeyPEM), nil
}

// ExportPrivateKeyPEM exports the private key as PEM
func (kp *KeyPair) ExportPrivateKeyPEM() ([]byte, error) {
	var privateKeyBytes []byte
	var err error
	var blockType string

	switch key := kp.PrivateKey.(type) {
	case *rsa.PrivateKey:
		privateKeyBytes = x509.MarshalPKCS1PrivateKey(key)
		blockType = "RSA PRIVATE KEY"
	case *ecdsa.PrivateKey:
		privateKeyBytes, err = x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal ECDSA private key")
		}
		blockType = "EC PRIVATE KEY"
	default:
		return nil, errors.New("unsupported private key type")
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  blockType,
		Bytes: privateKeyBytes,
	}), nil
}

// LoadPrivateKeyPEM parses an "EC PRIVATE KEY" or "RSA PRIVATE KEY" block.
func LoadPrivateKeyPEM(pemData []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse ECDSA private key")
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse RSA private key")
		}
		return key, nil
	default:
		return nil, errors.Errorf("unsupported PEM block %q", block.Type)
	}
}

// LoadPublicKeyPEM parses a PKIX "PUBLIC KEY" block.
func LoadPublicKeyPEM(pemData string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	return key, nil
}
