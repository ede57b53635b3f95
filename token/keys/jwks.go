package keys

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
)

// ToJWK converts the key pair's public key to a JWK with kid, alg and use=sig set.
// EC coordinates are emitted at the full curve width.
func (kp *KeyPair) ToJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(kp.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "converting key %s", kp.KeyID)
	}
	if err := key.Set(jwk.KeyIDKey, kp.KeyID); err != nil {
		return nil, errors.Wrap(err, "setting kid")
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.SignatureAlgorithm(kp.Algorithm)); err != nil {
		return nil, errors.Wrap(err, "setting alg")
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, errors.Wrap(err, "setting use")
	}
	return key, nil
}

// BuildJWKS returns the JSON Web Key Set for pairs.
func BuildJWKS(pairs []*KeyPair) (jwk.Set, error) {
	set := jwk.NewSet()
	for _, kp := range pairs {
		key, err := kp.ToJWK()
		if err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, errors.Wrapf(err, "adding key %s", kp.KeyID)
		}
	}
	return set, nil
}

// JWKS returns the discovery document for the current verification set.
func (m *Manager) JWKS(ctx context.Context) (jwk.Set, error) {
	pairs, err := m.VerificationKeyPairs(ctx)
	if err != nil {
		return nil, err
	}
	return BuildJWKS(pairs)
}
