package keycrypt

import (
	"context"
	"encoding/base64"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

const defaultTransitMount = "transit"

// Vault delegates encryption to a Vault Transit secrets engine. The stored
// bytes are Vault's "vault:vN:..." ciphertext string.
type Vault struct {
	client  *vault.Client
	mount   string
	keyName string
}

type VaultOption func(*Vault)

// WithTransitMount overrides the transit engine mount path.
func WithTransitMount(mount string) VaultOption {
	return func(v *Vault) {
		v.mount = mount
	}
}

func NewVault(address, token, keyName string, opts ...VaultOption) (*Vault, error) {
	if keyName == "" {
		return nil, errors.New("[keycrypt.NewVault] transit key name is required")
	}
	cfg := vault.DefaultConfig()
	if cfg.Error != nil {
		return nil, errors.Wrap(cfg.Error, "[keycrypt.NewVault] default config")
	}
	if address != "" {
		cfg.Address = address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "[keycrypt.NewVault] client")
	}
	if token != "" {
		client.SetToken(token)
	}

	v := &Vault{client: client, mount: defaultTransitMount, keyName: keyName}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Vault) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.path("encrypt"), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Vault.Encrypt] transit encrypt")
	}
	ciphertext, err := stringField(secret, "ciphertext")
	if err != nil {
		return nil, errors.Wrap(err, "[Vault.Encrypt]")
	}
	return []byte(ciphertext), nil
}

func (v *Vault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.path("decrypt"), map[string]interface{}{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Vault.Decrypt] transit decrypt")
	}
	encoded, err := stringField(secret, "plaintext")
	if err != nil {
		return nil, errors.Wrap(err, "[Vault.Decrypt]")
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "[Vault.Decrypt] decoding plaintext")
	}
	return plaintext, nil
}

func (v *Vault) path(op string) string {
	return fmt.Sprintf("%s/%s/%s", v.mount, op, v.keyName)
}

func stringField(secret *vault.Secret, field string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", errors.New("empty response from vault")
	}
	s, ok := secret.Data[field].(string)
	if !ok || s == "" {
		return "", errors.Errorf("vault response missing %q", field)
	}
	return s, nil
}
