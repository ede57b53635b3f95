package config

import "time"

type KeyConfig interface {
	GetSigningAlgorithm() string
	GetSigningKeyLifetime() time.Duration
	GetSigningKeyCacheTTL() time.Duration
	GetKeyEncryption() string
	GetKeyEncryptionKey() string
	GetVaultAddress() string
	GetVaultToken() string
	GetVaultKeyName() string
}

type Keys struct {
	section KeySection
}

var _ KeyConfig = Keys{}

func (k Keys) GetSigningAlgorithm() string {
	return k.section.Algorithm
}

func (k Keys) GetSigningKeyLifetime() time.Duration {
	return k.section.Lifetime
}

func (k Keys) GetSigningKeyCacheTTL() time.Duration {
	return k.section.CacheTTL
}

func (k Keys) GetKeyEncryption() string {
	return k.section.Encryption
}

// GetKeyEncryptionKey returns the base64 encoded AES-256 key used by the aesgcm provider.
func (k Keys) GetKeyEncryptionKey() string {
	return k.section.EncryptionKey
}

func (k Keys) GetVaultAddress() string {
	return k.section.VaultAddress
}

func (k Keys) GetVaultToken() string {
	return k.section.VaultToken
}

func (k Keys) GetVaultKeyName() string {
	return k.section.VaultKeyName
}
