package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config interface {
	EnvConfig
	CorsConfig
	TokenConfig
	KeyConfig
	PasswordConfig
	StorageConfig
	EventsConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetLogLevel() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

// File is the on-disk layout of the YAML configuration file. Every value can be
// overridden from the environment.
type File struct {
	App      AppSection      `yaml:"app"`
	Cors     CorsSection     `yaml:"cors"`
	Tokens   TokenSection    `yaml:"tokens"`
	Keys     KeySection      `yaml:"keys"`
	Password PasswordSection `yaml:"password"`
	Storage  StorageSection  `yaml:"storage"`
	Events   EventsSection   `yaml:"events"`
}

type AppSection struct {
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`
	Port     string `yaml:"port"`
	BaseURL  string `yaml:"base_url"`
	LogLevel string `yaml:"log_level"`
}

type CorsSection struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods string   `yaml:"allowed_methods"`
	AllowedHeaders string   `yaml:"allowed_headers"`
}

type TokenSection struct {
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	AccessTTL         time.Duration `yaml:"access_ttl"`
	ClockSkew         time.Duration `yaml:"clock_skew"`
	RefreshSliding    time.Duration `yaml:"refresh_sliding"`
	RefreshAbsolute   time.Duration `yaml:"refresh_absolute"`
	RefreshTokenBytes int           `yaml:"refresh_token_bytes"`
	ResetTTL          time.Duration `yaml:"reset_ttl"`
}

type KeySection struct {
	Algorithm     string        `yaml:"algorithm"`
	Lifetime      time.Duration `yaml:"lifetime"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	Encryption    string        `yaml:"encryption"` // none | aesgcm | vault
	EncryptionKey string        `yaml:"encryption_key"`
	VaultAddress  string        `yaml:"vault_address"`
	VaultToken    string        `yaml:"vault_token"`
	VaultKeyName  string        `yaml:"vault_key_name"`
}

type PasswordSection struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

type StorageSection struct {
	Driver        string `yaml:"driver"` // sqlite3 | mysql
	DSN           string `yaml:"dsn"`
	Revocation    string `yaml:"revocation"` // sql | redis | memory
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type EventsSection struct {
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

type mainConfig struct {
	EnvVars
	Cors
	Tokens
	Keys
	Password
	Storage
	Events
}

// New returns the configuration built from defaults and environment variables.
func New() Config {
	return fromFile(Defaults())
}

// Load reads the YAML file at path on top of the defaults and then applies
// environment overrides. An empty path behaves like New.
func Load(path string) (Config, error) {
	f := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "[config.Load] reading %s", path)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(err, "[config.Load] parsing %s", path)
		}
	}
	return fromFile(f), nil
}

func fromFile(f File) Config {
	applyEnvOverrides(&f)
	return mainConfig{
		EnvVars:  EnvVars{app: f.App},
		Cors:     newCors(f.Cors),
		Tokens:   Tokens{section: f.Tokens},
		Keys:     Keys{section: f.Keys},
		Password: Password{section: f.Password},
		Storage:  Storage{section: f.Storage},
		Events:   Events{section: f.Events},
	}
}

// Defaults returns the built-in configuration values.
func Defaults() File {
	return File{
		App: AppSection{
			Name:     "Go Identity Server",
			Env:      "DEV",
			Port:     "8080",
			BaseURL:  "http://localhost:8080",
			LogLevel: "info",
		},
		Cors: CorsSection{
			AllowedOrigins: []string{"tbd.com"},
			AllowedMethods: "GET, POST, PUT, PATCH, DELETE",
			AllowedHeaders: "Content-Type, Authorization",
		},
		Tokens: TokenSection{
			Audience:          "identity-api",
			AccessTTL:         15 * time.Minute,
			ClockSkew:         30 * time.Second,
			RefreshSliding:    30 * 24 * time.Hour,
			RefreshAbsolute:   90 * 24 * time.Hour,
			RefreshTokenBytes: 32,
			ResetTTL:          time.Hour,
		},
		Keys: KeySection{
			Algorithm:    "ES256",
			Lifetime:     90 * 24 * time.Hour,
			CacheTTL:     30 * time.Second,
			Encryption:   "none",
			VaultKeyName: "identity-signing-keys",
		},
		Password: PasswordSection{
			MemoryKiB:   46 * 1024,
			Iterations:  1,
			Parallelism: 1,
		},
		Storage: StorageSection{
			Driver:     "sqlite3",
			DSN:        "./data/identity.db",
			Revocation: "sql",
		},
		Events: EventsSection{
			Queue: "identity.security_events",
		},
	}
}
