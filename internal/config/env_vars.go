package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	portEnvVar    = "PORT"
	appNameVar    = "APP_NAME"
	baseURLVar    = "BASE_URL"
	envVar        = "ENV"
	logLevelVar   = "LOG_LEVEL"
	ConfigFileVar = "CONFIG_FILE"
)

type EnvVars struct {
	app AppSection
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.app.Port
	if port != "" && port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.app.Name
}

func (e EnvVars) GetEnv() string {
	if e.app.Env == "" {
		return "DEV"
	}
	return e.app.Env
}

// GetBaseURL returns the externally visible base URL (e.g., "https://id.example.com").
// It doubles as the default token issuer.
func (e EnvVars) GetBaseURL() string {
	return strings.TrimRight(e.app.BaseURL, "/")
}

func (e EnvVars) GetLogLevel() string {
	return e.app.LogLevel
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getInt(envVar string, defaultValue int) int {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return i
}

func getList(envVar string, defaultValue []string) []string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyEnvOverrides(f *File) {
	f.App.Name = GetEnv(appNameVar, f.App.Name)
	f.App.Env = GetEnv(envVar, f.App.Env)
	f.App.Port = GetEnv(portEnvVar, f.App.Port)
	f.App.BaseURL = GetEnv(baseURLVar, f.App.BaseURL)
	f.App.LogLevel = GetEnv(logLevelVar, f.App.LogLevel)

	f.Cors.AllowedOrigins = getList("CORS_ALLOWED_ORIGINS", f.Cors.AllowedOrigins)

	f.Tokens.Issuer = GetEnv("TOKEN_ISSUER", f.Tokens.Issuer)
	f.Tokens.Audience = GetEnv("TOKEN_AUDIENCE", f.Tokens.Audience)
	f.Tokens.AccessTTL = getDuration("ACCESS_TOKEN_TTL", f.Tokens.AccessTTL)
	f.Tokens.ClockSkew = getDuration("TOKEN_CLOCK_SKEW", f.Tokens.ClockSkew)
	f.Tokens.RefreshSliding = getDuration("REFRESH_SLIDING_WINDOW", f.Tokens.RefreshSliding)
	f.Tokens.RefreshAbsolute = getDuration("REFRESH_ABSOLUTE_WINDOW", f.Tokens.RefreshAbsolute)
	f.Tokens.RefreshTokenBytes = getInt("REFRESH_TOKEN_BYTES", f.Tokens.RefreshTokenBytes)
	f.Tokens.ResetTTL = getDuration("PASSWORD_RESET_TTL", f.Tokens.ResetTTL)

	f.Keys.Algorithm = GetEnv("SIGNING_ALGORITHM", f.Keys.Algorithm)
	f.Keys.Lifetime = getDuration("SIGNING_KEY_LIFETIME", f.Keys.Lifetime)
	f.Keys.CacheTTL = getDuration("SIGNING_KEY_CACHE_TTL", f.Keys.CacheTTL)
	f.Keys.Encryption = GetEnv("KEY_ENCRYPTION", f.Keys.Encryption)
	f.Keys.EncryptionKey = GetEnv("KEY_ENCRYPTION_KEY", f.Keys.EncryptionKey)
	f.Keys.VaultAddress = GetEnv("VAULT_ADDR", f.Keys.VaultAddress)
	f.Keys.VaultToken = GetEnv("VAULT_TOKEN", f.Keys.VaultToken)
	f.Keys.VaultKeyName = GetEnv("VAULT_TRANSIT_KEY", f.Keys.VaultKeyName)

	f.Password.MemoryKiB = uint32(getInt("ARGON2_MEMORY_KIB", int(f.Password.MemoryKiB)))
	f.Password.Iterations = uint32(getInt("ARGON2_ITERATIONS", int(f.Password.Iterations)))
	f.Password.Parallelism = uint8(getInt("ARGON2_PARALLELISM", int(f.Password.Parallelism)))

	f.Storage.Driver = GetEnv("DB_DRIVER", f.Storage.Driver)
	f.Storage.DSN = GetEnv("DB_DSN", f.Storage.DSN)
	f.Storage.Revocation = GetEnv("REVOCATION_BACKEND", f.Storage.Revocation)
	f.Storage.RedisAddr = GetEnv("REDIS_ADDR", f.Storage.RedisAddr)
	f.Storage.RedisPassword = GetEnv("REDIS_PASSWORD", f.Storage.RedisPassword)
	f.Storage.RedisDB = getInt("REDIS_DB", f.Storage.RedisDB)

	f.Events.AMQPURL = GetEnv("AMQP_URL", f.Events.AMQPURL)
	f.Events.Queue = GetEnv("AMQP_QUEUE", f.Events.Queue)
}
