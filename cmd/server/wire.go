package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-identity-server/auth"
	"github.com/jrsteele09/go-identity-server/claims"
	"github.com/jrsteele09/go-identity-server/credentials"
	"github.com/jrsteele09/go-identity-server/events"
	"github.com/jrsteele09/go-identity-server/internal/config"
	"github.com/jrsteele09/go-identity-server/internal/metrics"
	"github.com/jrsteele09/go-identity-server/internal/storage/redisstore"
	"github.com/jrsteele09/go-identity-server/internal/storage/sqlstore"
	"github.com/jrsteele09/go-identity-server/server"
	"github.com/jrsteele09/go-identity-server/token"
	"github.com/jrsteele09/go-identity-server/token/jwt"
	"github.com/jrsteele09/go-identity-server/token/keys"
	"github.com/jrsteele09/go-identity-server/token/keys/keycrypt"
	"github.com/jrsteele09/go-identity-server/token/refresh"
)

const maintenanceInterval = 10 * time.Minute

// app is the wired process: the HTTP handler plus the resources that need
// periodic maintenance and closing.
type app struct {
	handler http.Handler
	keys    *keys.Manager
	// rotateBefore covers the longest access token plus clock skew and one
	// maintenance interval.
	rotateBefore time.Duration
	purge        func(ctx context.Context, now time.Time) (int64, error)
	closers      []io.Closer
	logger       zerolog.Logger
}

func build(ctx context.Context, c config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := sqlstore.Open(ctx, c.GetDatabaseDriver(), c.GetDatabaseDSN(), sqlstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	healthChecks := []server.ServerOption{server.WithHealthCheck("database", store.HealthCheck)}

	crypt, err := keyEncryption(c)
	if err != nil {
		return nil, err
	}
	alg, err := keys.ParseAlgorithm(c.GetSigningAlgorithm())
	if err != nil {
		return nil, err
	}
	a.rotateBefore = c.GetAccessTokenTTL() + c.GetClockSkew() + maintenanceInterval
	a.keys = keys.NewManager(sqlstore.NewKeyRepo(store),
		keys.WithAlgorithm(alg),
		keys.WithKeyLifetime(c.GetSigningKeyLifetime()),
		keys.WithCacheTTL(c.GetSigningKeyCacheTTL()),
		keys.WithEncryption(crypt),
		keys.WithLogger(logger),
		keys.WithMetrics(m),
	)

	revocations, check, err := a.revocationStore(ctx, c, store)
	if err != nil {
		return nil, err
	}
	if check != nil {
		healthChecks = append(healthChecks, server.WithHealthCheck("revocation", check))
	}

	publisher := events.Publisher(events.NewLogPublisher(logger))
	if url := c.GetAMQPURL(); url != "" {
		amqpPublisher := events.NewAMQPPublisher(events.Dial(url), c.GetAMQPQueue())
		a.closers = append(a.closers, amqpPublisher)
		publisher = events.Fanout(publisher, amqpPublisher)
	}

	codec := jwt.NewCodec(config.Issuer(c), c.GetAudience(), jwt.WithLeeway(c.GetClockSkew()))
	minter := jwt.NewMinter(a.keys, codec, c.GetAccessTokenTTL(), m)
	directory := sqlstore.NewDirectoryRepo(store)
	assembler := claims.NewAssembler(directory)

	service, err := auth.NewService(
		auth.Repos{
			Users:       sqlstore.NewUserRepo(store),
			Credentials: sqlstore.NewCredentialRepo(store),
			Resets:      sqlstore.NewResetRepo(store),
			Directory:   directory,
		},
		auth.Engine{
			Hasher: credentials.NewHasher(credentials.Params{
				MemoryKiB:   c.GetArgon2MemoryKiB(),
				Iterations:  c.GetArgon2Iterations(),
				Parallelism: c.GetArgon2Parallelism(),
			}),
			Keys:   a.keys,
			Codec:  codec,
			Minter: minter,
			Refresh: refresh.NewManager(sqlstore.NewRefreshRepo(store), assembler, minter,
				refresh.WithSlidingWindow(c.GetRefreshSlidingWindow()),
				refresh.WithAbsoluteWindow(c.GetRefreshAbsoluteWindow()),
				refresh.WithTokenLength(c.GetRefreshTokenLength()),
				refresh.WithLogger(logger),
				refresh.WithMetrics(m),
			),
			Revocations: token.NewRegistry(revocations,
				token.WithRegistryLeeway(c.GetClockSkew()),
				token.WithRegistryLogger(logger),
				token.WithRegistryMetrics(m),
			),
			Claims: assembler,
		},
		auth.WithLogger(logger),
		auth.WithMetrics(m),
		auth.WithPublisher(publisher),
		auth.WithResetTTL(c.GetPasswordResetTTL()),
		auth.WithProvisioner(directory),
	)
	if err != nil {
		return nil, err
	}

	opts := append([]server.ServerOption{
		server.WithLogger(logger),
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}, healthChecks...)
	s, err := server.New(c, service, opts...)
	if err != nil {
		return nil, err
	}
	a.handler = s
	return a, nil
}

func keyEncryption(c config.KeyConfig) (keycrypt.Provider, error) {
	switch strings.ToLower(c.GetKeyEncryption()) {
	case "", "none":
		return keycrypt.Plaintext{}, nil
	case "aesgcm":
		return keycrypt.NewAESGCMFromBase64(c.GetKeyEncryptionKey())
	case "vault":
		return keycrypt.NewVault(c.GetVaultAddress(), c.GetVaultToken(), c.GetVaultKeyName())
	}
	return nil, errors.Errorf("[keyEncryption] unknown key encryption %q", c.GetKeyEncryption())
}

// revocationStore selects the blacklist backend and its purge and health hooks.
func (a *app) revocationStore(ctx context.Context, c config.StorageConfig, store *sqlstore.Store) (token.RevocationStore, server.HealthCheck, error) {
	switch strings.ToLower(c.GetRevocationBackend()) {
	case "", "sql":
		s := sqlstore.NewRevocationStore(store)
		a.purge = s.PurgeExpired
		return s, nil, nil
	case "memory":
		s := token.NewInMemoryRevocationStore()
		a.purge = func(_ context.Context, now time.Time) (int64, error) {
			s.Cleanup(now)
			return 0, nil
		}
		return s, nil, nil
	case "redis":
		client, err := redisstore.NewClient(ctx, c.GetRedisAddr(), c.GetRedisPassword(), c.GetRedisDB())
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, client)
		s := redisstore.NewRevocationStore(client)
		return s, s.HealthCheck, nil
	}
	return nil, nil, errors.Errorf("[revocationStore] unknown revocation backend %q", c.GetRevocationBackend())
}

// maintain rotates the signing key ahead of its expiry, expires rotated out
// keys past theirs and purges dead blacklist entries until ctx is cancelled.
func (a *app) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if k, err := a.keys.RotateIfDue(ctx, a.rotateBefore); err != nil {
			a.logger.Err(err).Msg("scheduled signing key rotation")
		} else if k != nil {
			a.logger.Info().Str("kid", k.KeyID).Msg("scheduled signing key rotation")
		}
		if n, err := a.keys.ExpireRotatedOut(ctx); err != nil {
			a.logger.Err(err).Msg("expiring rotated out signing keys")
		} else if n > 0 {
			a.logger.Info().Int("expired", n).Msg("expired rotated out signing keys")
		}
		if a.purge == nil {
			continue
		}
		if n, err := a.purge(ctx, time.Now()); err != nil {
			a.logger.Err(err).Msg("purging access token blacklist")
		} else if n > 0 {
			a.logger.Debug().Int64("purged", n).Msg("purged access token blacklist")
		}
	}
}

// rotate replaces the active signing key now. The outgoing key keeps verifying
// until its own expiry.
func (a *app) rotate(ctx context.Context) error {
	k, err := a.keys.Rotate(ctx)
	if err != nil {
		return err
	}
	a.logger.Info().Str("kid", k.KeyID).Msg("rotated signing key on request")
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Err(err).Msg("closing resource")
		}
	}
	a.closers = nil
}
