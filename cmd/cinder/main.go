package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cinder/cfg"
	"cinder/pkg/kms"
	"cinder/svc/api"
	"cinder/svc/crypt"
	"cinder/svc/db"
	"cinder/svc/render"
	"cinder/svc/svc"
	"cinder/svc/util"

	"github.com/pkg/errors"
)

const walCheckpointInterval = 5 * time.Minute

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.IsDev())
	util.Info().
		Str("store", c.StoreBackend).
		Bool("at_rest_encryption", c.AtRestEncryption).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting cinder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var adapter *kms.Adapter
	if c.AtRestEncryption || c.SecretsFromKMS {
		adapter, err = kms.NewAdapter(ctx, kmsOptions(c.KMS))
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
			os.Exit(1)
		}
	}

	pepper, tokenSecret, err := loadSecrets(ctx, c, adapter)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load secrets")
		os.Exit(1)
	}

	deriver, err := crypt.NewDeriver(crypt.Params{
		Memory:      c.Argon2Memory,
		Iterations:  c.Argon2Time,
		Parallelism: c.Argon2Parallelism,
	}, pepper)
	util.Wipe(pepper)
	if err != nil {
		util.Wipe(tokenSecret)
		util.Fatal().Err(err).Msg("failed to initialize key derivation")
		os.Exit(1)
	}
	if err := deriver.Start(c.KDFWorkers); err != nil {
		util.Fatal().Err(err).Msg("failed to start key derivation workers")
		os.Exit(1)
	}
	defer deriver.Stop()
	util.Info().Int("workers", c.KDFWorkers).Str("params", deriver.Params().String()).Msg("kdf initialized")

	tokens, err := util.NewDeletionTokens(tokenSecret, c.DeletionTokenExpiry)
	util.Wipe(tokenSecret)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to init deletion tokens")
		os.Exit(1)
	}
	defer tokens.Wipe()

	store, err := openStore(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("failed to initialize store")
		os.Exit(1)
	}

	deps := svc.Deps{
		Store:            store,
		IDs:              util.Base62{},
		Deriver:          deriver,
		Tokens:           tokens,
		Renderer:         render.NewMarkdown(),
		MaxPasteSize:     int(c.MaxPasteSize),
		MaxIDAttempts:    c.MaxIDAttempts,
		ReadFailureFloor: c.ReadFailureFloor,
	}
	if c.AtRestEncryption {
		envelope := kms.NewEnvelope(adapter, kms.NewKEKCache(adapter, c.DataKeyCacheSize, c.DataKeyCacheTTL))
		defer envelope.Stop()
		deps.Keys = envelope
		util.Info().Str("provider", adapter.Name()).Msg("at-rest encryption enabled")
	}
	pasteSvc := svc.NewPaste(deps)

	sweeper := svc.NewSweeper(store, c.SweepInterval, nil)
	if err := sweeper.Start(ctx); err != nil {
		util.Error().Err(err).Msg("failed to start sweeper")
	}

	server := api.NewServer(c, pasteSvc, store)
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	sweeper.Wait()
	pasteSvc.Shutdown()
	if err := store.Close(); err != nil {
		util.Error().Err(err).Msg("store close error")
	}
	util.Info().Msg("Shutdown complete")
}

// healthCheck probes the local readiness endpoint for container health
// checks.
func healthCheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/ready")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func kmsOptions(k cfg.KMSCfg) kms.Options {
	return kms.Options{
		VaultAddr:       k.VaultAddr,
		VaultToken:      k.VaultToken.Value(),
		VaultTokenFile:  k.VaultTokenFile,
		VaultMountPath:  k.VaultMountPath,
		VaultKeyID:      k.VaultKeyID,
		VaultSecretPath: k.VaultSecretPath,
		AWSRegion:       k.AWSRegion,
		AWSKeyID:        k.AWSKeyID,
		LocalKey:        k.LocalKey.Value(),
		RequirePrimary:  k.RequirePrimary,
		FailClosed:      k.FailClosed,
	}
}

// loadSecrets returns the KDF pepper and the deletion token key. With
// SECRETS_FROM_KMS both come base64-encoded from the secret store and the
// pepper may be absent.
func loadSecrets(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) (pepper, tokenSecret []byte, err error) {
	if !c.SecretsFromKMS {
		return copyBytes(c.Pepper.Bytes()), copyBytes(c.DeletionTokenSecret.Bytes()), nil
	}
	if b64, err := adapter.GetSecret(ctx, "PEPPER"); err == nil && b64 != "" {
		pepper, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, nil, errors.Wrap(err, "invalid pepper format")
		}
	} else {
		util.Warn().Msg("no pepper in secret store, deriving without one")
	}
	b64, err := adapter.GetSecret(ctx, "DELETION_TOKEN_SECRET")
	if err != nil {
		util.Wipe(pepper)
		return nil, nil, errors.Wrap(err, "load deletion token secret")
	}
	tokenSecret, err = base64.StdEncoding.DecodeString(b64)
	if err != nil {
		util.Wipe(pepper)
		return nil, nil, errors.Wrap(err, "invalid token secret format")
	}
	return pepper, tokenSecret, nil
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func openStore(ctx context.Context, c *cfg.Cfg) (db.Store, error) {
	switch c.StoreBackend {
	case cfg.BackendMemory:
		util.Warn().Msg("memory store: pastes are lost on restart")
		return db.NewMemory(), nil
	case cfg.BackendSQLite:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		s.StartMaintenance(walCheckpointInterval)
		util.Info().Str("path", c.DatabasePath).Msg("sqlite store initialized")
		return s, nil
	case cfg.BackendPostgres:
		s, err := db.NewPostgres(ctx, c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		util.Info().Msg("postgres store initialized")
		return s, nil
	case cfg.BackendRedis:
		s, err := db.NewRedis(ctx, db.RedisOptions{
			URL:      c.RedisURL,
			TLS:      c.RedisTLS,
			Username: c.RedisUsername,
			Password: c.RedisPassword.Value(),
			Timeout:  c.RedisTimeout,
		})
		if err != nil {
			return nil, err
		}
		util.Info().Msg("redis store initialized, expiry handled by key TTLs")
		return s, nil
	}
	return nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}
