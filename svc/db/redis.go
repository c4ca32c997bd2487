package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cinder/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "paste:"

type RedisOptions struct {
	URL      string
	TLS      bool
	Username string
	Password string
	Timeout  time.Duration
	// Now supplies the clock used to turn expiry instants into key TTLs.
	Now func() time.Time
}

// Redis stores each paste as one JSON value with a native TTL. SET NX
// refuses existing ids and GETDEL gives the atomic take.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	now     func() time.Time
}

func NewRedis(ctx context.Context, o RedisOptions) (*Redis, error) {
	opt, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if o.TLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if o.Username != "" {
		opt.Username = o.Username
	}
	if o.Password != "" {
		opt.Password = o.Password
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{client: client, timeout: o.Timeout, now: o.Now}, nil
}

func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	if certPath := os.Getenv("REDIS_TLS_CA_CERT"); certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	return tlsConfig, nil
}

func (r *Redis) Put(ctx context.Context, p *domain.Paste) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(toRow(p))
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	var ttl time.Duration
	if p.HasExpiry() {
		// Already-expired records still get a key so the id is held, but
		// readers will treat them as gone.
		ttl = p.ExpiresAt.Sub(r.now())
		if ttl < time.Millisecond {
			ttl = time.Millisecond
		}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+p.ID, data, ttl).Result()
	if err != nil {
		return unavailable("put", err)
	}
	if !ok {
		return domain.ErrConflict
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.decode("get", r.client.Get(ctx, redisKeyPrefix+id))
}

func (r *Redis) Take(ctx context.Context, id string) (*domain.Paste, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.decode("take", r.client.GetDel(ctx, redisKeyPrefix+id))
}

func (r *Redis) decode(op string, cmd *redis.StringCmd) (*domain.Paste, error) {
	data, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	var rw row
	if err := json.Unmarshal(data, &rw); err != nil {
		return nil, errors.Wrap(domain.ErrCryptoFailure, "unmarshal paste")
	}
	return rw.paste()
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Sweep is a no-op: keys carry their own TTL.
func (r *Redis) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
