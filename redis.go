package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/gorder"
	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "relay:settings:"

// RedisConfig contains configuration of Redis settings storage.
type RedisConfig struct {
	// Address is the Redis address in host:port format.
	// Default: "127.0.0.1:6379".
	// Environment variable: RELAY_REDIS_ADDRESS.
	Address string `yaml:"address" json:"address" env:"RELAY_REDIS_ADDRESS" env-default:"127.0.0.1:6379"`
	// Username is the Redis ACL username.
	// Environment variable: RELAY_REDIS_USERNAME.
	Username string `yaml:"username" json:"username" env:"RELAY_REDIS_USERNAME"`
	// Password is the Redis password.
	// Environment variable: RELAY_REDIS_PASSWORD.
	Password string `yaml:"password" json:"password" env:"RELAY_REDIS_PASSWORD"`
	// DB is the Redis database number.
	// Environment variable: RELAY_REDIS_DB.
	DB int `yaml:"db" json:"db" env:"RELAY_REDIS_DB"`
	// TTL is the retention of user settings, zero means no expiration.
	// Environment variable: RELAY_REDIS_TTL.
	TTL time.Duration `yaml:"ttl" json:"ttl" env:"RELAY_REDIS_TTL"`
}

// Validate validates Redis configuration.
func (cfg RedisConfig) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Address, validation.Required),
		validation.Field(&cfg.DB, validation.Min(0)),
	)
}

// RedisSettings is a [SettingsStorage] in Redis. Every user is stored as a JSON value under its own key.
type RedisSettings struct {
	client *redis.Client
	queue  *gorder.Gorder[string]
	ttl    time.Duration
}

// NewRedisSettings connects to Redis and checks the connection.
func NewRedisSettings(ctx context.Context, cfg RedisConfig, log Logger) (*RedisSettings, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errm.Wrap(err, "ping redis", "address", cfg.Address)
	}

	return &RedisSettings{
		client: client,
		queue: gorder.NewWithOptions[string](ctx, gorder.Options{
			Workers: 2,
			Log:     log,
			Retries: 3,
		}),
		ttl: cfg.TTL,
	}, nil
}

func (r *RedisSettings) Find(ctx context.Context, userID int64) (Settings, bool, error) {
	raw, err := r.client.Get(ctx, redisKey(userID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return Settings{}, false, nil
	case err != nil:
		return Settings{}, false, errm.Wrap(err, "get settings", "user_id", userID)
	}

	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, false, errm.Wrap(err, "decode settings", "user_id", userID)
	}
	return s, true, nil
}

func (r *RedisSettings) UpdateAsync(s Settings) {
	r.queue.Push(strconv.FormatInt(s.UserID, 10), "set_settings", func(ctx context.Context) error {
		raw, err := json.Marshal(s)
		if err != nil {
			return errm.Wrap(err, "encode settings")
		}
		return r.client.Set(ctx, redisKey(s.UserID), raw, r.ttl).Err()
	})
}

// Shutdown waits for pending writes and closes the client.
func (r *RedisSettings) Shutdown(ctx context.Context) error {
	errs := errm.NewList()
	if err := r.queue.Shutdown(ctx); err != nil {
		errs.Add(errm.Wrap(err, "shutdown queue"))
	}
	if err := r.client.Close(); err != nil {
		errs.Add(errm.Wrap(err, "close client"))
	}
	return errs.Err()
}

func redisKey(userID int64) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10)
}
