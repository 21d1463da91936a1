package api

import (
	"context"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/go-mpc-mesh/internal/auth"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/primitive"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/session"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/storage"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	grpctransport "github.com/kashguard/go-mpc-mesh/internal/mpc/transport/grpc"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/offline"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PROVIDERS - define here only providers that for various reasons (e.g. cyclic dependency) can't live in their corresponding packages
// or for wrapping providers that only accept sub-configs to prevent the requirements for defining providers for sub-configs.
// https://github.com/google/wire/blob/main/docs/guide.md#defining-providers

func NewClock(t ...*testing.T) time2.Clock {
	var clock time2.Clock

	useMock := len(t) > 0 && t[0] != nil

	if useMock {
		clock = time2.NewMockClock(time.Now())
	} else {
		clock = time2.DefaultClock
	}

	return clock
}

func NoTest() []*testing.T {
	return nil
}

// NewRedisClient 未启用 Redis 时返回 nil，会话存储退回内存实现
func NewRedisClient(cfg config.Server) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to ping redis")
	}

	return client, nil
}

// NewTransport 按 MPC_TRANSPORT 选择实时 gRPC 或离线交换
func NewTransport(cfg config.Server, clock time2.Clock) (transport.Transport, error) {
	switch cfg.MPC.Transport {
	case "grpc", "":
		return grpctransport.New(grpctransport.ConfigFromServer(cfg)), nil
	case "offline":
		offlineCfg, err := offline.ConfigFromServer(cfg)
		if err != nil {
			return nil, err
		}
		tr, err := offline.New(offlineCfg, clock)
		if err != nil {
			return nil, err
		}
		return tr, nil
	default:
		return nil, errors.Errorf("unknown transport %q", cfg.MPC.Transport)
	}
}

func NewPrimitiveFactory(cfg config.Server) protocol.PrimitiveFactory {
	secret := cfg.Session.PrimitiveSecret
	if secret == "" {
		log.Warn().Str("node_id", cfg.MPC.NodeID).Msg("SESSION_PRIMITIVE_SECRET is not set, deriving primitive seeds from the node id")
		secret = cfg.MPC.NodeID
	}
	return primitive.NewFactory([]byte(secret))
}

func NewJWTManager(cfg config.Server, clock time2.Clock) (*auth.JWTManager, error) {
	if cfg.Auth.RejoinSecret == "" {
		return nil, errors.New("AUTH_REJOIN_SECRET is not configured")
	}
	return auth.NewJWTManager(cfg.Auth.RejoinSecret, cfg.Auth.Issuer, clock), nil
}

func NewSessionManager(
	cfg config.Server,
	tr transport.Transport,
	primitives protocol.PrimitiveFactory,
	tokens *auth.JWTManager,
	redisClient *redis.Client,
	clock time2.Clock,
) (*session.Manager, error) {
	deps := session.Deps{
		Transport:  tr,
		Primitives: primitives,
		Tokens:     tokens,
		Clock:      clock,
	}

	if redisClient != nil {
		store := storage.NewRedisStore(redisClient)
		deps.Sessions = store
		deps.KeyShares = store
		deps.Publisher = store
	} else {
		log.Warn().Msg("Redis is disabled, session snapshots and key shares are kept in memory")
		store := storage.NewMemoryStore()
		deps.Sessions = store
		deps.KeyShares = store
	}

	return session.NewManager(session.ConfigFromServer(cfg), deps)
}
