package test

import (
	"context"
	"testing"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/api/router"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/memory"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig 测试节点配置：关闭 Redis 和心跳，自动接受提议
func DefaultTestConfig(nodeID string) config.Server {
	cfg := config.DefaultServiceConfigFromEnv()

	cfg.Echo.Debug = false
	cfg.Echo.EnableLoggerMiddleware = false
	cfg.Echo.EventStreamHeartbeat = time.Second

	cfg.MPC.NodeID = nodeID
	cfg.MPC.Transport = "memory"
	cfg.MPC.Peers = map[string]string{}

	cfg.Session.AutoAccept = true
	cfg.Session.PrimitiveSecret = "test-secret-" + nodeID
	cfg.Session.WatchdogInterval = 10 * time.Millisecond
	cfg.Session.Workers = 2

	cfg.Mesh.HeartbeatInterval = 0

	cfg.Redis.Enabled = false

	cfg.Auth.RejoinSecret = "test-rejoin-secret"
	cfg.Auth.Issuer = "go-mpc-mesh-test"

	return cfg
}

// NewTestServer 在内存网络上创建并启动一个节点的 api.Server，测试结束时关闭
func NewTestServer(t *testing.T, net *memory.Network, cfg config.Server) *api.Server {
	t.Helper()

	clock := api.NewClock()
	tr := net.Join(cfg.MPC.NodeID)

	tokens, err := api.NewJWTManager(cfg, clock)
	require.NoError(t, err)

	manager, err := api.NewSessionManager(cfg, tr, api.NewPrimitiveFactory(cfg), tokens, nil, clock)
	require.NoError(t, err)

	s := api.NewServer(cfg)
	s.Clock = clock
	s.Transport = tr
	s.Sessions = manager

	router.Init(s)
	require.True(t, s.Ready())
	require.NoError(t, manager.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, err := range s.Shutdown(ctx) {
			t.Logf("Failed to shutdown test server %s: %v", cfg.MPC.NodeID, err)
		}
	})

	return s
}

// WithTestMesh 为每个节点 id 创建一个 api.Server，共享同一个内存网络
func WithTestMesh(t *testing.T, ids []string, closure func(servers map[string]*api.Server, net *memory.Network)) {
	t.Helper()
	WithTestMeshConfig(t, ids, nil, closure)
}

// WithTestMeshConfig 同 WithTestMesh，configure 可以调整每个节点的配置
func WithTestMeshConfig(t *testing.T, ids []string, configure func(cfg *config.Server), closure func(servers map[string]*api.Server, net *memory.Network)) {
	t.Helper()

	net := memory.NewNetwork()
	servers := make(map[string]*api.Server, len(ids))
	for _, id := range ids {
		cfg := DefaultTestConfig(id)
		if configure != nil {
			configure(&cfg)
		}
		servers[id] = NewTestServer(t, net, cfg)
	}

	closure(servers, net)
}
