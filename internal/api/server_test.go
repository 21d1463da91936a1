package api

import (
	"testing"

	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_PeerIDs(t *testing.T) {
	cfg := config.DefaultServiceConfigFromEnv()
	cfg.MPC.NodeID = "node-b"
	cfg.MPC.Peers = map[string]string{"node-c": "c:9090", "node-a": "a:9090", "node-b": "b:9090"}
	cfg.Offline.Recipients = map[string]string{"node-d": "age1..."}

	s := NewServer(cfg)
	assert.Equal(t, []string{"node-a", "node-c"}, s.peerIDs())

	s.Config.MPC.Transport = "offline"
	assert.Equal(t, []string{"node-d"}, s.peerIDs())
}

func TestServer_NotReadyWithoutComponents(t *testing.T) {
	s := NewServer(config.DefaultServiceConfigFromEnv())
	assert.False(t, s.Ready())
	require.Error(t, s.Start())
}

func TestNewTransport_UnknownKind(t *testing.T) {
	cfg := config.DefaultServiceConfigFromEnv()
	cfg.MPC.Transport = "carrier-pigeon"

	_, err := NewTransport(cfg, NewClock(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewJWTManager_RequiresSecret(t *testing.T) {
	cfg := config.DefaultServiceConfigFromEnv()
	cfg.Auth.RejoinSecret = ""

	_, err := NewJWTManager(cfg, NewClock(t))
	require.Error(t, err)

	cfg.Auth.RejoinSecret = "secret"
	tokens, err := NewJWTManager(cfg, NewClock(t))
	require.NoError(t, err)
	assert.NotNil(t, tokens)
}

func TestNewRedisClient_Disabled(t *testing.T) {
	cfg := config.DefaultServiceConfigFromEnv()
	cfg.Redis.Enabled = false

	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	assert.Nil(t, client)
}
