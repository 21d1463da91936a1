package sdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/memory"
	"github.com/kashguard/go-mpc-mesh/internal/test"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/kashguard/go-mpc-mesh/pkg/sdk"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roster = []string{"node-a", "node-b", "node-c"}

func clients(t *testing.T, servers map[string]*api.Server) map[string]*sdk.Client {
	t.Helper()

	res := make(map[string]*sdk.Client, len(servers))
	for id, s := range servers {
		srv := httptest.NewServer(s.Echo)
		t.Cleanup(srv.Close)
		res[id] = sdk.NewClient(srv.URL+"/", nil)
	}
	return res
}

func TestClient_DKGThenSigning(t *testing.T) {
	test.WithTestMesh(t, roster, func(servers map[string]*api.Server, _ *memory.Network) {
		c := clients(t, servers)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		walletID, err := c["node-a"].ProposeDKG(ctx, roster, 2)
		require.NoError(t, err)

		var groupKey string
		for _, id := range roster {
			status, err := c[id].Wait(ctx, walletID, 10*time.Millisecond)
			require.NoError(t, err, "dkg on %s", id)
			if groupKey == "" {
				groupKey = status.GroupKeyHex
			}
			assert.Equal(t, groupKey, status.GroupKeyHex)
		}

		sessionID, err := c["node-c"].RequestSigning(ctx, walletID, []byte("hello"), []string{"node-b", "node-c"})
		require.NoError(t, err)

		status, err := c["node-c"].Wait(ctx, sessionID, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "signing", swag.StringValue(status.Kind))
		assert.NotEmpty(t, status.SignatureHex)
	})
}

func TestClient_DeclinedSessionFails(t *testing.T) {
	manual := func(cfg *config.Server) {
		cfg.Session.AutoAccept = false
	}

	test.WithTestMeshConfig(t, []string{"node-a", "node-b"}, manual, func(servers map[string]*api.Server, _ *memory.Network) {
		c := clients(t, servers)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sessionID, err := c["node-a"].ProposeDKG(ctx, []string{"node-a", "node-b"}, 2)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := c["node-b"].Session(ctx, sessionID)
			return err == nil
		}, 5*time.Second, 10*time.Millisecond)

		_, err = c["node-b"].Respond(ctx, sessionID, false)
		require.NoError(t, err)

		status, err := c["node-a"].Wait(ctx, sessionID, 10*time.Millisecond)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sdk.ErrSessionFailed))
		require.NotNil(t, status)
		assert.Equal(t, "declined", status.Reason)
	})
}

func TestClient_APIError(t *testing.T) {
	test.WithTestMesh(t, []string{"node-a"}, func(servers map[string]*api.Server, _ *memory.Network) {
		c := clients(t, servers)
		ctx := context.Background()

		_, err := c["node-a"].Session(ctx, "missing")
		var apiErr *sdk.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, string(types.PublicHTTPErrorTypeSessionNotFound), apiErr.Type)

		_, err = c["node-a"].ProposeDKG(ctx, []string{"node-a", "node-b"}, 3)
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, string(types.PublicHTTPErrorTypeInvalidProposal), apiErr.Type)

		_, err = c["node-a"].ProposeDKG(ctx, nil, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid request")
	})
}
