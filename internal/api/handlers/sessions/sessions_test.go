package sessions_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/memory"
	"github.com/kashguard/go-mpc-mesh/internal/test"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roster = []string{"node-a", "node-b", "node-c"}

func getSession(t *testing.T, s *api.Server, sessionID string) *types.SessionStatus {
	t.Helper()

	res := test.PerformRequest(t, s, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s", sessionID), nil)
	if res.Result().StatusCode != http.StatusOK {
		return nil
	}
	var status types.SessionStatus
	test.ParseResponseAndValidate(t, res, &status)
	return &status
}

func waitLifecycle(t *testing.T, s *api.Server, sessionID string, state string) *types.SessionStatus {
	t.Helper()

	var status *types.SessionStatus
	require.Eventually(t, func() bool {
		status = getSession(t, s, sessionID)
		return status != nil && swag.StringValue(status.LifecycleState) == state
	}, 10*time.Second, 10*time.Millisecond, "session %s never reached %s", sessionID, state)
	return status
}

func TestPostProposeSession_DKGCompletesAcrossNodes(t *testing.T) {
	test.WithTestMesh(t, roster, func(servers map[string]*api.Server, _ *memory.Network) {
		payload := test.GenericPayload{
			"kind":      "dkg",
			"roster":    roster,
			"threshold": 2,
		}
		res := test.PerformRequest(t, servers["node-a"], http.MethodPost, "/api/v1/sessions", payload)
		require.Equal(t, http.StatusCreated, res.Result().StatusCode, res.Body.String())

		var created types.SessionCreatedResponse
		test.ParseResponseAndValidate(t, res, &created)
		sessionID := created.SessionID.String()

		statusA := waitLifecycle(t, servers["node-a"], sessionID, "complete")
		assert.Equal(t, "dkg", swag.StringValue(statusA.Kind))
		assert.Equal(t, "node-a", statusA.Proposer)
		assert.Equal(t, int64(2), swag.Int64Value(statusA.Threshold))
		assert.Equal(t, int64(3), swag.Int64Value(statusA.Total))
		assert.Equal(t, roster, statusA.Roster)
		assert.NotEmpty(t, statusA.GroupKeyHex)
		assert.Nil(t, statusA.Error)
		assert.NotNil(t, statusA.CompletedAt)

		for _, id := range []string{"node-b", "node-c"} {
			status := waitLifecycle(t, servers[id], sessionID, "complete")
			assert.Equal(t, statusA.GroupKeyHex, status.GroupKeyHex, "group key differs on %s", id)
		}
	})
}

func TestPostProposeSession_Validation(t *testing.T) {
	test.WithTestMesh(t, []string{"node-a"}, func(servers map[string]*api.Server, _ *memory.Network) {
		s := servers["node-a"]

		tests := []struct {
			name      string
			payload   test.GenericPayload
			status    int
			errorType string
		}{
			{
				name:      "missing kind",
				payload:   test.GenericPayload{"roster": roster, "threshold": 2},
				status:    http.StatusBadRequest,
				errorType: string(types.PublicHTTPErrorTypeBadRequest),
			},
			{
				name:      "dkg without threshold",
				payload:   test.GenericPayload{"kind": "dkg", "roster": roster},
				status:    http.StatusBadRequest,
				errorType: string(types.PublicHTTPErrorTypeBadRequest),
			},
			{
				name:      "threshold above roster size",
				payload:   test.GenericPayload{"kind": "dkg", "roster": roster, "threshold": 4},
				status:    http.StatusBadRequest,
				errorType: string(types.PublicHTTPErrorTypeInvalidProposal),
			},
			{
				name:      "proposer outside roster",
				payload:   test.GenericPayload{"kind": "dkg", "roster": []string{"node-b", "node-c"}, "threshold": 2},
				status:    http.StatusBadRequest,
				errorType: string(types.PublicHTTPErrorTypeInvalidProposal),
			},
			{
				name:      "duplicate participant",
				payload:   test.GenericPayload{"kind": "dkg", "roster": []string{"node-a", "node-b", "node-b"}, "threshold": 2},
				status:    http.StatusBadRequest,
				errorType: string(types.PublicHTTPErrorTypeInvalidProposal),
			},
			{
				name:      "invalid message hex",
				payload:   test.GenericPayload{"kind": "signing", "roster": roster, "wallet_id": "w", "message_hex": "zz"},
				status:    http.StatusBadRequest,
				errorType: string(types.PublicHTTPErrorTypeBadRequest),
			},
			{
				name:      "signing without key share",
				payload:   test.GenericPayload{"kind": "signing", "roster": []string{"node-a"}, "wallet_id": "unknown-wallet", "message_hex": "cafe"},
				status:    http.StatusNotFound,
				errorType: string(types.PublicHTTPErrorTypeMissingKeyShare),
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				res := test.PerformRequest(t, s, http.MethodPost, "/api/v1/sessions", tt.payload)
				test.RequireHTTPError(t, res, tt.status, tt.errorType)
			})
		}

		assert.Empty(t, s.Sessions.Sessions())
	})
}

func TestGetSession_NotFound(t *testing.T) {
	test.WithTestMesh(t, []string{"node-a"}, func(servers map[string]*api.Server, _ *memory.Network) {
		res := test.PerformRequest(t, servers["node-a"], http.MethodGet, "/api/v1/sessions/does-not-exist", nil)
		test.RequireHTTPError(t, res, http.StatusNotFound, string(types.PublicHTTPErrorTypeSessionNotFound))
	})
}

func TestPostRespond_DeclineFailsSession(t *testing.T) {
	manual := func(cfg *config.Server) {
		cfg.Session.AutoAccept = false
	}

	test.WithTestMeshConfig(t, roster, manual, func(servers map[string]*api.Server, _ *memory.Network) {
		res := test.PerformRequest(t, servers["node-a"], http.MethodPost, "/api/v1/sessions", test.GenericPayload{
			"kind":      "dkg",
			"roster":    roster,
			"threshold": 2,
		})
		require.Equal(t, http.StatusCreated, res.Result().StatusCode, res.Body.String())

		var created types.SessionCreatedResponse
		test.ParseResponseAndValidate(t, res, &created)
		sessionID := created.SessionID.String()

		waitLifecycle(t, servers["node-b"], sessionID, "announced")

		res = test.PerformRequest(t, servers["node-b"], http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/response", sessionID), test.GenericPayload{
			"accept": false,
		})
		require.Equal(t, http.StatusOK, res.Result().StatusCode, res.Body.String())

		status := waitLifecycle(t, servers["node-a"], sessionID, "failed")
		assert.Equal(t, "declined", status.Reason)
		require.NotNil(t, status.Error)
		assert.Equal(t, []string{"node-b"}, status.Error.Culprits)

		// 终态会话不能再答复
		res = test.PerformRequest(t, servers["node-b"], http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/response", sessionID), test.GenericPayload{
			"accept": true,
		})
		assert.Contains(t, []int{http.StatusConflict, http.StatusNotFound}, res.Result().StatusCode, res.Body.String())
	})
}

func TestPostRespond_RequiresAccept(t *testing.T) {
	test.WithTestMesh(t, []string{"node-a"}, func(servers map[string]*api.Server, _ *memory.Network) {
		res := test.PerformRequest(t, servers["node-a"], http.MethodPost, "/api/v1/sessions/some-session/response", test.GenericPayload{})
		test.RequireHTTPError(t, res, http.StatusBadRequest, string(types.PublicHTTPErrorTypeBadRequest))

		res = test.PerformRequest(t, servers["node-a"], http.MethodPost, "/api/v1/sessions/some-session/response", test.GenericPayload{"accept": true})
		test.RequireHTTPError(t, res, http.StatusNotFound, string(types.PublicHTTPErrorTypeSessionNotFound))
	})
}
