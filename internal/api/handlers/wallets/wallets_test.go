package wallets_test

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/primitive"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/memory"
	"github.com/kashguard/go-mpc-mesh/internal/test"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roster = []string{"node-a", "node-b", "node-c"}

func waitComplete(t *testing.T, s *api.Server, sessionID string) *types.SessionStatus {
	t.Helper()

	var status types.SessionStatus
	require.Eventually(t, func() bool {
		res := test.PerformRequest(t, s, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s", sessionID), nil)
		if res.Result().StatusCode != http.StatusOK {
			return false
		}
		test.ParseResponseAndValidate(t, res, &status)
		return swag.StringValue(status.LifecycleState) == "complete"
	}, 10*time.Second, 10*time.Millisecond, "session %s did not complete", sessionID)
	return &status
}

func propose(t *testing.T, s *api.Server, path string, payload test.GenericPayload) string {
	t.Helper()

	res := test.PerformRequest(t, s, http.MethodPost, path, payload)
	require.Equal(t, http.StatusCreated, res.Result().StatusCode, res.Body.String())

	var created types.SessionCreatedResponse
	test.ParseResponseAndValidate(t, res, &created)
	return created.SessionID.String()
}

func TestPostRequestSigning_TwoOfThree(t *testing.T) {
	test.WithTestMesh(t, roster, func(servers map[string]*api.Server, _ *memory.Network) {
		walletID := propose(t, servers["node-a"], "/api/v1/sessions", test.GenericPayload{
			"kind":      "dkg",
			"roster":    roster,
			"threshold": 2,
		})
		dkg := waitComplete(t, servers["node-a"], walletID)
		for _, id := range roster[1:] {
			waitComplete(t, servers[id], walletID)
		}

		message := []byte("transfer 1 unit to node-c")
		sessionID := propose(t, servers["node-b"], fmt.Sprintf("/api/v1/wallets/%s/signing", walletID), test.GenericPayload{
			"message_hex": hex.EncodeToString(message),
			"quorum":      []string{"node-a", "node-b"},
		})

		status := waitComplete(t, servers["node-b"], sessionID)
		assert.Equal(t, "signing", swag.StringValue(status.Kind))
		assert.Equal(t, walletID, status.WalletID)
		assert.Equal(t, []string{"node-a", "node-b"}, status.Roster)
		require.NotEmpty(t, status.SignatureHex)

		groupKey, err := hex.DecodeString(dkg.GroupKeyHex)
		require.NoError(t, err)
		signature, err := hex.DecodeString(status.SignatureHex)
		require.NoError(t, err)
		assert.NoError(t, primitive.NewSimulated(nil).Verify(groupKey, message, signature))

		// node-c 不在签名法定人数中，看不到该会话
		res := test.PerformRequest(t, servers["node-c"], http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s", sessionID), nil)
		test.RequireHTTPError(t, res, http.StatusNotFound, string(types.PublicHTTPErrorTypeSessionNotFound))
	})
}

func TestPostRequestSigning_Errors(t *testing.T) {
	test.WithTestMesh(t, roster, func(servers map[string]*api.Server, _ *memory.Network) {
		s := servers["node-a"]

		res := test.PerformRequest(t, s, http.MethodPost, "/api/v1/wallets/unknown/signing", test.GenericPayload{
			"message_hex": "cafe",
			"quorum":      []string{"node-a", "node-b"},
		})
		test.RequireHTTPError(t, res, http.StatusNotFound, string(types.PublicHTTPErrorTypeMissingKeyShare))

		res = test.PerformRequest(t, s, http.MethodPost, "/api/v1/wallets/unknown/signing", test.GenericPayload{
			"quorum": []string{"node-a", "node-b"},
		})
		test.RequireHTTPError(t, res, http.StatusBadRequest, string(types.PublicHTTPErrorTypeBadRequest))

		walletID := propose(t, s, "/api/v1/sessions", test.GenericPayload{
			"kind":      "dkg",
			"roster":    roster,
			"threshold": 2,
		})
		waitComplete(t, s, walletID)

		res = test.PerformRequest(t, s, http.MethodPost, fmt.Sprintf("/api/v1/wallets/%s/signing", walletID), test.GenericPayload{
			"message_hex": "cafe",
			"quorum":      []string{"node-a"},
		})
		test.RequireHTTPError(t, res, http.StatusUnprocessableEntity, string(types.PublicHTTPErrorTypeThresholdNotMet))

		res = test.PerformRequest(t, s, http.MethodPost, fmt.Sprintf("/api/v1/wallets/%s/signing", walletID), test.GenericPayload{
			"message_hex": "cafe",
			"quorum":      []string{"node-a", "node-x"},
		})
		test.RequireHTTPError(t, res, http.StatusConflict, string(types.PublicHTTPErrorTypeRosterMismatch))
	})
}
