package rejoin

import (
	"context"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/go-mpc-mesh/internal/auth"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *time2.MockClock, *storage.MemoryStore) {
	t.Helper()
	clock := time2.NewMockClock(time.Now())
	store := storage.NewMemoryStore()
	return NewCoordinator(auth.NewJWTManager("secret", "mpc-mesh", clock), store, clock), clock, store
}

func testView(clock time2.Clock) *View {
	return &View{
		SessionID: "session-1",
		Roster:    []string{"node-a", "node-b", "node-c"},
		ExpiresAt: clock.Now().Add(time.Hour),
		Round:     2,
	}
}

func TestCoordinator_ValidateAccepts(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	view := testView(clock)

	tokens, err := c.IssueTokens("session-1", view.Roster, view.ExpiresAt)
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	rerr := c.Validate(&Request{SessionID: "session-1", ParticipantID: "node-c", Token: tokens["node-c"], ClaimedLastSeenRound: 1}, view)
	assert.Nil(t, rerr)
}

func TestCoordinator_ValidateRejections(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	view := testView(clock)
	tokens, err := c.IssueTokens("session-1", append(view.Roster, "node-z"), view.ExpiresAt)
	require.NoError(t, err)
	other, err := c.IssueTokens("session-2", view.Roster, view.ExpiresAt)
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    *Request
		view   *View
		reason protocol.Reason
	}{
		{"garbage token", &Request{SessionID: "session-1", ParticipantID: "node-c", Token: "bogus"}, view, protocol.ReasonAuthFailed},
		{"token for other participant", &Request{SessionID: "session-1", ParticipantID: "node-c", Token: tokens["node-b"]}, view, protocol.ReasonAuthFailed},
		{"token for other session", &Request{SessionID: "session-1", ParticipantID: "node-c", Token: other["node-c"]}, view, protocol.ReasonAuthFailed},
		{"not in roster", &Request{SessionID: "session-1", ParticipantID: "node-z", Token: tokens["node-z"]}, view, protocol.ReasonUnknownParticipant},
		{"claim ahead of session", &Request{SessionID: "session-1", ParticipantID: "node-c", Token: tokens["node-c"], ClaimedLastSeenRound: 3}, view, protocol.ReasonStaleClaim},
		{"finalized", &Request{SessionID: "session-1", ParticipantID: "node-c", Token: tokens["node-c"]},
			&View{SessionID: "session-1", Roster: view.Roster, ExpiresAt: view.ExpiresAt, Round: 3, Finalized: true}, protocol.ReasonRoundFinalized},
		{"terminal", &Request{SessionID: "session-1", ParticipantID: "node-c", Token: tokens["node-c"]},
			&View{SessionID: "session-1", Roster: view.Roster, ExpiresAt: view.ExpiresAt, Terminal: true}, protocol.ReasonSessionExpired},
		{"unknown session", &Request{SessionID: "session-1", ParticipantID: "node-c", Token: tokens["node-c"]}, nil, protocol.ReasonSessionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.req, tt.view)
			require.NotNil(t, err)
			assert.Equal(t, protocol.ErrKindRejoin, err.Kind)
			assert.Equal(t, tt.reason, err.Reason)
		})
	}
}

func TestCoordinator_ExpiredToken(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	view := testView(clock)
	view.ExpiresAt = clock.Now().Add(time.Minute)
	tokens, err := c.IssueTokens("session-1", view.Roster, view.ExpiresAt)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	rerr := c.Validate(&Request{SessionID: "session-1", ParticipantID: "node-b", Token: tokens["node-b"]}, view)
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.ReasonSessionExpired, rerr.Reason)
}

func TestCoordinator_Replay(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()
	for round := 0; round <= 2; round++ {
		require.NoError(t, store.AppendMessage(ctx, &storage.LoggedMessage{SessionID: "session-1", To: "node-c", Round: round, Data: []byte{byte(round)}}, 0))
	}

	data, err := c.Replay(ctx, "session-1", "node-c", 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {2}}, data)
}
