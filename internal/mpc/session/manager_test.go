package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/go-mpc-mesh/internal/auth"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/primitive"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/rejoin"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/storage"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRoundTimeout = 30 * time.Second
	waitFor          = 5 * time.Second
	pollEvery        = 5 * time.Millisecond
	rejoinSecret     = "rejoin-secret"
	rejoinIssuer     = "mpc-mesh"
)

type testNode struct {
	id    string
	m     *Manager
	store *storage.MemoryStore
}

type cluster struct {
	t     *testing.T
	net   *memory.Network
	clock *time2.MockClock
	nodes map[string]*testNode
}

func newCluster(t *testing.T, autoAccept bool, ids ...string) *cluster {
	t.Helper()
	return newClusterWithPrimitives(t, autoAccept, func(id string) protocol.PrimitiveFactory {
		return primitive.NewFactory([]byte("secret-" + id))
	}, ids...)
}

func newClusterWithPrimitives(t *testing.T, autoAccept bool, primitives func(id string) protocol.PrimitiveFactory, ids ...string) *cluster {
	t.Helper()
	c := &cluster{
		t:     t,
		net:   memory.NewNetwork(),
		clock: time2.NewMockClock(time.Now()),
		nodes: make(map[string]*testNode, len(ids)),
	}
	for _, id := range ids {
		tr := c.net.Join(id)
		store := storage.NewMemoryStore()
		m, err := NewManager(Config{
			NodeID:            id,
			SessionTimeout:    time.Hour,
			RoundTimeout:      testRoundTimeout,
			RejoinWindow:      time.Minute,
			WatchdogInterval:  5 * time.Millisecond,
			ReconnectWindow:   time.Minute,
			Workers:           2,
			FinishedCacheSize: 32,
			AutoAccept:        autoAccept,
		}, Deps{
			Transport:  tr,
			Primitives: primitives(id),
			Sessions:   store,
			KeyShares:  store,
			Tokens:     auth.NewJWTManager(rejoinSecret, rejoinIssuer, c.clock),
			Clock:      c.clock,
		})
		require.NoError(t, err)
		require.NoError(t, m.Start(context.Background()))
		t.Cleanup(func() {
			_ = m.Close()
			_ = tr.Close()
		})
		c.nodes[id] = &testNode{id: id, m: m, store: store}
	}
	return c
}

func (c *cluster) node(id string) *Manager {
	return c.nodes[id].m
}

// dropPackages 丢弃满足条件的协议包，其他消息照常投递
func (c *cluster) dropPackages(match func(from, to string, env *transport.Envelope) bool) {
	c.net.SetDrop(func(from, to string, data []byte) bool {
		env, err := transport.DecodeEnvelope(data)
		if err != nil || env.Kind != transport.KindPackage {
			return false
		}
		return match(from, to, env)
	})
}

func (c *cluster) waitFor(id, sessionID string, cond func(*Snapshot) bool) *Snapshot {
	c.t.Helper()
	var snap *Snapshot
	require.Eventually(c.t, func() bool {
		s, err := c.node(id).Status(context.Background(), sessionID)
		if err != nil {
			return false
		}
		snap = s
		return cond(s)
	}, waitFor, pollEvery, "node %s never reached the expected state of session %s", id, sessionID)
	return snap
}

func (c *cluster) waitState(id, sessionID string, state State) *Snapshot {
	c.t.Helper()
	return c.waitFor(id, sessionID, func(s *Snapshot) bool { return s.State == state })
}

func (c *cluster) runDKG(threshold int, ids ...string) string {
	c.t.Helper()
	sessionID, err := c.node(ids[0]).Propose(context.Background(), ProposeRequest{
		Kind:      protocol.KindDKG,
		Roster:    ids,
		Threshold: threshold,
	})
	require.NoError(c.t, err)
	for _, id := range ids {
		c.waitState(id, sessionID, StateComplete)
	}
	return sessionID
}

func TestManager_DKGThreeParties(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	events, unsubscribe := c.node("node-a").Subscribe(256)
	defer unsubscribe()

	sessionID := c.runDKG(2, "node-a", "node-b", "node-c")

	var groupKey []byte
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		snap := c.waitState(id, sessionID, StateComplete)
		assert.Equal(t, []string{"node-a", "node-b", "node-c"}, snap.Accepted)
		assert.True(t, snap.Mesh.IsReady())
		assert.NotEmpty(t, snap.GroupKey)
		if groupKey == nil {
			groupKey = snap.GroupKey
		}
		assert.Equal(t, groupKey, snap.GroupKey)

		share, err := c.nodes[id].store.GetKeyShare(context.Background(), sessionID, id)
		require.NoError(t, err)
		assert.Equal(t, groupKey, share.GroupKey)
		assert.Equal(t, 2, share.Threshold)
		assert.Equal(t, 3, share.Total)
	}

	var states []State
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.SessionID != sessionID {
					continue
				}
				if len(states) == 0 || states[len(states)-1] != ev.State {
					states = append(states, ev.State)
				}
			default:
				return len(states) > 0 && states[len(states)-1] == StateComplete
			}
		}
	}, waitFor, pollEvery)
	assert.Equal(t, []State{
		StateProposed,
		StateAnnounced,
		StateAccepting,
		StateMeshBuilding,
		StateMeshReady,
		StateProtocolRunning,
		StateComplete,
	}, states)
}

func TestManager_ProposalValidation(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b")
	m := c.node("node-a")

	tests := []struct {
		name string
		req  ProposeRequest
	}{
		{"threshold above total", ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b"}, Threshold: 3}},
		{"zero threshold", ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b"}, Threshold: 0}},
		{"duplicate participant", ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-b"}, Threshold: 2}},
		{"proposer outside roster", ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-b", "node-c"}, Threshold: 2}},
		{"unknown kind", ProposeRequest{Kind: "reshare", Roster: []string{"node-a", "node-b"}, Threshold: 2}},
		{"signing without message", ProposeRequest{Kind: protocol.KindSigning, Roster: []string{"node-a", "node-b"}, WalletID: "w"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessionID, err := m.Propose(context.Background(), tt.req)
			require.Error(t, err)
			assert.Empty(t, sessionID)
			assert.Equal(t, protocol.ErrKindSession, protocol.KindOf(err))
			assert.Equal(t, protocol.ReasonInvalidProposal, protocol.ReasonOf(err))
		})
	}
	assert.Empty(t, m.Sessions())
}

func TestManager_AcceptedIsSubsetOfRoster(t *testing.T) {
	c := newCluster(t, false, "node-a", "node-b", "node-c")
	ctx := context.Background()

	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-c"}, Threshold: 2})
	require.NoError(t, err)

	err = c.node("node-a").Accept(ctx, sessionID, "node-x")
	require.Error(t, err)
	assert.Equal(t, protocol.ReasonRosterMismatch, protocol.ReasonOf(err))

	snap, err := c.node("node-a").Status(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, snap.Accepted)

	c.waitState("node-b", sessionID, StateAnnounced)
	require.NoError(t, c.node("node-b").Respond(ctx, sessionID, true))

	snap = c.waitFor("node-a", sessionID, func(s *Snapshot) bool { return len(s.Accepted) == 2 })
	assert.Equal(t, StateAccepting, snap.State)
	assert.Equal(t, []string{"node-a", "node-b"}, snap.Accepted)
	assert.Subset(t, snap.Roster, snap.Accepted)
}

func TestManager_DeclineFailsSession(t *testing.T) {
	c := newCluster(t, false, "node-a", "node-b", "node-c")
	ctx := context.Background()

	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-c"}, Threshold: 2})
	require.NoError(t, err)

	c.waitState("node-b", sessionID, StateAnnounced)
	require.NoError(t, c.node("node-b").Respond(ctx, sessionID, false))

	snap := c.waitState("node-a", sessionID, StateFailed)
	assert.Equal(t, FailureDeclined, snap.Reason)
	require.NotNil(t, snap.Error)
	assert.Equal(t, []string{"node-b"}, snap.Error.Culprits)

	snap = c.waitState("node-b", sessionID, StateFailed)
	assert.Equal(t, FailureDeclined, snap.Reason)
}

func TestManager_CancelFailsSession(t *testing.T) {
	c := newCluster(t, false, "node-a", "node-b")
	ctx := context.Background()

	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b"}, Threshold: 2})
	require.NoError(t, err)
	require.NoError(t, c.node("node-a").Cancel(sessionID))

	snap := c.waitState("node-a", sessionID, StateFailed)
	assert.Equal(t, FailureCancelled, snap.Reason)
	assert.NotNil(t, snap.CompletedAt)

	err = c.node("node-a").Cancel(sessionID)
	require.Error(t, err)
	assert.Equal(t, protocol.ReasonInvalidState, protocol.ReasonOf(err))

	err = c.node("node-a").Cancel("missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestManager_SessionExpires(t *testing.T) {
	c := newCluster(t, false, "node-a", "node-b")
	ctx := context.Background()

	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b"}, Threshold: 2})
	require.NoError(t, err)
	c.waitState("node-b", sessionID, StateAnnounced)

	c.clock.Advance(time.Hour + time.Second)

	snap := c.waitState("node-a", sessionID, StateExpired)
	assert.Equal(t, FailureExpired, snap.Reason)
	c.waitState("node-b", sessionID, StateExpired)
}

func TestManager_StatusUnknownSession(t *testing.T) {
	c := newCluster(t, true, "node-a")

	_, err := c.node("node-a").Status(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.Equal(t, protocol.ReasonUnknownSession, protocol.ReasonOf(err))
}

func TestManager_SigningTwoOfThree(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	walletID := c.runDKG(2, "node-a", "node-b", "node-c")
	message := []byte("transfer 1 coin")

	signingID, err := c.node("node-a").RequestSigning(context.Background(), walletID, message, []string{"node-a", "node-c"})
	require.NoError(t, err)

	snapA := c.waitState("node-a", signingID, StateComplete)
	snapC := c.waitState("node-c", signingID, StateComplete)
	require.NotEmpty(t, snapA.Signature)
	assert.Equal(t, snapA.Signature, snapC.Signature)
	assert.Equal(t, 2, snapA.Threshold)
	assert.Equal(t, 2, snapA.Total)

	assert.NoError(t, primitive.NewSimulated(nil).Verify(snapA.GroupKey, message, snapA.Signature))

	_, err = c.node("node-b").Status(context.Background(), signingID)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestManager_SigningRequiresKeyShare(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b")

	_, err := c.node("node-a").RequestSigning(context.Background(), "unknown-wallet", []byte("m"), []string{"node-a", "node-b"})
	require.Error(t, err)
	assert.Equal(t, protocol.ReasonMissingKeyShare, protocol.ReasonOf(err))
}

func TestManager_SigningBelowThresholdFailsOnDisconnect(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	walletID := c.runDKG(2, "node-a", "node-b", "node-c")

	c.dropPackages(func(from, to string, env *transport.Envelope) bool { return true })
	signingID, err := c.node("node-a").RequestSigning(context.Background(), walletID, []byte("payload"), []string{"node-a", "node-b"})
	require.NoError(t, err)
	c.waitState("node-a", signingID, StateProtocolRunning)

	c.net.Partition("node-a", "node-b")

	snap := c.waitState("node-a", signingID, StateFailed)
	assert.Equal(t, FailureThresholdNotMet, snap.Reason)
	require.NotNil(t, snap.Error)
	assert.Equal(t, protocol.ErrKindMesh, snap.Error.Kind)
	assert.Equal(t, protocol.ReasonThresholdUnreachable, snap.Error.Reason)
	assert.Equal(t, []string{"node-b"}, snap.Error.Culprits)
}

func TestManager_SigningTimesOutWhenSignerGoesSilent(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	walletID := c.runDKG(2, "node-a", "node-b", "node-c")

	// node-b 提交承诺后不再发送签名分片，链路保持连接
	c.dropPackages(func(from, to string, env *transport.Envelope) bool {
		return from == "node-b" && env.Round >= 2
	})
	signingID, err := c.node("node-a").RequestSigning(context.Background(), walletID, []byte("payload"), []string{"node-a", "node-b"})
	require.NoError(t, err)

	c.waitFor("node-a", signingID, func(s *Snapshot) bool {
		return s.State == StateProtocolRunning && s.Progress.State == protocol.SignStateSharing
	})

	c.clock.Advance(testRoundTimeout + time.Second)

	snap := c.waitState("node-a", signingID, StateFailed)
	assert.Equal(t, FailureTimeout, snap.Reason)
	require.NotNil(t, snap.Error)
	assert.Equal(t, protocol.ErrKindTimeout, snap.Error.Kind)
	assert.Equal(t, protocol.ReasonRoundDeadline, snap.Error.Reason)
	assert.Equal(t, 2, snap.Error.Round)
	assert.Equal(t, []string{"node-b"}, snap.Error.Culprits)
}

func TestManager_DKGResumesAfterParticipantRejoins(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	ctx := context.Background()

	// node-c 的第一轮包在断线前都没有送达
	c.dropPackages(func(from, to string, env *transport.Envelope) bool {
		return from == "node-c" || to == "node-c"
	})
	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-c"}, Threshold: 2})
	require.NoError(t, err)

	for _, id := range []string{"node-a", "node-b"} {
		c.waitFor(id, sessionID, func(s *Snapshot) bool {
			return s.State == StateProtocolRunning && s.Progress.Round == 1 && len(s.Progress.Missing) == 1 && s.Progress.Missing[0] == "node-c"
		})
	}
	c.waitState("node-c", sessionID, StateProtocolRunning)

	c.net.Isolate("node-c")

	for _, id := range []string{"node-a", "node-b"} {
		snap := c.waitFor(id, sessionID, func(s *Snapshot) bool {
			return s.State == StateMeshBuilding && s.Progress.Suspended
		})
		assert.False(t, snap.Mesh.IsReady())
		assert.Equal(t, 1, snap.Progress.Round)
	}

	c.net.SetDrop(nil)
	c.net.Rejoin("node-c")

	var groupKey []byte
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		snap := c.waitState(id, sessionID, StateComplete)
		require.NotEmpty(t, snap.GroupKey)
		if groupKey == nil {
			groupKey = snap.GroupKey
		}
		assert.Equal(t, groupKey, snap.GroupKey)

		share, err := c.nodes[id].store.GetKeyShare(ctx, sessionID, id)
		require.NoError(t, err)
		assert.Equal(t, groupKey, share.GroupKey)
	}
}

func TestManager_SuspendedDKGFailsWhenRejoinWindowPasses(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")

	c.dropPackages(func(from, to string, env *transport.Envelope) bool {
		return from == "node-c" || to == "node-c"
	})
	sessionID, err := c.node("node-a").Propose(context.Background(), ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-c"}, Threshold: 2})
	require.NoError(t, err)
	c.waitState("node-c", sessionID, StateProtocolRunning)
	c.waitState("node-a", sessionID, StateProtocolRunning)

	c.net.Isolate("node-c")
	c.waitFor("node-a", sessionID, func(s *Snapshot) bool { return s.Progress.Suspended })

	c.clock.Advance(time.Minute + time.Second)

	snap := c.waitState("node-a", sessionID, StateFailed)
	assert.Equal(t, FailureTimeout, snap.Reason)
	require.NotNil(t, snap.Error)
	assert.Equal(t, protocol.ReasonRejoinDeadline, snap.Error.Reason)
	assert.Equal(t, []string{"node-c"}, snap.Error.Culprits)
}

func TestManager_RejoinRejectionsLeaveStateUntouched(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	ctx := context.Background()

	c.dropPackages(func(from, to string, env *transport.Envelope) bool { return true })
	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-c"}, Threshold: 2})
	require.NoError(t, err)
	before := c.waitFor("node-a", sessionID, func(s *Snapshot) bool {
		return s.State == StateProtocolRunning && s.Progress.Round == 1
	})

	s := c.node("node-a").session(sessionID)
	require.NotNil(t, s)
	tokens := auth.NewJWTManager(rejoinSecret, rejoinIssuer, c.clock)

	validB, err := tokens.Generate(sessionID, "node-b", before.ExpiresAt)
	require.NoError(t, err)
	tokenC, err := tokens.Generate(sessionID, "node-c", before.ExpiresAt)
	require.NoError(t, err)
	tokenX, err := tokens.Generate(sessionID, "node-x", before.ExpiresAt)
	require.NoError(t, err)
	shortLived, err := tokens.Generate(sessionID, "node-b", c.clock.Now().Add(time.Second))
	require.NoError(t, err)
	c.clock.Advance(2 * time.Second)

	tests := []struct {
		name   string
		from   string
		req    rejoin.Request
		reason protocol.Reason
	}{
		{"garbage token", "node-b", rejoin.Request{SessionID: sessionID, ParticipantID: "node-b", Token: "bogus"}, protocol.ReasonAuthFailed},
		{"token of another participant", "node-b", rejoin.Request{SessionID: sessionID, ParticipantID: "node-b", Token: tokenC}, protocol.ReasonAuthFailed},
		{"expired token", "node-b", rejoin.Request{SessionID: sessionID, ParticipantID: "node-b", Token: shortLived}, protocol.ReasonSessionExpired},
		{"participant outside roster", "node-x", rejoin.Request{SessionID: sessionID, ParticipantID: "node-x", Token: tokenX}, protocol.ReasonUnknownParticipant},
		{"claim ahead of session", "node-b", rejoin.Request{SessionID: sessionID, ParticipantID: "node-b", Token: validB, ClaimedLastSeenRound: 5}, protocol.ReasonStaleClaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := transport.Marshal(&tt.req)
			require.NoError(t, err)
			env := &transport.Envelope{SessionID: sessionID, Sender: tt.from, Kind: transport.KindRejoin, Payload: payload}

			var rerr *protocol.Error
			require.NoError(t, s.call(ctx, func() error {
				rerr = s.onRejoin(tt.from, env)
				return nil
			}))
			require.NotNil(t, rerr)
			assert.Equal(t, protocol.ErrKindRejoin, rerr.Kind)
			assert.Equal(t, tt.reason, rerr.Reason)
		})
	}

	after, err := c.node("node-a").Status(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Mesh, after.Mesh)
	assert.Equal(t, before.Accepted, after.Accepted)
	assert.Equal(t, before.Progress.Round, after.Progress.Round)
	assert.Nil(t, after.Error)
}

func TestManager_RejoinWithInvalidTokenIsNotReadmitted(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	ctx := context.Background()

	c.dropPackages(func(from, to string, env *transport.Envelope) bool {
		return from == "node-c" || to == "node-c"
	})
	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-c"}, Threshold: 2})
	require.NoError(t, err)
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		c.waitState(id, sessionID, StateProtocolRunning)
	}

	c.net.Isolate("node-c")
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		c.waitFor(id, sessionID, func(s *Snapshot) bool {
			return s.State == StateMeshBuilding && s.Progress.Suspended
		})
	}

	s := c.node("node-c").session(sessionID)
	require.NotNil(t, s)
	require.NoError(t, s.call(ctx, func() error {
		s.token = "bogus"
		return nil
	}))

	c.net.SetDrop(nil)
	c.net.Rejoin("node-c")

	// node-c 校验通过了对方的请求并恢复，但自己的请求被拒绝
	c.waitFor("node-c", sessionID, func(s *Snapshot) bool {
		return s.State == StateProtocolRunning && !s.Progress.Suspended
	})
	for _, id := range []string{"node-a", "node-b"} {
		assert.Never(t, func() bool {
			snap, err := c.node(id).Status(ctx, sessionID)
			return err != nil || snap.State != StateMeshBuilding || !snap.Progress.Suspended
		}, 200*time.Millisecond, pollEvery, "node %s re-admitted a participant with an invalid token", id)
	}

	c.clock.Advance(time.Minute + time.Second)

	snap := c.waitState("node-a", sessionID, StateFailed)
	require.NotNil(t, snap.Error)
	assert.Equal(t, protocol.ReasonRejoinDeadline, snap.Error.Reason)
	assert.Equal(t, []string{"node-c"}, snap.Error.Culprits)
}

func TestManager_SigningFailsWhenSignerUnreachable(t *testing.T) {
	c := newCluster(t, true, "node-a", "node-b", "node-c")
	walletID := c.runDKG(2, "node-a", "node-b", "node-c")

	c.net.Partition("node-a", "node-b")
	signingID, err := c.node("node-a").RequestSigning(context.Background(), walletID, []byte("payload"), []string{"node-a", "node-b"})
	require.NoError(t, err)
	c.waitState("node-a", signingID, StateAnnounced)

	c.clock.Advance(testRoundTimeout + time.Second)

	snap := c.waitState("node-a", signingID, StateFailed)
	assert.Equal(t, FailureThresholdNotMet, snap.Reason)
	require.NotNil(t, snap.Error)
	assert.Equal(t, protocol.ErrKindMesh, snap.Error.Kind)
	assert.Equal(t, protocol.ReasonLinkUnreachable, snap.Error.Reason)
	assert.Equal(t, []string{"node-b"}, snap.Error.Culprits)
}

// gatedPrimitive 放行前阻塞 DKG 汇总
type gatedPrimitive struct {
	protocol.Primitive
	gate <-chan struct{}
}

func (p *gatedPrimitive) DKGFinalize(state []byte, round1, round2 map[protocol.Identifier][]byte) (*protocol.KeyMaterial, error) {
	<-p.gate
	return p.Primitive.DKGFinalize(state, round1, round2)
}

func TestManager_RejoinAfterFinalizeStarted(t *testing.T) {
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })

	c := newClusterWithPrimitives(t, true, func(id string) protocol.PrimitiveFactory {
		factory := primitive.NewFactory([]byte("secret-" + id))
		if id != "node-a" {
			return factory
		}
		return func(sessionID, participantID string) protocol.Primitive {
			return &gatedPrimitive{Primitive: factory(sessionID, participantID), gate: gate}
		}
	}, "node-a", "node-b", "node-c")
	t.Cleanup(release)
	ctx := context.Background()

	sessionID, err := c.node("node-a").Propose(ctx, ProposeRequest{Kind: protocol.KindDKG, Roster: []string{"node-a", "node-b", "node-c"}, Threshold: 2})
	require.NoError(t, err)
	before := c.waitFor("node-a", sessionID, func(s *Snapshot) bool {
		return s.Progress.State == protocol.DKGStateFinalizing
	})

	s := c.node("node-a").session(sessionID)
	require.NotNil(t, s)
	token, err := auth.NewJWTManager(rejoinSecret, rejoinIssuer, c.clock).Generate(sessionID, "node-b", before.ExpiresAt)
	require.NoError(t, err)

	rejoinFrom := func(claimed int) *protocol.Error {
		payload, err := transport.Marshal(&rejoin.Request{SessionID: sessionID, ParticipantID: "node-b", Token: token, ClaimedLastSeenRound: claimed})
		require.NoError(t, err)
		env := &transport.Envelope{SessionID: sessionID, Sender: "node-b", Kind: transport.KindRejoin, Payload: payload}

		var rerr *protocol.Error
		require.NoError(t, s.call(ctx, func() error {
			rerr = s.onRejoin("node-b", env)
			return nil
		}))
		return rerr
	}

	rerr := rejoinFrom(1)
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.ReasonRoundFinalized, rerr.Reason)

	// 已收到最后一轮交换的对端仍可重连
	assert.Nil(t, rejoinFrom(2))

	release()
	c.waitState("node-a", sessionID, StateComplete)
}
