package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *time2.MockClock) {
	t.Helper()
	clock := time2.NewMockClock(time.Now())
	return NewCoordinator("session-1", "node-a", []string{"node-a", "node-b", "node-c"}, time.Minute, clock), clock
}

func TestCoordinator_InitialStatus(t *testing.T) {
	c, _ := newTestCoordinator(t)

	assert.Equal(t, StatusIncomplete, c.Status().Kind)
	assert.Equal(t, []string{"node-b", "node-c"}, c.Peers())
	assert.False(t, c.LocalReady())

	// 任何就绪信号之前每条链路都要可见
	links := c.Links()
	require.Len(t, links, 2)
	for _, link := range links {
		assert.Equal(t, LinkIncomplete, link.State)
	}

	assert.True(t, c.Initiate("node-b"))
	assert.Equal(t, StatusInitiating, c.Status().Kind)
	assert.False(t, c.Initiate("node-b"))
	assert.False(t, c.Initiate("node-x"))
}

func TestCoordinator_ReadyIsConjunctive(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.PeerConnected("node-b")
	u := c.PeerConnected("node-c")
	assert.True(t, u.LocalReady)
	assert.True(t, u.LocalChanged)
	assert.Equal(t, Status{Kind: StatusPartiallyReady, Ready: []string{"node-a"}}, u.Status)

	// 所有链路已连接，但 node-c 尚未宣告就绪
	u = c.ParticipantReady("node-b")
	assert.Equal(t, Status{Kind: StatusPartiallyReady, Ready: []string{"node-a", "node-b"}}, u.Status)
	assert.False(t, u.Status.IsReady())

	u = c.ParticipantReady("node-c")
	assert.True(t, u.Changed)
	assert.True(t, u.Status.IsReady())
}

func TestCoordinator_ReadySignalsWithoutLinksAreNotEnough(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.ParticipantReady("node-b")
	c.ParticipantReady("node-c")
	c.PeerConnected("node-b")

	assert.False(t, c.Status().IsReady())
	assert.False(t, c.LocalReady())

	c.PeerConnected("node-c")
	assert.True(t, c.Status().IsReady())
}

func TestCoordinator_DisconnectDemotes(t *testing.T) {
	c, clock := newTestCoordinator(t)
	c.PeerConnected("node-b")
	c.PeerConnected("node-c")
	c.ParticipantReady("node-b")
	c.ParticipantReady("node-c")
	require.True(t, c.Status().IsReady())

	u := c.PeerDisconnected("node-c")
	assert.True(t, u.Demoted)
	assert.True(t, u.LocalChanged)
	assert.False(t, u.LocalReady)
	assert.Equal(t, []string{"node-a", "node-b"}, c.ConnectedParticipants())

	links := c.Links()
	require.Len(t, links, 2)
	assert.Equal(t, LinkReconnecting, links[1].State)
	assert.Equal(t, clock.Now().Add(time.Minute), links[1].Deadline)

	// 重连后还需要对方重新宣告就绪
	c.PeerConnected("node-c")
	assert.False(t, c.Status().IsReady())
	u = c.ParticipantReady("node-c")
	assert.True(t, u.Status.IsReady())
}

func TestCoordinator_UnreadyWithdrawsSignal(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.PeerConnected("node-b")
	c.PeerConnected("node-c")
	c.ParticipantReady("node-b")
	c.ParticipantReady("node-c")

	u := c.ParticipantUnready("node-b")
	assert.True(t, u.Demoted)
	assert.Equal(t, []string{"node-a", "node-c"}, u.Status.Ready)

	u = c.ParticipantUnready("node-b")
	assert.False(t, u.Changed)
}

func TestCoordinator_ReconnectDeadlineExpires(t *testing.T) {
	c, clock := newTestCoordinator(t)
	c.PeerConnected("node-b")
	c.PeerDisconnected("node-b")

	_, expired := c.Expire()
	assert.Empty(t, expired)

	clock.Advance(time.Minute)
	_, expired = c.Expire()
	assert.Equal(t, []string{"node-b"}, expired)
	assert.Equal(t, LinkDisconnected, c.Links()[0].State)
	assert.True(t, c.Initiate("node-b"))
}

func TestCoordinator_SingleParticipantIsReady(t *testing.T) {
	c := NewCoordinator("session-2", "node-a", []string{"node-a"}, time.Minute, time2.NewMockClock(time.Now()))
	assert.True(t, c.Status().IsReady())
	assert.True(t, c.LocalReady())
}

func TestMonitor_DeadPeerReported(t *testing.T) {
	clock := time2.NewMockClock(time.Now())
	var (
		mu    sync.Mutex
		pings []uint64
		dead  []string
	)
	m := NewMonitor(MonitorConfig{DeadAfter: 10 * time.Second},
		func(ctx context.Context, peer string, seq uint64) error {
			mu.Lock()
			defer mu.Unlock()
			pings = append(pings, seq)
			return nil
		},
		func(peer string) {
			mu.Lock()
			defer mu.Unlock()
			dead = append(dead, peer)
		}, clock)
	defer m.Close()

	ctx := context.Background()
	m.Track(ctx, "node-b")

	m.Beat(ctx, "node-b")
	clock.Advance(40 * time.Millisecond)
	m.Pong("node-b", 1)

	q := m.Quality("node-b")
	assert.True(t, q.Alive)
	assert.InDelta(t, 40.0, q.LatencyMS, 0.001)
	assert.Zero(t, q.Loss)

	clock.Advance(11 * time.Second)
	m.Beat(ctx, "node-b")
	m.Beat(ctx, "node-b")

	mu.Lock()
	assert.Equal(t, []string{"node-b"}, dead)
	assert.Equal(t, []uint64{1}, pings)
	mu.Unlock()
	assert.False(t, m.Quality("node-b").Alive)

	m.Track(ctx, "node-b")
	assert.True(t, m.Quality("node-b").Alive)
}

func TestMonitor_LossCountsExpiredPings(t *testing.T) {
	clock := time2.NewMockClock(time.Now())
	m := NewMonitor(MonitorConfig{DeadAfter: 5 * time.Second},
		func(ctx context.Context, peer string, seq uint64) error { return nil }, nil, clock)
	defer m.Close()

	ctx := context.Background()
	m.Track(ctx, "node-b")

	m.Beat(ctx, "node-b")
	m.Pong("node-b", 1)
	m.Beat(ctx, "node-b")

	clock.Advance(6 * time.Second)
	m.Observe("node-b")
	m.Beat(ctx, "node-b")

	q := m.Quality("node-b")
	assert.True(t, q.Alive)
	assert.InDelta(t, 0.5, q.Loss, 0.001)
}
