package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// PingFunc 发送一次心跳
type PingFunc func(ctx context.Context, peer string, seq uint64) error

// MonitorConfig 连接监控参数
type MonitorConfig struct {
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
	LossWindow        int
}

// Monitor 节点级连接监控：每个对端独立的心跳定时器，采样延迟与丢包
// 超过 DeadAfter 未收到任何消息时通过 onDead 上报断开。
type Monitor struct {
	cfg    MonitorConfig
	ping   PingFunc
	onDead func(peer string)
	clock  time2.Clock

	mu    sync.Mutex
	peers map[string]*peerStats

	logger zerolog.Logger
}

type peerStats struct {
	seq    atomic.Uint64
	sent   atomic.Uint64
	acked  atomic.Uint64
	dead   atomic.Bool
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[uint64]time.Time
	latencyMS float64
	lastSeen  time.Time
}

// NewMonitor 创建连接监控
func NewMonitor(cfg MonitorConfig, ping PingFunc, onDead func(peer string), clock time2.Clock) *Monitor {
	if cfg.LossWindow <= 0 {
		cfg.LossWindow = 20
	}
	return &Monitor{
		cfg:    cfg,
		ping:   ping,
		onDead: onDead,
		clock:  clock,
		peers:  make(map[string]*peerStats),
		logger: log.With().Str("component", "connection_monitor").Logger(),
	}
}

// Track 开始监控对端；interval 为 0 时只记录状态，由调用方驱动 Beat
func (m *Monitor) Track(ctx context.Context, peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stats, ok := m.peers[peer]; ok {
		stats.dead.Store(false)
		stats.mu.Lock()
		stats.lastSeen = m.clock.Now()
		stats.mu.Unlock()
		return
	}

	stats := &peerStats{pending: make(map[uint64]time.Time), lastSeen: m.clock.Now()}
	m.peers[peer] = stats

	if m.cfg.HeartbeatInterval <= 0 {
		stats.cancel = func() {}
		return
	}
	beatCtx, cancel := context.WithCancel(ctx)
	stats.cancel = cancel
	go m.loop(beatCtx, peer)
}

// Untrack 停止监控对端
func (m *Monitor) Untrack(peer string) {
	m.mu.Lock()
	stats, ok := m.peers[peer]
	delete(m.peers, peer)
	m.mu.Unlock()

	if ok {
		stats.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context, peer string) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Beat(ctx, peer)
		}
	}
}

// Beat 一次心跳：检查存活并发送 ping
func (m *Monitor) Beat(ctx context.Context, peer string) {
	stats := m.stats(peer)
	if stats == nil || stats.dead.Load() {
		return
	}

	now := m.clock.Now()
	stats.mu.Lock()
	silent := now.Sub(stats.lastSeen)
	for seq, sentAt := range stats.pending {
		if now.Sub(sentAt) > m.cfg.DeadAfter {
			delete(stats.pending, seq)
		}
	}
	stats.mu.Unlock()

	if m.cfg.DeadAfter > 0 && silent > m.cfg.DeadAfter {
		if stats.dead.CompareAndSwap(false, true) {
			m.logger.Warn().
				Str("peer_id", peer).
				Dur("silent_for", silent).
				Msg("Peer missed heartbeats, reporting disconnect")
			if m.onDead != nil {
				m.onDead(peer)
			}
		}
		return
	}

	seq := stats.seq.Inc()
	stats.mu.Lock()
	stats.pending[seq] = now
	stats.mu.Unlock()
	m.countSent(stats)

	if err := m.ping(ctx, peer, seq); err != nil {
		m.logger.Debug().Err(err).Str("peer_id", peer).Msg("Failed to send heartbeat")
	}
}

// Observe 收到对端任意消息
func (m *Monitor) Observe(peer string) {
	stats := m.stats(peer)
	if stats == nil {
		return
	}
	stats.mu.Lock()
	stats.lastSeen = m.clock.Now()
	stats.mu.Unlock()
}

// Pong 收到心跳应答，更新延迟
func (m *Monitor) Pong(peer string, seq uint64) {
	stats := m.stats(peer)
	if stats == nil {
		return
	}
	now := m.clock.Now()

	stats.mu.Lock()
	sentAt, ok := stats.pending[seq]
	if ok {
		delete(stats.pending, seq)
		sample := float64(now.Sub(sentAt)) / float64(time.Millisecond)
		if stats.latencyMS == 0 {
			stats.latencyMS = sample
		} else {
			stats.latencyMS = 0.8*stats.latencyMS + 0.2*sample
		}
	}
	stats.lastSeen = now
	stats.mu.Unlock()

	if ok {
		stats.acked.Inc()
	}
}

// Quality 连接质量快照
func (m *Monitor) Quality(peer string) Quality {
	stats := m.stats(peer)
	if stats == nil {
		return Quality{}
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()

	q := Quality{
		LatencyMS: stats.latencyMS,
		LastSeen:  stats.lastSeen,
		Alive:     !stats.dead.Load(),
	}
	if sent := stats.sent.Load(); sent > 0 {
		acked := stats.acked.Load()
		if acked > sent {
			acked = sent
		}
		// 还在等待应答的 ping 不计为丢失
		inFlight := uint64(len(stats.pending))
		if inFlight > sent-acked {
			inFlight = sent - acked
		}
		if settled := sent - inFlight; settled > 0 {
			q.Loss = float64(settled-acked) / float64(settled)
		}
	}
	return q
}

// Close 停止所有心跳
func (m *Monitor) Close() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*peerStats)
	m.mu.Unlock()

	for _, stats := range peers {
		stats.cancel()
	}
}

func (m *Monitor) stats(peer string) *peerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peer]
}

// countSent 超过采样窗口时减半计数，近期样本权重更高
func (m *Monitor) countSent(stats *peerStats) {
	if sent := stats.sent.Inc(); sent > uint64(m.cfg.LossWindow) {
		stats.sent.Store(sent / 2)
		stats.acked.Store(stats.acked.Load() / 2)
	}
}
