package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kashguard/go-mpc-mesh/internal/auth"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/mesh"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/rejoin"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/storage"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const (
	sendTimeout          = 5 * time.Second
	storeTimeout         = 2 * time.Second
	recordRetention      = time.Hour
	maxOrphansPerSession = 256
)

// Config 会话管理器参数
type Config struct {
	NodeID            string
	SessionTimeout    time.Duration
	RoundTimeout      time.Duration
	SetupTimeout      time.Duration
	RejoinWindow      time.Duration
	WatchdogInterval  time.Duration
	ReconnectWindow   time.Duration
	Workers           int
	MailboxWarnSize   int
	FinishedCacheSize int
	AutoAccept        bool
	Monitor           mesh.MonitorConfig
	EventChannel      string
}

// ConfigFromServer 从服务配置构建
func ConfigFromServer(cfg config.Server) Config {
	channel := ""
	if cfg.Redis.Enabled {
		channel = cfg.Redis.EventChannel
	}
	return Config{
		NodeID:            cfg.MPC.NodeID,
		SessionTimeout:    cfg.Session.Timeout,
		RoundTimeout:      cfg.Session.RoundTimeout,
		SetupTimeout:      cfg.Session.SetupTimeout,
		RejoinWindow:      cfg.Session.RejoinWindow,
		WatchdogInterval:  cfg.Session.WatchdogInterval,
		ReconnectWindow:   cfg.Mesh.ReconnectWindow,
		Workers:           cfg.Session.Workers,
		MailboxWarnSize:   cfg.Session.MailboxWarnSize,
		FinishedCacheSize: cfg.Session.FinishedCacheSize,
		AutoAccept:        cfg.Session.AutoAccept,
		Monitor: mesh.MonitorConfig{
			HeartbeatInterval: cfg.Mesh.HeartbeatInterval,
			DeadAfter:         cfg.Mesh.DeadAfter,
			LossWindow:        cfg.Mesh.LossWindow,
		},
		EventChannel: channel,
	}
}

// Deps 会话管理器的外部依赖，Publisher 可为空
type Deps struct {
	Transport  transport.Transport
	Primitives protocol.PrimitiveFactory
	Sessions   storage.SessionStore
	KeyShares  storage.KeyShareStore
	Tokens     *auth.JWTManager
	Publisher  storage.Publisher
	Clock      time2.Clock
}

type disconnecter interface {
	Disconnect(peer string)
}

// Manager 节点级会话管理器
// 传输层事件、心跳、看门狗和用户操作都只向会话邮箱投递事件，状态转换由每个会话自己的事件循环完成。
type Manager struct {
	cfg        Config
	self       string
	transport  transport.Transport
	primitives protocol.PrimitiveFactory
	store      storage.SessionStore
	shares     storage.KeyShareStore
	tokens     *auth.JWTManager
	rejoin     *rejoin.Coordinator
	clock      time2.Clock
	monitor    *mesh.Monitor
	pool       *workerpool.WorkerPool
	bus        *bus
	finished   *lru.Cache[string, *Snapshot]
	orphans    *lru.Cache[string, []*transport.Envelope]

	mu       sync.RWMutex
	sessions map[string]*session
	links    map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	logger zerolog.Logger
}

// NewManager 创建会话管理器
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if deps.Transport == nil || deps.Primitives == nil || deps.Sessions == nil || deps.KeyShares == nil || deps.Tokens == nil {
		return nil, errors.New("transport, primitives, stores and token manager are required")
	}
	if deps.Clock == nil {
		deps.Clock = time2.DefaultClock
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 2 * time.Minute
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = cfg.RoundTimeout
	}
	if cfg.RejoinWindow <= 0 {
		cfg.RejoinWindow = 2 * time.Minute
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = time.Minute
	}
	if cfg.FinishedCacheSize <= 0 {
		cfg.FinishedCacheSize = 512
	}

	finished, err := lru.New[string, *Snapshot](cfg.FinishedCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create finished session cache")
	}
	orphans, err := lru.New[string, []*transport.Envelope](cfg.FinishedCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create orphan message cache")
	}

	ensureMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		self:       cfg.NodeID,
		transport:  deps.Transport,
		primitives: deps.Primitives,
		store:      deps.Sessions,
		shares:     deps.KeyShares,
		tokens:     deps.Tokens,
		rejoin:     rejoin.NewCoordinator(deps.Tokens, deps.Sessions, deps.Clock),
		clock:      deps.Clock,
		pool:       workerpool.New(cfg.Workers),
		bus:        newBus(deps.Publisher, cfg.EventChannel),
		finished:   finished,
		orphans:    orphans,
		sessions:   make(map[string]*session),
		links:      make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With().Str("component", "session_manager").Str("node_id", cfg.NodeID).Logger(),
	}
	m.monitor = mesh.NewMonitor(cfg.Monitor, m.ping, m.peerDead, deps.Clock)
	return m, nil
}

// NodeID 本节点 ID
func (m *Manager) NodeID() string {
	return m.self
}

// Start 启动传输事件分发和截止时间看门狗
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("session manager already started")
	}
	m.wg.Add(2)
	go m.dispatch()
	go m.watchdog()

	go func() {
		select {
		case <-ctx.Done():
			m.cancel()
		case <-m.ctx.Done():
		}
	}()

	m.logger.Info().
		Dur("session_timeout", m.cfg.SessionTimeout).
		Dur("round_timeout", m.cfg.RoundTimeout).
		Int("workers", m.cfg.Workers).
		Msg("Session manager started")
	return nil
}

// Close 停止所有会话事件循环和后台任务；传输层由调用方关闭
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.pool.StopWait()
	m.monitor.Close()
	m.bus.close()
	m.logger.Info().Msg("Session manager stopped")
	return nil
}

// Propose 发起会话；提议不合法时不创建会话，返回 SessionError(invalid_proposal)
func (m *Manager) Propose(ctx context.Context, req ProposeRequest) (string, error) {
	if m.closed.Load() {
		return "", errors.New("session manager is closed")
	}
	roster, err := validateProposal("", m.self, m.self, req.Kind, req.Roster, req.Threshold, req.WalletID, req.Message)
	if err != nil {
		return "", err
	}

	threshold := req.Threshold
	var share *protocol.KeyShare
	if req.Kind == protocol.KindSigning {
		share, err = m.loadShare(ctx, "", req.WalletID)
		if err != nil {
			return "", err
		}
		if threshold == 0 {
			threshold = share.Threshold
		}
		if threshold != share.Threshold {
			return "", protocol.NewSessionError("", protocol.ReasonInvalidProposal,
				fmt.Sprintf("wallet %s has threshold %d", req.WalletID, share.Threshold))
		}
		for _, id := range roster {
			if _, ok := share.Participants[id]; !ok {
				return "", protocol.NewSessionError("", protocol.ReasonRosterMismatch,
					fmt.Sprintf("participant %s does not hold a share of wallet %s", id, req.WalletID))
			}
		}
		if len(roster) < threshold {
			return "", protocol.NewMeshError("", protocol.ReasonThresholdUnreachable, roster,
				fmt.Sprintf("quorum of %d is below threshold %d", len(roster), threshold))
		}
	}

	sessionID := uuid.New().String()
	now := m.clock.Now()
	expiresAt := now.Add(m.cfg.SessionTimeout)
	tokens, err := m.rejoin.IssueTokens(sessionID, roster, expiresAt)
	if err != nil {
		return "", err
	}

	s := newSession(m, sessionParams{
		id:        sessionID,
		kind:      req.Kind,
		proposer:  m.self,
		walletID:  req.WalletID,
		message:   req.Message,
		threshold: threshold,
		roster:    roster,
		token:     tokens[m.self],
		share:     share,
		createdAt: now,
		expiresAt: expiresAt,
	})
	m.register(s)
	s.enqueue(callEvent{fn: func() error {
		s.announce(tokens)
		return nil
	}})

	m.logger.Info().
		Str("session_id", sessionID).
		Str("kind", string(req.Kind)).
		Int("threshold", threshold).
		Strs("participants", roster).
		Msg("Session proposed")
	return sessionID, nil
}

// RequestSigning 用钱包分片发起签名，阈值取自分片
func (m *Manager) RequestSigning(ctx context.Context, walletID string, message []byte, quorum []string) (string, error) {
	return m.Propose(ctx, ProposeRequest{
		Kind:     protocol.KindSigning,
		Roster:   quorum,
		WalletID: walletID,
		Message:  message,
	})
}

// Respond 本节点答复提议
func (m *Manager) Respond(ctx context.Context, sessionID string, accept bool) error {
	s := m.session(sessionID)
	if s == nil {
		return m.unknownSession(sessionID)
	}
	return s.call(ctx, func() error {
		return s.respond(accept)
	})
}

// Accept 记录参与方已接受；不在名单中的参与方返回 SessionError(roster_mismatch)
func (m *Manager) Accept(ctx context.Context, sessionID, participant string) error {
	s := m.session(sessionID)
	if s == nil {
		return m.unknownSession(sessionID)
	}
	return s.call(ctx, func() error {
		return s.accept(participant)
	})
}

// RouteMessage 把节点消息投递到会话邮箱；提议尚未到达的会话先暂存
func (m *Manager) RouteMessage(sessionID, from string, env *transport.Envelope) error {
	if env == nil || env.SessionID != sessionID {
		return protocol.NewSessionError(sessionID, protocol.ReasonUnknownSession, "envelope does not belong to session")
	}
	if s := m.session(sessionID); s != nil {
		if !s.enqueue(inboundEvent{from: from, env: env}) {
			m.discardFinished(sessionID, from, env)
		}
		return nil
	}
	if _, ok := m.finished.Get(sessionID); ok {
		m.discardFinished(sessionID, from, env)
		return nil
	}
	if env.Kind == transport.KindRejoin {
		m.rejectRejoin(from, sessionID, protocol.NewRejoinError(sessionID, protocol.ReasonSessionExpired, from, "unknown session"))
		return nil
	}

	stash, _ := m.orphans.Get(sessionID)
	if len(stash) >= maxOrphansPerSession {
		m.logger.Warn().Str("session_id", sessionID).Str("peer_id", from).Msg("Dropped message for unknown session")
		return protocol.NewSessionError(sessionID, protocol.ReasonUnknownSession, "too many messages for unknown session")
	}
	m.orphans.Add(sessionID, append(stash, env))
	m.logger.Debug().Str("session_id", sessionID).Str("peer_id", from).Str("kind", string(env.Kind)).Msg("Buffered message until proposal arrives")
	return nil
}

// Cancel 协作式取消，已排队的事件被丢弃，会话进入 Failed(cancelled)
func (m *Manager) Cancel(sessionID string) error {
	s := m.session(sessionID)
	if s == nil {
		if m.finished.Contains(sessionID) {
			return protocol.NewSessionError(sessionID, protocol.ReasonInvalidState, "session already finished")
		}
		return m.unknownSession(sessionID)
	}
	if s.snapshot().State.Terminal() {
		return s.finishedError()
	}
	s.cancelled.Store(true)
	if !s.enqueue(tickEvent{}) {
		return s.finishedError()
	}
	return nil
}

// Status 会话快照；已结束的会话从缓存或存储中读取
func (m *Manager) Status(ctx context.Context, sessionID string) (*Snapshot, error) {
	if s := m.session(sessionID); s != nil {
		return s.snapshot(), nil
	}
	if snap, ok := m.finished.Get(sessionID); ok {
		return snap, nil
	}
	record, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, m.unknownSession(sessionID)
		}
		return nil, errors.Wrap(err, "failed to load session")
	}
	return snapshotFromRecord(record), nil
}

// Sessions 活跃会话快照，按创建时间排序
func (m *Manager) Sessions() []*Snapshot {
	live := m.live()
	snaps := make([]*Snapshot, 0, len(live))
	for _, s := range live {
		snaps = append(snaps, s.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Subscribe 订阅状态事件
func (m *Manager) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	return m.bus.subscribe(buffer)
}

// ConnectedPeers 当前已连接的对端及其连接质量
func (m *Manager) ConnectedPeers() map[string]mesh.Quality {
	m.mu.RLock()
	peers := make([]string, 0, len(m.links))
	for peer := range m.links {
		peers = append(peers, peer)
	}
	m.mu.RUnlock()

	result := make(map[string]mesh.Quality, len(peers))
	for _, peer := range peers {
		result[peer] = m.monitor.Quality(peer)
	}
	return result
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	events := m.transport.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case transport.EventPeerConnected:
				m.peerConnected(ev.Peer)
			case transport.EventPeerDisconnected:
				m.peerDisconnected(ev.Peer)
			case transport.EventMessageReceived:
				m.receive(ev.Peer, ev.Data)
			}
		}
	}
}

func (m *Manager) watchdog() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, s := range m.live() {
				s.enqueue(tickEvent{})
			}
		}
	}
}

func (m *Manager) peerConnected(peer string) {
	m.mu.Lock()
	if m.links[peer] {
		m.mu.Unlock()
		return
	}
	m.links[peer] = true
	sessions := m.liveLocked()
	m.mu.Unlock()

	m.logger.Info().Str("peer_id", peer).Msg("Peer connected")
	m.monitor.Track(m.ctx, peer)
	for _, s := range sessions {
		s.enqueue(linkEvent{peer: peer, up: true})
	}
}

func (m *Manager) peerDisconnected(peer string) {
	m.mu.Lock()
	if !m.links[peer] {
		m.mu.Unlock()
		return
	}
	delete(m.links, peer)
	sessions := m.liveLocked()
	m.mu.Unlock()

	m.logger.Warn().Str("peer_id", peer).Msg("Peer disconnected")
	m.monitor.Untrack(peer)
	for _, s := range sessions {
		s.enqueue(linkEvent{peer: peer, up: false})
	}
}

// peerDead 心跳超时等同于传输层断开
func (m *Manager) peerDead(peer string) {
	if d, ok := m.transport.(disconnecter); ok {
		d.Disconnect(peer)
	}
	m.peerDisconnected(peer)
}

func (m *Manager) ping(ctx context.Context, peer string, seq uint64) error {
	payload, err := transport.Marshal(seq)
	if err != nil {
		return err
	}
	return m.send(peer, &transport.Envelope{Sender: m.self, Kind: transport.KindPing, Payload: payload})
}

func (m *Manager) receive(from string, data []byte) {
	env, err := transport.DecodeEnvelope(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("peer_id", from).Msg("Dropped undecodable message")
		return
	}
	m.monitor.Observe(from)
	if env.Sender != from {
		m.logger.Warn().Str("peer_id", from).Str("sender", env.Sender).Msg("Dropped message with mismatched sender")
		return
	}

	switch env.Kind {
	case transport.KindPing:
		if err := m.send(from, &transport.Envelope{Sender: m.self, Kind: transport.KindPong, Payload: env.Payload}); err != nil {
			m.logger.Debug().Err(err).Str("peer_id", from).Msg("Failed to answer heartbeat")
		}
		return
	case transport.KindPong:
		var seq uint64
		if err := transport.Unmarshal(env.Payload, &seq); err == nil {
			m.monitor.Pong(from, seq)
		}
		return
	case transport.KindProposal:
		m.handleProposal(from, env)
		return
	}

	if err := m.RouteMessage(env.SessionID, from, env); err != nil {
		m.logger.Debug().Err(err).Str("peer_id", from).Msg("Failed to route message")
	}
}

func (m *Manager) handleProposal(from string, env *transport.Envelope) {
	logger := m.logger.With().Str("session_id", env.SessionID).Str("peer_id", from).Logger()

	var p proposal
	if err := transport.Unmarshal(env.Payload, &p); err != nil {
		logger.Warn().Err(err).Msg("Dropped malformed proposal")
		return
	}
	if p.Proposer != from {
		logger.Warn().Str("proposer", p.Proposer).Msg("Dropped proposal relayed by another participant")
		return
	}
	if m.session(env.SessionID) != nil || m.finished.Contains(env.SessionID) {
		logger.Debug().Msg("Ignored duplicate proposal")
		return
	}
	if !m.clock.Now().Before(p.ExpiresAt) {
		logger.Warn().Time("expires_at", p.ExpiresAt).Msg("Dropped expired proposal")
		return
	}
	roster, err := validateProposal(env.SessionID, p.Proposer, m.self, p.Kind, p.Roster, p.Threshold, p.WalletID, p.Message)
	if err != nil {
		logger.Warn().Err(err).Msg("Dropped invalid proposal")
		return
	}

	s := newSession(m, sessionParams{
		id:        env.SessionID,
		kind:      p.Kind,
		proposer:  p.Proposer,
		walletID:  p.WalletID,
		message:   p.Message,
		threshold: p.Threshold,
		roster:    roster,
		token:     p.Token,
		createdAt: p.CreatedAt,
		expiresAt: p.ExpiresAt,
	})
	m.register(s)
	s.enqueue(callEvent{fn: func() error {
		s.transition(StateAnnounced)
		return nil
	}})

	if stash, ok := m.orphans.Get(env.SessionID); ok {
		m.orphans.Remove(env.SessionID)
		for _, orphan := range stash {
			s.enqueue(inboundEvent{from: orphan.Sender, env: orphan})
		}
	}

	logger.Info().
		Str("kind", string(p.Kind)).
		Int("threshold", p.Threshold).
		Strs("participants", roster).
		Msg("Received session proposal")

	if m.cfg.AutoAccept {
		s.enqueue(callEvent{fn: func() error {
			if err := s.respond(true); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to accept proposal automatically")
			}
			return nil
		}})
	}
}

func (m *Manager) discardFinished(sessionID, from string, env *transport.Envelope) {
	if env.Kind == transport.KindRejoin {
		snap, _ := m.finished.Get(sessionID)
		view := &rejoin.View{SessionID: sessionID, Terminal: true}
		if snap != nil {
			view.Roster = snap.Roster
			view.ExpiresAt = snap.ExpiresAt
			view.Round = snap.Progress.Round
			view.Finalized = snap.State == StateComplete
		}
		var req rejoin.Request
		if err := transport.Unmarshal(env.Payload, &req); err != nil {
			m.rejectRejoin(from, sessionID, protocol.NewRejoinError(sessionID, protocol.ReasonAuthFailed, from, "malformed rejoin request"))
			return
		}
		if rerr := m.rejoin.Validate(&req, view); rerr != nil {
			m.rejectRejoin(from, sessionID, rerr)
		}
		return
	}
	m.logger.Debug().Str("session_id", sessionID).Str("peer_id", from).Str("kind", string(env.Kind)).Msg("Discarded message for finished session")
}

func (m *Manager) rejectRejoin(to, sessionID string, rerr *protocol.Error) {
	rejoinRequests.WithLabelValues(string(rerr.Reason)).Inc()
	m.logger.Warn().Err(rerr).Str("session_id", sessionID).Str("peer_id", to).Msg("Rejected rejoin request")

	payload, err := transport.Marshal(&rejoin.Reject{Reason: rerr.Reason, Message: rerr.Message})
	if err != nil {
		return
	}
	if err := m.send(to, &transport.Envelope{SessionID: sessionID, Sender: m.self, Kind: transport.KindRejoinReject, Payload: payload}); err != nil {
		m.logger.Debug().Err(err).Str("peer_id", to).Msg("Failed to send rejoin rejection")
	}
}

func (m *Manager) send(peer string, env *transport.Envelope) error {
	data, err := transport.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return m.sendRaw(peer, data)
}

func (m *Manager) sendRaw(peer string, data []byte) error {
	ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
	defer cancel()
	return m.transport.Send(ctx, peer, data)
}

func (m *Manager) connect(peer string) error {
	ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
	defer cancel()
	return m.transport.Connect(ctx, peer)
}

func (m *Manager) isConnected(peer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[peer]
}

func (m *Manager) loadShare(ctx context.Context, sessionID, walletID string) (*protocol.KeyShare, error) {
	share, err := m.shares.GetKeyShare(ctx, walletID, m.self)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocol.NewSessionError(sessionID, protocol.ReasonMissingKeyShare,
				fmt.Sprintf("no key share for wallet %s", walletID))
		}
		return nil, errors.Wrap(err, "failed to load key share")
	}
	return share, nil
}

func (m *Manager) logMessage(sessionID, to string, round int, data []byte, expiresAt time.Time) {
	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()
	msg := &storage.LoggedMessage{SessionID: sessionID, To: to, Round: round, Data: data}
	if err := m.store.AppendMessage(ctx, msg, m.retention(expiresAt)); err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Str("peer_id", to).Msg("Failed to log outbound message")
	}
}

func (m *Manager) persist(record *storage.SessionRecord) {
	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()
	if err := m.store.SaveSession(ctx, record, m.retention(record.ExpiresAt)); err != nil {
		m.logger.Error().Err(err).Str("session_id", record.SessionID).Msg("Failed to save session snapshot")
	}
}

func (m *Manager) retention(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(m.clock.Now())
	if ttl < 0 {
		ttl = 0
	}
	return ttl + recordRetention
}

func (m *Manager) register(s *session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	activeSessions.WithLabelValues(string(s.kind)).Inc()
	m.wg.Add(1)
	go s.run()
}

// finish 会话进入终态后由其事件循环调用
func (m *Manager) finish(s *session, snap *Snapshot) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.finished.Add(s.id, snap)
	activeSessions.WithLabelValues(string(s.kind)).Dec()
	finishedSessions.WithLabelValues(string(s.kind), string(snap.State), string(snap.Reason)).Inc()
}

func (m *Manager) session(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) live() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveLocked()
}

func (m *Manager) liveLocked() []*session {
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (m *Manager) unknownSession(sessionID string) error {
	return protocol.NewSessionError(sessionID, protocol.ReasonUnknownSession, "session not found").WithCause(ErrSessionNotFound)
}

// validateProposal 名单去重排序，检查阈值与本节点成员资格
func validateProposal(sessionID, proposer, self string, kind protocol.Kind, roster []string, threshold int, walletID string, message []byte) ([]string, error) {
	invalid := func(msg string) error {
		return protocol.NewSessionError(sessionID, protocol.ReasonInvalidProposal, msg)
	}
	if !kind.Valid() {
		return nil, invalid(fmt.Sprintf("unknown session kind %q", kind))
	}
	ids, err := protocol.NormalizeIDs(roster)
	if err != nil {
		return nil, invalid(err.Error())
	}
	if kind == protocol.KindDKG || threshold != 0 {
		if threshold < 1 || threshold > len(ids) {
			return nil, invalid(fmt.Sprintf("threshold %d is outside 1..%d", threshold, len(ids)))
		}
	}
	if !containsID(ids, proposer) {
		return nil, invalid(fmt.Sprintf("proposer %s is not in the roster", proposer))
	}
	if !containsID(ids, self) {
		return nil, invalid(fmt.Sprintf("participant %s is not in the roster", self))
	}
	if kind == protocol.KindSigning {
		if walletID == "" {
			return nil, invalid("signing requires a wallet id")
		}
		if len(message) == 0 {
			return nil, invalid("signing requires a message")
		}
	}
	return ids, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func snapshotFromRecord(record *storage.SessionRecord) *Snapshot {
	snap := &Snapshot{
		SessionID:   record.SessionID,
		Kind:        protocol.Kind(record.Kind),
		State:       State(record.State),
		Reason:      FailureReason(record.Reason),
		Proposer:    record.Proposer,
		WalletID:    record.WalletID,
		Threshold:   record.Threshold,
		Total:       record.TotalNodes,
		Roster:      record.Participants,
		Accepted:    record.Accepted,
		GroupKey:    record.GroupKey,
		Signature:   record.Signature,
		CreatedAt:   record.CreatedAt,
		ExpiresAt:   record.ExpiresAt,
		CompletedAt: record.CompletedAt,
		Progress: protocol.RoundProgress{
			Kind:        protocol.Kind(record.Kind),
			Round:       record.CurrentRound,
			TotalRounds: record.TotalRounds,
		},
	}
	return snap
}
