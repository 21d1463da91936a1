package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/mesh"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/rejoin"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/storage"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const maxEarlyPackages = 1024

type inboundEvent struct {
	from string
	env  *transport.Envelope
}

type linkEvent struct {
	peer string
	up   bool
}

type taskEvent struct {
	res *protocol.TaskResult
}

type tickEvent struct{}

type callEvent struct {
	fn    func() error
	reply chan error
}

type sessionParams struct {
	id        string
	kind      protocol.Kind
	proposer  string
	walletID  string
	message   []byte
	threshold int
	roster    []string
	token     string
	share     *protocol.KeyShare
	createdAt time.Time
	expiresAt time.Time
}

// session 单个会话的事件循环；除邮箱和快照外的字段只由 run 所在的 goroutine 访问
type session struct {
	m *Manager

	id        string
	kind      protocol.Kind
	self      string
	proposer  string
	walletID  string
	message   []byte
	threshold int
	roster    []string
	peers     []string
	token     string
	share     *protocol.KeyShare
	createdAt time.Time
	expiresAt time.Time

	state       State
	reason      FailureReason
	err         *protocol.Error
	accepted    map[string]bool
	tokens      map[string]string
	undelivered map[string]bool
	mesh        *mesh.Coordinator
	engine      protocol.Engine
	early       []inboundEvent
	lastSeen    map[string]int
	// 协议开始后断开的参与方，重连校验通过前不接受其就绪信号
	awaitingRejoin map[string]bool
	completedAt *time.Time
	groupKey    []byte
	signature   []byte

	round          int
	setupDeadline  time.Time
	roundDeadline  time.Time
	remaining      time.Duration
	rejoinDeadline time.Time

	mu        sync.Mutex
	queue     deque.Deque
	closed    bool
	wake      chan struct{}
	done      chan struct{}
	cancelled atomic.Bool

	snapMu sync.RWMutex
	snap   *Snapshot

	logger zerolog.Logger
}

func newSession(m *Manager, p sessionParams) *session {
	s := &session{
		m:         m,
		id:        p.id,
		kind:      p.kind,
		self:      m.self,
		proposer:  p.proposer,
		walletID:  p.walletID,
		message:   p.message,
		threshold: p.threshold,
		roster:    p.roster,
		token:     p.token,
		share:     p.share,
		createdAt: p.createdAt,
		expiresAt: p.expiresAt,
		state:     StateProposed,
		accepted:  map[string]bool{p.proposer: true},
		lastSeen:  make(map[string]int),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger: m.logger.With().
			Str("session_id", p.id).
			Str("kind", string(p.kind)).
			Logger(),
	}
	for _, id := range p.roster {
		if id != m.self {
			s.peers = append(s.peers, id)
		}
	}
	s.awaitingRejoin = make(map[string]bool)
	s.undelivered = make(map[string]bool)
	s.setupDeadline = m.clock.Now().Add(m.cfg.SetupTimeout)
	s.mesh = mesh.NewCoordinator(p.id, m.self, p.roster, m.cfg.ReconnectWindow, m.clock)
	s.refresh()
	s.persist()
	return s
}

func (s *session) enqueue(ev interface{}) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue.PushBack(ev)
	depth := s.queue.Len()
	s.mu.Unlock()

	if warn := s.m.cfg.MailboxWarnSize; warn > 0 && depth == warn {
		s.logger.Warn().Int("depth", depth).Msg("Session mailbox is growing")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *session) pop() (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.PopFront()
}

func (s *session) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// call 在事件循环中执行 fn 并等待结果
func (s *session) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !s.enqueue(callEvent{fn: fn, reply: reply}) {
		return s.finishedError()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return s.finishedError()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) finishedError() error {
	return protocol.NewSessionError(s.id, protocol.ReasonInvalidState, "session already finished")
}

func (s *session) run() {
	defer s.m.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-s.m.ctx.Done():
			s.shutdown()
			return
		case <-s.wake:
		}

		mailboxDepth.Observe(float64(s.depth()))
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			if s.cancelled.Load() && !s.state.Terminal() {
				s.fail(protocol.NewSessionError(s.id, protocol.ReasonCancelled, "session cancelled"))
			}
			if s.state.Terminal() {
				s.reply(ev, s.finishedError())
			} else {
				s.handle(ev)
			}
			s.refresh()

			if s.state.Terminal() {
				discarded := s.shutdown()
				s.logger.Info().
					Str("state", string(s.state)).
					Str("reason", string(s.reason)).
					Int("discarded_events", discarded).
					Msg("Session finished")
				s.m.finish(s, s.snapshot())
				return
			}
		}
	}
}

// shutdown 关闭邮箱并丢弃剩余事件
func (s *session) shutdown() int {
	s.mu.Lock()
	s.closed = true
	var pending []interface{}
	for {
		ev, ok := s.queue.PopFront()
		if !ok {
			break
		}
		pending = append(pending, ev)
	}
	s.mu.Unlock()

	for _, ev := range pending {
		s.reply(ev, s.finishedError())
	}
	return len(pending)
}

func (s *session) reply(ev interface{}, err error) {
	if call, ok := ev.(callEvent); ok && call.reply != nil {
		call.reply <- err
	}
}

func (s *session) handle(ev interface{}) {
	switch e := ev.(type) {
	case inboundEvent:
		s.onMessage(e.from, e.env)
	case linkEvent:
		if e.up {
			s.onPeerConnected(e.peer)
		} else {
			s.onPeerDisconnected(e.peer)
		}
	case taskEvent:
		s.onTaskResult(e.res)
	case tickEvent:
		s.onTick()
	case callEvent:
		err := e.fn()
		if e.reply != nil {
			e.reply <- err
		}
	}
}

// announce 提议方把名单与阈值发给每个候选参与方
func (s *session) announce(tokens map[string]string) {
	s.tokens = tokens
	for _, peer := range s.peers {
		if err := s.deliverProposal(peer); err != nil {
			s.fail(protocol.NewSessionError(s.id, protocol.ReasonInvalidProposal, "failed to encode proposal").WithCause(err))
			return
		}
	}
	if s.transition(StateAnnounced) {
		s.checkAccepted()
	}
}

// deliverProposal 投递失败的参与方记入 undelivered，由看门狗重试；只有编码失败才返回错误
func (s *session) deliverProposal(peer string) error {
	payload, err := transport.Marshal(&proposal{
		Kind:      s.kind,
		Proposer:  s.proposer,
		Roster:    s.roster,
		Threshold: s.threshold,
		WalletID:  s.walletID,
		Message:   s.message,
		Token:     s.tokens[peer],
		CreatedAt: s.createdAt,
		ExpiresAt: s.expiresAt,
	})
	if err != nil {
		return err
	}
	if err := s.send(peer, transport.KindProposal, 0, payload); err != nil {
		if !s.undelivered[peer] {
			s.logger.Warn().Err(err).Str("peer_id", peer).Msg("Failed to deliver proposal")
		}
		s.undelivered[peer] = true
		return nil
	}
	delete(s.undelivered, peer)
	return nil
}

// respond 本节点答复提议
func (s *session) respond(accept bool) error {
	if s.state != StateAnnounced && s.state != StateAccepting {
		return protocol.NewSessionError(s.id, protocol.ReasonInvalidState,
			fmt.Sprintf("cannot respond in state %s", s.state))
	}
	if s.accepted[s.self] {
		return nil
	}

	var declineErr error
	if accept && s.kind == protocol.KindSigning && s.share == nil {
		share, err := s.m.loadShare(s.m.ctx, s.id, s.walletID)
		if err != nil {
			accept = false
			declineErr = err
		} else {
			s.share = share
		}
	}

	payload, err := transport.Marshal(&response{Accept: accept, Reason: reasonText(declineErr)})
	if err != nil {
		return err
	}
	for _, peer := range s.peers {
		if err := s.send(peer, transport.KindResponse, 0, payload); err != nil {
			s.logger.Warn().Err(err).Str("peer_id", peer).Msg("Failed to deliver proposal response")
		}
	}

	if !accept {
		s.fail(s.declined(s.self))
		return declineErr
	}
	return s.accept(s.self)
}

// accept 记录参与方已接受；Accepted 始终是名单的子集
func (s *session) accept(participant string) error {
	if !s.mesh.Has(participant) {
		return protocol.NewSessionError(s.id, protocol.ReasonRosterMismatch,
			fmt.Sprintf("participant %s is not in the session roster", participant))
	}
	if s.accepted[participant] {
		return nil
	}
	if s.state != StateAnnounced && s.state != StateAccepting {
		return protocol.NewSessionError(s.id, protocol.ReasonInvalidState,
			fmt.Sprintf("cannot accept in state %s", s.state))
	}
	s.accepted[participant] = true
	s.logger.Debug().Str("participant_id", participant).Int("accepted", len(s.accepted)).Msg("Participant accepted")

	if s.state == StateAnnounced {
		s.transition(StateAccepting)
	}
	s.checkAccepted()
	return nil
}

func (s *session) declined(participant string) *protocol.Error {
	err := protocol.NewSessionError(s.id, protocol.ReasonDeclined, fmt.Sprintf("participant %s declined", participant))
	err.Culprits = []string{participant}
	return err
}

// checkAccepted DKG 需要全部名单接受，签名需要全部法定人数接受
func (s *session) checkAccepted() {
	if len(s.accepted) < len(s.roster) {
		return
	}
	if s.state == StateAnnounced {
		s.transition(StateAccepting)
	}
	if s.state == StateAccepting && s.transition(StateMeshBuilding) {
		s.setupDeadline = s.m.clock.Now().Add(s.m.cfg.SetupTimeout)
		s.syncLinks()
		if s.mesh.LocalReady() {
			s.announceReadiness(true)
		}
		s.reconcile()
	}
}

func (s *session) meshActive() bool {
	switch s.state {
	case StateMeshBuilding, StateMeshReady, StateProtocolRunning:
		return true
	}
	return false
}

// syncLinks 以节点级链路状态对齐本会话的网格，并对断开的链路重新发起连接
func (s *session) syncLinks() bool {
	before := s.mesh.LocalReady()
	for _, link := range s.mesh.Links() {
		if s.m.isConnected(link.Peer) {
			if link.State != mesh.LinkConnected {
				s.mesh.PeerConnected(link.Peer)
			}
			continue
		}
		switch link.State {
		case mesh.LinkIncomplete, mesh.LinkDisconnected:
			if s.mesh.Initiate(link.Peer) {
				if err := s.m.connect(link.Peer); err != nil {
					s.logger.Debug().Err(err).Str("peer_id", link.Peer).Msg("Failed to initiate link")
					s.mesh.PeerDisconnected(link.Peer)
				}
			}
		}
	}
	return before != s.mesh.LocalReady()
}

func (s *session) applyMesh(u mesh.Update) {
	if u.LocalChanged {
		s.announceReadiness(u.LocalReady)
	}
	s.reconcile()
}

// reconcile 根据网格状态推进或退回生命周期
func (s *session) reconcile() {
	ready := s.mesh.Status().IsReady()
	switch s.state {
	case StateMeshBuilding:
		if ready && s.transition(StateMeshReady) {
			s.runProtocol()
		}
	case StateMeshReady, StateProtocolRunning:
		if !ready && s.transition(StateMeshBuilding) {
			s.suspend()
		}
	}
}

func (s *session) announceReadiness(ready bool) {
	kind := transport.KindReady
	if !ready {
		kind = transport.KindUnready
	}
	for _, peer := range s.peers {
		if err := s.send(peer, kind, 0, nil); err != nil {
			s.logger.Debug().Err(err).Str("peer_id", peer).Str("signal", string(kind)).Msg("Failed to send readiness signal")
		}
	}
}

// runProtocol MeshReady -> ProtocolRunning，首次创建引擎，否则恢复被暂停的轮次
func (s *session) runProtocol() {
	if !s.transition(StateProtocolRunning) {
		return
	}
	if s.engine != nil {
		s.resume()
		return
	}

	engine, err := s.newEngine()
	if err != nil {
		e, ok := protocol.AsError(err)
		if !ok {
			e = protocol.NewProtocolError(s.id, protocol.ReasonGuardNotMet, nil, "failed to create engine").WithCause(err)
		}
		s.fail(e)
		return
	}
	s.engine = engine
	step, err := engine.Start()
	s.afterStep(step, err)

	early := s.early
	s.early = nil
	for _, in := range early {
		if s.state.Terminal() {
			return
		}
		step, err := engine.Handle(in.from, in.env.Round, in.env.Payload)
		s.afterStep(step, err)
	}
}

func (s *session) newEngine() (protocol.Engine, error) {
	primitive := s.m.primitives(s.id, s.self)
	switch s.kind {
	case protocol.KindDKG:
		ids, err := protocol.AssignIdentifiers(s.roster)
		if err != nil {
			return nil, err
		}
		participants := make([]protocol.Participant, 0, len(s.roster))
		for _, id := range s.roster {
			participants = append(participants, protocol.Participant{ID: id, Role: s.role(id), Identifier: ids[id]})
		}
		return protocol.NewDKGEngine(protocol.DKGConfig{
			SessionID:    s.id,
			Self:         s.self,
			Participants: participants,
			Threshold:    s.threshold,
			Primitive:    primitive,
			Clock:        s.m.clock,
		})

	case protocol.KindSigning:
		if s.share == nil {
			share, err := s.m.loadShare(s.m.ctx, s.id, s.walletID)
			if err != nil {
				return nil, err
			}
			s.share = share
		}
		quorum := make([]protocol.Participant, 0, len(s.roster))
		for _, id := range s.roster {
			quorum = append(quorum, protocol.Participant{ID: id, Role: s.role(id), Identifier: s.share.Participants[id]})
		}
		return protocol.NewSigningEngine(protocol.SigningConfig{
			SessionID: s.id,
			Self:      s.self,
			Quorum:    quorum,
			Threshold: s.threshold,
			KeyShare:  s.share,
			Message:   s.message,
			Primitive: primitive,
		})
	}
	return nil, protocol.NewSessionError(s.id, protocol.ReasonInvalidProposal, fmt.Sprintf("unknown session kind %q", s.kind))
}

func (s *session) role(id string) protocol.Role {
	if id == s.proposer {
		return protocol.RoleCoordinator
	}
	return protocol.RoleSigner
}

// afterStep 发送引擎输出，提交计算任务，并在轮次变化时重置截止时间
func (s *session) afterStep(step *protocol.Step, err error) {
	if err != nil && !s.engine.Done() {
		s.logger.Warn().Err(err).Msg("Rejected protocol package")
	}
	s.dispatch(step, true)

	if s.engine.Done() {
		s.finishEngine()
		return
	}
	if round := s.engine.Round(); round != s.round {
		s.round = round
		s.roundDeadline = s.m.clock.Now().Add(s.m.cfg.RoundTimeout)
		s.logger.Debug().Int("round", round).Time("deadline", s.roundDeadline).Msg("Protocol round started")
	}
}

func (s *session) dispatch(step *protocol.Step, logged bool) {
	if step == nil {
		return
	}
	for _, out := range step.Outbound {
		env := &transport.Envelope{SessionID: s.id, Round: out.Round, Sender: s.self, Kind: transport.KindPackage, Payload: out.Payload}
		if out.Resend {
			env.Kind = transport.KindResend
			env.Payload = nil
		}
		data, err := transport.EncodeEnvelope(env)
		if err != nil {
			s.logger.Error().Err(err).Int("round", out.Round).Msg("Failed to encode package")
			continue
		}
		for _, peer := range out.Recipients {
			if logged && !out.Resend {
				s.m.logMessage(s.id, peer, out.Round, data, s.expiresAt)
			}
			if err := s.m.sendRaw(peer, data); err != nil {
				s.logger.Debug().Err(err).Str("peer_id", peer).Int("round", out.Round).Msg("Package not delivered, peer recovers it on rejoin")
			}
		}
	}

	if task := step.Task; task != nil {
		s.m.pool.Submit(func() {
			s.enqueue(taskEvent{res: task.Run()})
		})
	}
}

func (s *session) finishEngine() {
	if err := s.engine.Err(); err != nil {
		s.fail(err)
		return
	}

	switch engine := s.engine.(type) {
	case *protocol.DKGEngine:
		share := engine.KeyShare()
		ctx, cancel := context.WithTimeout(s.m.ctx, storeTimeout)
		err := s.m.shares.StoreKeyShare(ctx, share)
		cancel()
		if err != nil {
			s.fail(protocol.NewProtocolError(s.id, protocol.ReasonFinalizeFailed, nil, "failed to store key share").WithCause(err))
			return
		}
		s.groupKey = share.GroupKey
	case *protocol.SigningEngine:
		s.signature = engine.Signature()
		s.groupKey = s.share.GroupKey
	}
	s.transition(StateComplete)
}

func (s *session) suspend() {
	if s.engine == nil || s.engine.Done() || s.engine.Suspended() {
		return
	}
	s.engine.Suspend()
	now := s.m.clock.Now()
	s.remaining = s.roundDeadline.Sub(now)
	if s.remaining < 0 {
		s.remaining = 0
	}
	s.rejoinDeadline = now.Add(s.m.cfg.RejoinWindow)
	s.logger.Warn().
		Int("round", s.engine.Round()).
		Dur("round_remaining", s.remaining).
		Time("rejoin_deadline", s.rejoinDeadline).
		Msg("Mesh degraded, protocol round suspended")
}

func (s *session) resume() {
	if !s.engine.Suspended() {
		return
	}
	s.roundDeadline = s.m.clock.Now().Add(s.remaining)
	s.rejoinDeadline = time.Time{}
	step, err := s.engine.Resume()
	s.afterStep(step, err)
}

func (s *session) onMessage(from string, env *transport.Envelope) {
	if env.Kind == transport.KindResponse {
		s.onResponse(from, env)
		return
	}
	if !s.mesh.Has(from) || from == s.self {
		s.logger.Warn().Str("peer_id", from).Str("kind", string(env.Kind)).Msg("Dropped message from non-participant")
		return
	}

	switch env.Kind {
	case transport.KindReady:
		if s.awaitingRejoin[from] {
			s.logger.Debug().Str("peer_id", from).Msg("Ignored readiness signal before rejoin was validated")
			return
		}
		s.applyMesh(s.mesh.ParticipantReady(from))
	case transport.KindUnready:
		s.applyMesh(s.mesh.ParticipantUnready(from))
	case transport.KindPackage:
		s.onPackage(from, env)
	case transport.KindResend:
		if s.engine != nil {
			s.dispatch(s.engine.HandleResend(from, env.Round), false)
		}
	case transport.KindRejoin:
		s.onRejoin(from, env)
	case transport.KindRejoinAck:
		s.logger.Info().Str("peer_id", from).Msg("Rejoin accepted by peer")
	case transport.KindRejoinReject:
		var reject rejoin.Reject
		if err := transport.Unmarshal(env.Payload, &reject); err == nil {
			s.logger.Warn().Str("peer_id", from).Str("reason", string(reject.Reason)).Str("detail", reject.Message).Msg("Rejoin rejected by peer")
		}
	default:
		s.logger.Debug().Str("peer_id", from).Str("kind", string(env.Kind)).Msg("Ignored message")
	}
}

func (s *session) onResponse(from string, env *transport.Envelope) {
	var resp response
	if err := transport.Unmarshal(env.Payload, &resp); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", from).Msg("Dropped malformed proposal response")
		return
	}
	if !resp.Accept {
		if !s.mesh.Has(from) {
			return
		}
		s.logger.Warn().Str("peer_id", from).Str("detail", resp.Reason).Msg("Participant declined proposal")
		s.fail(s.declined(from))
		return
	}
	if err := s.accept(from); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", from).Msg("Rejected proposal response")
	}
}

func (s *session) onPackage(from string, env *transport.Envelope) {
	if env.Round > s.lastSeen[from] {
		s.lastSeen[from] = env.Round
	}
	if s.engine == nil {
		if len(s.early) >= maxEarlyPackages {
			s.logger.Warn().Str("peer_id", from).Int("round", env.Round).Msg("Dropped early package, buffer full")
			return
		}
		s.early = append(s.early, inboundEvent{from: from, env: env})
		return
	}
	step, err := s.engine.Handle(from, env.Round, env.Payload)
	s.afterStep(step, err)
}

func (s *session) onTaskResult(res *protocol.TaskResult) {
	if s.engine == nil {
		return
	}
	step, err := s.engine.Apply(res)
	s.afterStep(step, err)
}

func (s *session) onPeerConnected(peer string) {
	if !s.meshActive() || !s.mesh.Has(peer) {
		return
	}
	u := s.mesh.PeerConnected(peer)
	if s.engine != nil && !s.engine.Done() {
		s.requestRejoin(peer)
	}
	if u.LocalReady && !u.LocalChanged {
		if err := s.send(peer, transport.KindReady, 0, nil); err != nil {
			s.logger.Debug().Err(err).Str("peer_id", peer).Msg("Failed to send readiness signal")
		}
	}
	s.applyMesh(u)
}

func (s *session) onPeerDisconnected(peer string) {
	if !s.meshActive() || !s.mesh.Has(peer) {
		return
	}
	u := s.mesh.PeerDisconnected(peer)
	if s.engine != nil && !s.engine.Done() {
		s.awaitingRejoin[peer] = true
	}

	if s.kind == protocol.KindSigning {
		if reachable := s.reachable(); reachable < s.threshold {
			s.fail(protocol.NewMeshError(s.id, protocol.ReasonThresholdUnreachable, s.disconnected(),
				fmt.Sprintf("%d reachable signers are below threshold %d", reachable, s.threshold)))
			return
		}
	}
	s.applyMesh(u)
}

// reachable 本节点加上链路未断开的参与方数量；仍在建立中的链路计入
func (s *session) reachable() int {
	count := 1
	for _, link := range s.mesh.Links() {
		switch link.State {
		case mesh.LinkConnected, mesh.LinkInitiating, mesh.LinkIncomplete:
			count++
		}
	}
	return count
}

func (s *session) disconnected() []string {
	var result []string
	for _, peer := range s.peers {
		if !s.mesh.Connected(peer) {
			result = append(result, peer)
		}
	}
	return result
}

// unadmitted 尚未连通或尚未通过重连校验的参与方
func (s *session) unadmitted() []string {
	var result []string
	for _, peer := range s.peers {
		if !s.mesh.Connected(peer) || s.awaitingRejoin[peer] {
			result = append(result, peer)
		}
	}
	return result
}

// unreachable 建网截止时仍未连通的参与方；答复阶段只看提议始终没能送达的参与方
func (s *session) unreachable() []string {
	var result []string
	for _, peer := range s.peers {
		if s.state == StateMeshBuilding {
			if !s.mesh.Connected(peer) {
				result = append(result, peer)
			}
			continue
		}
		if s.undelivered[peer] && !s.accepted[peer] {
			result = append(result, peer)
		}
	}
	return result
}

func (s *session) notReady() []string {
	ready := make(map[string]bool)
	for _, id := range s.mesh.Status().Ready {
		ready[id] = true
	}
	var result []string
	for _, peer := range s.peers {
		if !ready[peer] {
			result = append(result, peer)
		}
	}
	return result
}

// finalized 本节点已进入汇总阶段，而对端声称还没收到最后一轮交换的包
func (s *session) finalized(claimed int) bool {
	if s.engine == nil {
		return false
	}
	switch s.engine.State() {
	case protocol.DKGStateFinalizing, protocol.SignStateAggregating, protocol.StateComplete:
		return claimed < s.engine.Round()-1
	}
	return false
}

func (s *session) requestRejoin(peer string) {
	payload, err := transport.Marshal(&rejoin.Request{
		SessionID:            s.id,
		ParticipantID:        s.self,
		Token:                s.token,
		ClaimedLastSeenRound: s.lastSeen[peer],
		Ready:                s.mesh.LocalReady(),
	})
	if err != nil {
		return
	}
	if err := s.send(peer, transport.KindRejoin, 0, payload); err != nil {
		s.logger.Debug().Err(err).Str("peer_id", peer).Msg("Failed to send rejoin request")
		return
	}
	s.logger.Info().Str("peer_id", peer).Int("claimed_round", s.lastSeen[peer]).Msg("Requested rejoin")
}

// onRejoin 校验对端的重连请求并重放其错过的消息；拒绝时不修改会话状态
func (s *session) onRejoin(from string, env *transport.Envelope) *protocol.Error {
	var req rejoin.Request
	if err := transport.Unmarshal(env.Payload, &req); err != nil {
		rerr := protocol.NewRejoinError(s.id, protocol.ReasonAuthFailed, from, "malformed rejoin request").WithCause(err)
		s.m.rejectRejoin(from, s.id, rerr)
		return rerr
	}
	if req.ParticipantID != from || req.SessionID != s.id {
		rerr := protocol.NewRejoinError(s.id, protocol.ReasonAuthFailed, from, "rejoin request does not match sender")
		s.m.rejectRejoin(from, s.id, rerr)
		return rerr
	}

	round := 0
	if s.engine != nil {
		round = s.engine.Round()
	}
	view := &rejoin.View{
		SessionID: s.id,
		Roster:    s.roster,
		ExpiresAt: s.expiresAt,
		Round:     round,
		Terminal:  s.state.Terminal(),
		Finalized: s.finalized(req.ClaimedLastSeenRound),
	}
	if rerr := s.m.rejoin.Validate(&req, view); rerr != nil {
		s.m.rejectRejoin(from, s.id, rerr)
		return rerr
	}

	missed, err := s.m.rejoin.Replay(s.m.ctx, s.id, from, req.ClaimedLastSeenRound+1)
	if err != nil {
		s.logger.Error().Err(err).Str("peer_id", from).Msg("Failed to load messages for replay")
	}
	for _, data := range missed {
		if err := s.m.sendRaw(from, data); err != nil {
			s.logger.Warn().Err(err).Str("peer_id", from).Msg("Failed to replay message")
			break
		}
	}
	if err := s.send(from, transport.KindRejoinAck, 0, nil); err != nil {
		s.logger.Debug().Err(err).Str("peer_id", from).Msg("Failed to acknowledge rejoin")
	}
	rejoinRequests.WithLabelValues("accepted").Inc()
	delete(s.awaitingRejoin, from)

	if req.Ready {
		s.applyMesh(s.mesh.ParticipantReady(from))
	}
	return nil
}

func (s *session) onTick() {
	now := s.m.clock.Now()
	if !now.Before(s.expiresAt) {
		s.expire()
		return
	}

	if s.meshActive() {
		u, expired := s.mesh.Expire()
		if len(expired) > 0 {
			s.logger.Warn().Strs("peers", expired).Msg("Reconnect window passed")
		}
		changed := s.syncLinks()
		if changed && !u.LocalChanged {
			u.LocalChanged = true
			u.LocalReady = s.mesh.LocalReady()
		}
		for _, peer := range s.peers {
			s.mesh.SetQuality(peer, s.m.monitor.Quality(peer))
		}
		s.applyMesh(u)
	}

	if s.state == StateAnnounced || s.state == StateAccepting {
		for _, peer := range s.peers {
			if s.undelivered[peer] {
				_ = s.deliverProposal(peer)
			}
		}
	}
	if s.engine == nil && !s.state.Terminal() && !now.Before(s.setupDeadline) {
		s.failSetup()
		return
	}
	if s.state.Terminal() || s.engine == nil || s.engine.Done() {
		return
	}
	if s.engine.Suspended() {
		if !s.rejoinDeadline.IsZero() && !now.Before(s.rejoinDeadline) {
			s.fail(protocol.NewTimeoutError(s.id, protocol.ReasonRejoinDeadline, s.engine.Round(), s.unadmitted(),
				"disconnected participants did not rejoin in time"))
		}
		return
	}
	if !s.roundDeadline.IsZero() && !now.Before(s.roundDeadline) {
		progress := s.engine.Progress()
		s.fail(protocol.NewTimeoutError(s.id, protocol.ReasonRoundDeadline, progress.Round, progress.Missing,
			fmt.Sprintf("round %d deadline passed", progress.Round)))
	}
}

// failSetup 建网截止时间已过：有链路未连通或有参与方未就绪时失败，仅等待人工答复时交给会话过期处理
func (s *session) failSetup() {
	switch s.state {
	case StateAnnounced, StateAccepting, StateMeshBuilding:
	default:
		return
	}
	if unreachable := s.unreachable(); len(unreachable) > 0 {
		s.fail(protocol.NewMeshError(s.id, protocol.ReasonLinkUnreachable, unreachable,
			"links never reached connected before the setup deadline"))
		return
	}
	if s.state == StateMeshBuilding {
		s.fail(protocol.NewMeshError(s.id, protocol.ReasonLinkUnreachable, s.notReady(),
			"participants never reported ready before the setup deadline"))
	}
}

func (s *session) fail(err *protocol.Error) {
	if s.state.Terminal() {
		return
	}
	if s.engine != nil && !s.engine.Done() {
		s.engine.Fail(err)
	}
	s.err = err
	s.reason = failureReason(err)
	s.transition(StateFailed)
}

func (s *session) expire() {
	err := protocol.NewSessionError(s.id, protocol.ReasonSessionExpired, "session expired")
	if s.engine != nil && !s.engine.Done() {
		s.engine.Fail(err)
	}
	s.err = err
	s.reason = FailureExpired
	s.transition(StateExpired)
}

// transition 按转换表修改生命周期状态，非法转换不会被应用
func (s *session) transition(to State) bool {
	if !canTransition(s.state, to) {
		s.logger.Error().
			Err(errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.state, to)).
			Msg("Rejected lifecycle transition")
		return false
	}
	s.logger.Info().Str("from", string(s.state)).Str("to", string(to)).Msg("Session state changed")
	s.state = to
	if to.Terminal() {
		now := s.m.clock.Now()
		s.completedAt = &now
	}
	s.persist()
	s.refresh()
	return true
}

func (s *session) send(peer string, kind transport.MessageKind, round int, payload []byte) error {
	return s.m.send(peer, &transport.Envelope{SessionID: s.id, Round: round, Sender: s.self, Kind: kind, Payload: payload})
}

func (s *session) snapshot() *Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// refresh 生成新快照，关键字段变化时发布状态事件
func (s *session) refresh() {
	snap := s.buildSnapshot()
	s.snapMu.Lock()
	prev := s.snap
	s.snap = snap
	s.snapMu.Unlock()

	if prev != nil && !statusChanged(prev, snap) {
		return
	}
	ev := StatusEvent{
		SessionID: snap.SessionID,
		Kind:      snap.Kind,
		State:     snap.State,
		Mesh:      snap.Mesh.String(),
		Progress:  snap.Progress,
		Reason:    snap.Reason,
		At:        s.m.clock.Now(),
	}
	if snap.Error != nil {
		ev.Message = snap.Error.Error()
	}
	s.m.bus.publish(ev)
}

func statusChanged(prev, next *Snapshot) bool {
	return prev.State != next.State ||
		!prev.Mesh.Equal(next.Mesh) ||
		prev.Progress.State != next.Progress.State ||
		prev.Progress.Suspended != next.Progress.Suspended ||
		len(prev.Progress.Received) != len(next.Progress.Received)
}

func (s *session) buildSnapshot() *Snapshot {
	progress := protocol.RoundProgress{Kind: s.kind, State: protocol.StateIdle, TotalRounds: 3}
	if s.engine != nil {
		progress = s.engine.Progress()
	}
	accepted := make([]string, 0, len(s.accepted))
	for _, id := range s.roster {
		if s.accepted[id] {
			accepted = append(accepted, id)
		}
	}
	snap := &Snapshot{
		SessionID: s.id,
		Kind:      s.kind,
		State:     s.state,
		Reason:    s.reason,
		Error:     s.err,
		Proposer:  s.proposer,
		WalletID:  s.walletID,
		Message:   append([]byte(nil), s.message...),
		Threshold: s.threshold,
		Total:     len(s.roster),
		Roster:    append([]string(nil), s.roster...),
		Accepted:  accepted,
		Mesh:      s.mesh.Status(),
		Links:     s.mesh.Links(),
		Progress:  progress,
		GroupKey:  append([]byte(nil), s.groupKey...),
		Signature: append([]byte(nil), s.signature...),
		CreatedAt: s.createdAt,
		ExpiresAt: s.expiresAt,
	}
	if s.completedAt != nil {
		at := *s.completedAt
		snap.CompletedAt = &at
	}
	return snap
}

func (s *session) persist() {
	record := &storage.SessionRecord{
		SessionID:    s.id,
		Kind:         string(s.kind),
		State:        string(s.state),
		Reason:       string(s.reason),
		Proposer:     s.proposer,
		WalletID:     s.walletID,
		Threshold:    s.threshold,
		TotalNodes:   len(s.roster),
		Participants: s.roster,
		MeshStatus:   s.mesh.Status().String(),
		CurrentRound: s.round,
		TotalRounds:  3,
		GroupKey:     s.groupKey,
		Signature:    s.signature,
		CreatedAt:    s.createdAt,
		ExpiresAt:    s.expiresAt,
		CompletedAt:  s.completedAt,
	}
	for _, id := range s.roster {
		if s.accepted[id] {
			record.Accepted = append(record.Accepted, id)
		}
	}
	s.m.persist(record)
}

func reasonText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
