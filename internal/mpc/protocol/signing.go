package protocol

import (
	"fmt"
)

// 签名引擎状态
const (
	SignStateCommitting     = "committing"
	SignStateCommitComplete = "commit_complete"
	SignStateSharing        = "sharing"
	SignStateShareComplete  = "share_complete"
	SignStateAggregating    = "aggregating"
)

// SigningConfig 签名引擎参数
type SigningConfig struct {
	SessionID string
	Self      string
	Quorum    []Participant
	Threshold int
	KeyShare  *KeyShare
	Message   []byte
	Primitive Primitive
}

// SigningEngine 两轮门限签名：承诺交换、分片交换，最后聚合并用组公钥验证
type SigningEngine struct {
	*engineCore

	share      *KeyShare
	message    []byte
	nonce      []byte
	commitment []byte
	ownShare   []byte
	signature  []byte
}

var _ Engine = (*SigningEngine)(nil)

// NewSigningEngine 创建签名引擎；法定人数低于阈值立即返回 MeshError
func NewSigningEngine(cfg SigningConfig) (*SigningEngine, error) {
	if len(cfg.Quorum) < cfg.Threshold || cfg.Threshold < 1 {
		ids := make([]string, 0, len(cfg.Quorum))
		for _, p := range cfg.Quorum {
			ids = append(ids, p.ID)
		}
		return nil, NewMeshError(cfg.SessionID, ReasonThresholdUnreachable, ids,
			fmt.Sprintf("quorum of %d is below threshold %d", len(cfg.Quorum), cfg.Threshold))
	}
	if cfg.KeyShare == nil {
		return nil, NewSessionError(cfg.SessionID, ReasonMissingKeyShare, "no key share for signing")
	}
	if len(cfg.Quorum) > cfg.KeyShare.Total {
		return nil, NewSessionError(cfg.SessionID, ReasonRosterMismatch,
			fmt.Sprintf("quorum of %d exceeds wallet size %d", len(cfg.Quorum), cfg.KeyShare.Total))
	}
	for _, p := range cfg.Quorum {
		if ident, ok := cfg.KeyShare.Participants[p.ID]; !ok || ident != p.Identifier {
			return nil, NewSessionError(cfg.SessionID, ReasonRosterMismatch,
				fmt.Sprintf("participant %s does not hold a share of wallet %s", p.ID, cfg.KeyShare.WalletID))
		}
	}
	if cfg.KeyShare.ParticipantID != cfg.Self {
		return nil, NewSessionError(cfg.SessionID, ReasonMissingKeyShare, "key share belongs to another participant")
	}

	core, err := newEngineCore(KindSigning, cfg.SessionID, cfg.Self, cfg.Quorum, cfg.Primitive, 2, 3)
	if err != nil {
		return nil, err
	}
	return &SigningEngine{
		engineCore: core,
		share:      cfg.KeyShare,
		message:    append([]byte(nil), cfg.Message...),
	}, nil
}

// Round 当前轮次（Aggregating 记为第 3 轮）
func (e *SigningEngine) Round() int {
	switch e.state {
	case SignStateCommitting, SignStateCommitComplete:
		return 1
	case SignStateSharing, SignStateShareComplete:
		return 2
	case SignStateAggregating, StateComplete:
		return 3
	case StateFailed:
		if e.err != nil && e.err.Round > 0 {
			return e.err.Round
		}
	}
	return 0
}

// Start Idle -> Committing
func (e *SigningEngine) Start() (*Step, error) {
	if e.state != StateIdle {
		return nil, NewProtocolError(e.sessionID, ReasonInvalidState, nil, "signing already started")
	}
	e.transition(SignStateCommitting)

	primitive, share := e.primitive, e.share
	return e.compute(1, func(res *TaskResult) {
		res.state, res.broadcast, res.err = primitive.SignRound1(share)
	}), nil
}

// Handle 缓存承诺或签名分片
func (e *SigningEngine) Handle(from string, round int, payload []byte) (*Step, error) {
	step, err := e.accept(from, round, payload)
	if err != nil {
		return step, err
	}
	return e.advance()
}

// Apply 应用原语计算结果
func (e *SigningEngine) Apply(res *TaskResult) (*Step, error) {
	if !e.acceptResult(res) {
		return nil, nil
	}
	return e.apply(res)
}

// Resume 恢复推进
func (e *SigningEngine) Resume() (*Step, error) {
	if !e.suspended || e.Done() {
		return nil, nil
	}
	e.suspended = false
	if held := e.held; held != nil {
		e.held = nil
		e.computing = false
		return e.apply(held)
	}
	return e.advance()
}

// Signature 聚合并验证通过的签名
func (e *SigningEngine) Signature() []byte {
	return e.signature
}

// Progress 当前轮次进度
func (e *SigningEngine) Progress() RoundProgress {
	return e.progress(e.Round())
}

func (e *SigningEngine) apply(res *TaskResult) (*Step, error) {
	if res.err != nil {
		failure := e.primitiveFailure(res.Round, res.err, ReasonProtocolAbort)
		e.Fail(failure)
		return nil, failure
	}

	switch e.state {
	case SignStateCommitting:
		e.nonce = res.state
		e.commitment = res.broadcast
		step := e.broadcast(1, res.broadcast)
		next, err := e.advance()
		return step.add(next), err

	case SignStateCommitComplete:
		e.nonce = nil
		e.ownShare = res.broadcast
		e.transition(SignStateSharing)
		step := e.broadcast(2, res.broadcast)
		next, err := e.advance()
		return step.add(next), err

	case SignStateAggregating:
		e.signature = res.signature
		e.transition(StateComplete)
		e.logger.Info().Int("quorum", len(e.ids)).Msg("Signature aggregated and verified")
		return nil, nil
	}
	return nil, nil
}

func (e *SigningEngine) advance() (*Step, error) {
	if e.suspended || e.computing || e.Done() {
		return nil, nil
	}

	switch e.state {
	case SignStateCommitting:
		if e.commitment == nil || !e.buffers[1].Complete() {
			return nil, nil
		}
		e.transition(SignStateCommitComplete)
		commitments := e.byIdentifier(e.buffers[1].Packages())
		commitments[e.selfID] = e.commitment
		primitive, nonce, share, message := e.primitive, e.nonce, e.share, e.message
		return e.compute(2, func(res *TaskResult) {
			res.broadcast, res.err = primitive.SignRound2(nonce, share, message, commitments)
		}), nil

	case SignStateSharing:
		if !e.buffers[2].Complete() {
			return nil, nil
		}
		e.transition(SignStateShareComplete)
		e.transition(SignStateAggregating)
		commitments := e.byIdentifier(e.buffers[1].Packages())
		commitments[e.selfID] = e.commitment
		shares := e.byIdentifier(e.buffers[2].Packages())
		shares[e.selfID] = e.ownShare
		primitive, share, message, sessionID := e.primitive, e.share, e.message, e.sessionID
		return e.compute(3, func(res *TaskResult) {
			signature, err := primitive.Aggregate(share, message, commitments, shares)
			if err != nil {
				res.err = err
				return
			}
			if err := primitive.Verify(share.GroupKey, message, signature); err != nil {
				res.err = NewProtocolError(sessionID, ReasonVerificationFailed, nil,
					"aggregated signature does not verify against group key").WithRound(3).WithCause(err)
				return
			}
			res.signature = signature
		}), nil
	}
	return nil, nil
}
