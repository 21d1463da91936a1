package protocol

import (
	"fmt"

	"github.com/dropbox/godropbox/time2"
)

// DKG 引擎状态
const (
	DKGStateRound1         = "round1"
	DKGStateRound1Complete = "round1_complete"
	DKGStateRound2         = "round2"
	DKGStateRound2Complete = "round2_complete"
	DKGStateFinalizing     = "finalizing"
)

// DKGConfig DKG 引擎参数
type DKGConfig struct {
	SessionID    string
	Self         string
	Participants []Participant
	Threshold    int
	Primitive    Primitive
	Clock        time2.Clock // 为空时使用系统时钟
}

// DKGEngine 三轮分布式密钥生成：Round1 广播承诺，Round2 点对点分发，Finalizing 汇总
type DKGEngine struct {
	*engineCore

	threshold  int
	total      int
	localState []byte
	keyShare   *KeyShare
	clock      time2.Clock
}

var _ Engine = (*DKGEngine)(nil)

// NewDKGEngine 创建 DKG 引擎，要求完整名单且每方已有原语编号
func NewDKGEngine(cfg DKGConfig) (*DKGEngine, error) {
	total := len(cfg.Participants)
	if cfg.Threshold < 1 || cfg.Threshold > total {
		return nil, NewProtocolError(cfg.SessionID, ReasonGuardNotMet, nil,
			fmt.Sprintf("invalid threshold %d for %d participants", cfg.Threshold, total))
	}
	core, err := newEngineCore(KindDKG, cfg.SessionID, cfg.Self, cfg.Participants, cfg.Primitive, 2, 3)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time2.DefaultClock
	}
	return &DKGEngine{
		engineCore: core,
		threshold:  cfg.Threshold,
		total:      total,
		clock:      clock,
	}, nil
}

// Round 当前轮次（Finalizing 记为第 3 轮）
func (e *DKGEngine) Round() int {
	switch e.state {
	case DKGStateRound1, DKGStateRound1Complete:
		return 1
	case DKGStateRound2, DKGStateRound2Complete:
		return 2
	case DKGStateFinalizing:
		return 3
	case StateComplete:
		return 3
	case StateFailed:
		if e.err != nil && e.err.Round > 0 {
			return e.err.Round
		}
	}
	return 0
}

// Start Idle -> Round1
func (e *DKGEngine) Start() (*Step, error) {
	if e.state != StateIdle {
		return nil, NewProtocolError(e.sessionID, ReasonInvalidState, nil, "dkg already started")
	}
	e.transition(DKGStateRound1)

	primitive, selfID, n, t := e.primitive, e.selfID, e.total, e.threshold
	return e.compute(1, func(res *TaskResult) {
		res.state, res.broadcast, res.err = primitive.DKGRound1(selfID, n, t)
	}), nil
}

// Handle 缓存其他参与方的包，缓冲区完整时推进
func (e *DKGEngine) Handle(from string, round int, payload []byte) (*Step, error) {
	step, err := e.accept(from, round, payload)
	if err != nil {
		return step, err
	}
	return e.advance()
}

// Apply 应用原语计算结果
func (e *DKGEngine) Apply(res *TaskResult) (*Step, error) {
	if !e.acceptResult(res) {
		return nil, nil
	}
	return e.apply(res)
}

// Resume 恢复推进，应用暂停期间到达的计算结果
func (e *DKGEngine) Resume() (*Step, error) {
	if !e.suspended || e.Done() {
		return nil, nil
	}
	e.suspended = false
	e.logger.Info().Str("state", e.state).Msg("Protocol round resumed")

	if held := e.held; held != nil {
		e.held = nil
		e.computing = false
		return e.apply(held)
	}
	return e.advance()
}

// KeyShare 完成后的密钥分片
func (e *DKGEngine) KeyShare() *KeyShare {
	return e.keyShare
}

// Progress 当前轮次进度
func (e *DKGEngine) Progress() RoundProgress {
	return e.progress(e.Round())
}

func (e *DKGEngine) apply(res *TaskResult) (*Step, error) {
	if res.err != nil {
		fallback := ReasonProtocolAbort
		if e.state == DKGStateFinalizing {
			fallback = ReasonFinalizeFailed
		}
		failure := e.primitiveFailure(res.Round, res.err, fallback)
		e.Fail(failure)
		return nil, failure
	}

	switch e.state {
	case DKGStateRound1:
		e.localState = res.state
		step := e.broadcast(1, res.broadcast)
		next, err := e.advance()
		return step.add(next), err

	case DKGStateRound1Complete:
		e.localState = res.state
		step, err := e.direct(2, res.direct)
		if err != nil {
			failure, _ := AsError(err)
			e.Fail(failure)
			return nil, err
		}
		e.transition(DKGStateRound2)
		next, err := e.advance()
		return step.add(next), err

	case DKGStateFinalizing:
		participants := make(map[string]Identifier, len(e.ids))
		for id, ident := range e.ids {
			participants[id] = ident
		}
		e.keyShare = &KeyShare{
			WalletID:      e.sessionID,
			ParticipantID: e.self,
			Identifier:    e.selfID,
			Threshold:     e.threshold,
			Total:         e.total,
			GroupKey:      res.key.GroupKey,
			Participants:  participants,
			Data:          res.key.Data,
			CreatedAt:     e.clock.Now(),
		}
		e.localState = nil
		e.transition(StateComplete)
		e.logger.Info().Int("threshold", e.threshold).Int("total", e.total).Msg("DKG completed")
		return nil, nil
	}
	return nil, nil
}

// advance 当前轮次缓冲区完整且本方包已发出时进入下一阶段
func (e *DKGEngine) advance() (*Step, error) {
	if e.suspended || e.computing || e.Done() {
		return nil, nil
	}

	switch e.state {
	case DKGStateRound1:
		if e.localState == nil || !e.buffers[1].Complete() {
			return nil, nil
		}
		e.transition(DKGStateRound1Complete)
		primitive, state := e.primitive, e.localState
		packages := e.byIdentifier(e.buffers[1].Packages())
		return e.compute(2, func(res *TaskResult) {
			res.state, res.direct, res.err = primitive.DKGRound2(state, packages)
		}), nil

	case DKGStateRound2:
		if !e.buffers[2].Complete() {
			return nil, nil
		}
		e.transition(DKGStateRound2Complete)
		e.transition(DKGStateFinalizing)
		primitive, state := e.primitive, e.localState
		round1 := e.byIdentifier(e.buffers[1].Packages())
		round2 := e.byIdentifier(e.buffers[2].Packages())
		return e.compute(3, func(res *TaskResult) {
			res.key, res.err = primitive.DKGFinalize(state, round1, round2)
			if res.err == nil && (res.key == nil || len(res.key.GroupKey) == 0) {
				res.err = &PrimitiveError{Reason: ReasonFinalizeFailed, Message: "finalize returned no group key"}
			}
		}), nil
	}
	return nil, nil
}
