package protocol

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// 两种引擎共享的终态
const (
	StateIdle     = "idle"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// engineCore DKG 与签名引擎共用的轮次驱动逻辑
type engineCore struct {
	kind        Kind
	sessionID   string
	self        string
	selfID      Identifier
	peers       []string
	ids         map[string]Identifier
	names       map[Identifier]string
	primitive   Primitive
	totalRounds int

	state       string
	buffers     map[int]*RoundBuffer
	sent        map[int]map[string][]byte
	computing   bool
	held        *TaskResult
	suspended   bool
	err         *Error
	transitions []string

	logger zerolog.Logger
}

func newEngineCore(kind Kind, sessionID, self string, participants []Participant, primitive Primitive, protocolRounds, totalRounds int) (*engineCore, error) {
	if primitive == nil {
		return nil, NewProtocolError(sessionID, ReasonGuardNotMet, nil, "primitive is required")
	}

	ids := make(map[string]Identifier, len(participants))
	names := make(map[Identifier]string, len(participants))
	for _, p := range participants {
		if p.Identifier == 0 {
			return nil, NewProtocolError(sessionID, ReasonGuardNotMet, []string{p.ID}, "participant has no protocol identifier")
		}
		if other, ok := names[p.Identifier]; ok {
			return nil, NewProtocolError(sessionID, ReasonGuardNotMet, []string{other, p.ID}, "protocol identifier assigned twice")
		}
		if _, ok := ids[p.ID]; ok {
			return nil, NewProtocolError(sessionID, ReasonGuardNotMet, []string{p.ID}, "participant listed twice")
		}
		ids[p.ID] = p.Identifier
		names[p.Identifier] = p.ID
	}

	selfID, ok := ids[self]
	if !ok {
		return nil, NewProtocolError(sessionID, ReasonGuardNotMet, []string{self}, "local participant is not part of the session")
	}

	peers := make([]string, 0, len(ids)-1)
	for id := range ids {
		if id != self {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)

	c := &engineCore{
		kind:        kind,
		sessionID:   sessionID,
		self:        self,
		selfID:      selfID,
		peers:       peers,
		ids:         ids,
		names:       names,
		primitive:   primitive,
		totalRounds: totalRounds,
		state:       StateIdle,
		buffers:     make(map[int]*RoundBuffer, protocolRounds),
		sent:        make(map[int]map[string][]byte, protocolRounds),
		logger: log.With().
			Str("component", string(kind)+"_engine").
			Str("session_id", sessionID).
			Str("participant_id", self).
			Logger(),
	}
	for round := 1; round <= protocolRounds; round++ {
		c.buffers[round] = NewRoundBuffer(sessionID, round, peers)
	}
	return c, nil
}

func (c *engineCore) Kind() Kind {
	return c.kind
}

func (c *engineCore) State() string {
	return c.state
}

func (c *engineCore) TotalRounds() int {
	return c.totalRounds
}

func (c *engineCore) Suspended() bool {
	return c.suspended
}

func (c *engineCore) Done() bool {
	return c.state == StateComplete || c.state == StateFailed
}

func (c *engineCore) Err() *Error {
	return c.err
}

func (c *engineCore) Transitions() []string {
	return append([]string(nil), c.transitions...)
}

// Suspend 暂停推进：继续缓存收到的包，但不再发起计算和发送
func (c *engineCore) Suspend() {
	if c.Done() || c.suspended {
		return
	}
	c.suspended = true
	c.logger.Info().Str("state", c.state).Msg("Protocol round suspended")
}

// Fail 进入失败终态
func (c *engineCore) Fail(err *Error) {
	if c.Done() {
		return
	}
	if err == nil {
		err = NewProtocolError(c.sessionID, ReasonProtocolAbort, nil, "protocol aborted")
	}
	c.err = err
	c.held = nil
	c.transition(StateFailed)
	c.logger.Warn().Err(err).Msg("Protocol engine failed")
}

func (c *engineCore) transition(to string) {
	c.transitions = append(c.transitions, c.state+"->"+to)
	c.logger.Debug().Str("from", c.state).Str("to", to).Msg("Protocol engine transition")
	c.state = to
}

// accept 校验并缓存一个包；格式错误时返回重发请求和可恢复的 ProtocolError
func (c *engineCore) accept(from string, round int, payload []byte) (*Step, error) {
	if c.Done() {
		return nil, NewProtocolError(c.sessionID, ReasonInvalidState, []string{from},
			fmt.Sprintf("engine already %s", c.state)).WithRound(round)
	}
	buf, ok := c.buffers[round]
	if !ok {
		return nil, NewProtocolError(c.sessionID, ReasonUnexpectedRound, []string{from},
			fmt.Sprintf("round %d is not part of %s", round, c.kind)).WithRound(round)
	}
	if from == c.self {
		return nil, NewProtocolError(c.sessionID, ReasonUnexpectedSender, []string{from},
			"package from local participant").WithRound(round)
	}
	if err := c.primitive.ValidatePackage(c.kind, round, payload); err != nil {
		c.logger.Warn().Err(err).Str("peer_id", from).Int("round", round).Msg("Rejected malformed package, requesting resend")
		step := &Step{Outbound: []Outbound{{Recipients: []string{from}, Round: round, Resend: true}}}
		return step, NewProtocolError(c.sessionID, ReasonMalformedPackage, []string{from},
			"package failed validation").WithRound(round).WithCause(err)
	}
	if err := buf.Add(from, payload); err != nil {
		return nil, err
	}
	return nil, nil
}

// HandleResend 对方请求重发本方某轮的包
func (c *engineCore) HandleResend(from string, round int) *Step {
	payload, ok := c.sent[round][from]
	if !ok || c.suspended {
		return nil
	}
	return &Step{Outbound: []Outbound{{Recipients: []string{from}, Round: round, Payload: payload}}}
}

func (c *engineCore) broadcast(round int, payload []byte) *Step {
	if c.sent[round] == nil {
		c.sent[round] = make(map[string][]byte, len(c.peers))
	}
	for _, peer := range c.peers {
		c.sent[round][peer] = payload
	}
	return &Step{Outbound: []Outbound{{Recipients: append([]string(nil), c.peers...), Round: round, Payload: payload}}}
}

func (c *engineCore) direct(round int, packages map[Identifier][]byte) (*Step, error) {
	if c.sent[round] == nil {
		c.sent[round] = make(map[string][]byte, len(c.peers))
	}
	step := &Step{}
	for _, peer := range c.peers {
		payload, ok := packages[c.ids[peer]]
		if !ok {
			return nil, NewProtocolError(c.sessionID, ReasonProtocolAbort, []string{peer},
				"primitive produced no package for participant").WithRound(round)
		}
		c.sent[round][peer] = payload
		step.Outbound = append(step.Outbound, Outbound{Recipients: []string{peer}, Round: round, Payload: payload})
	}
	return step, nil
}

func (c *engineCore) compute(round int, fn func(res *TaskResult)) *Step {
	c.computing = true
	return &Step{Task: &Task{SessionID: c.sessionID, Kind: c.kind, Round: round, run: fn}}
}

func (c *engineCore) byIdentifier(packages map[string][]byte) map[Identifier][]byte {
	result := make(map[Identifier][]byte, len(packages))
	for id, payload := range packages {
		result[c.ids[id]] = payload
	}
	return result
}

// primitiveFailure 把原语失败转换为带参与方 ID 的 ProtocolError
func (c *engineCore) primitiveFailure(round int, err error, fallback Reason) *Error {
	if e, ok := AsError(err); ok {
		if e.SessionID == "" {
			e.SessionID = c.sessionID
		}
		if e.Round == 0 {
			e.Round = round
		}
		return e
	}
	var perr *PrimitiveError
	if errors.As(err, &perr) {
		culprits := make([]string, 0, len(perr.Culprits))
		for _, id := range perr.Culprits {
			if name, ok := c.names[id]; ok {
				culprits = append(culprits, name)
			}
		}
		reason := perr.Reason
		if reason == "" {
			reason = fallback
		}
		return NewProtocolError(c.sessionID, reason, culprits, perr.Message).WithRound(round).WithCause(err)
	}
	return NewProtocolError(c.sessionID, fallback, nil, "primitive call failed").WithRound(round).WithCause(err)
}

// acceptResult 结果是否仍应被应用；暂停时先保留
func (c *engineCore) acceptResult(res *TaskResult) bool {
	if res == nil || c.Done() || res.SessionID != c.sessionID {
		return false
	}
	observeRoundDuration(c.kind, res.Round, res.Duration)
	if c.suspended {
		c.held = res
		return false
	}
	c.computing = false
	return true
}

func (c *engineCore) progress(round int) RoundProgress {
	p := RoundProgress{
		Kind:        c.kind,
		State:       c.state,
		Round:       round,
		TotalRounds: c.totalRounds,
		Suspended:   c.suspended,
	}
	buffered := round
	if c.state == StateIdle {
		// 启动前提前到达的包计入第一轮
		buffered = 1
	}
	if buf, ok := c.buffers[buffered]; ok {
		p.Expected = buf.Expected()
		p.Received = buf.Received()
		p.Missing = buf.Missing()
	}
	return p
}
