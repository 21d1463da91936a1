package protocol

import (
	"time"
)

// Primitive 门限 Schnorr 密码学原语
// 每个方法对给定输入是纯函数，失败通过返回值（通常是 *PrimitiveError）报告，不得 panic
type Primitive interface {
	// DKGRound1 生成本方第一轮广播包
	DKGRound1(id Identifier, n, t int) (state []byte, pkg []byte, err error)
	// DKGRound2 处理其他各方第一轮包，返回发给每个接收方的私有包
	DKGRound2(state []byte, packages map[Identifier][]byte) ([]byte, map[Identifier][]byte, error)
	// DKGFinalize 处理第二轮包，得到组公钥和本方分片
	DKGFinalize(state []byte, round1, round2 map[Identifier][]byte) (*KeyMaterial, error)

	// SignRound1 生成 nonce 承诺
	SignRound1(share *KeyShare) (state []byte, commitment []byte, err error)
	// SignRound2 基于承诺集合与消息生成签名分片
	SignRound2(state []byte, share *KeyShare, message []byte, commitments map[Identifier][]byte) ([]byte, error)
	// Aggregate 聚合签名分片
	Aggregate(share *KeyShare, message []byte, commitments, shares map[Identifier][]byte) ([]byte, error)
	// Verify 用组公钥验证签名
	Verify(groupKey, message, signature []byte) error

	// ValidatePackage 收包时的格式检查
	ValidatePackage(kind Kind, round int, pkg []byte) error
}

// PrimitiveFactory 为某个会话内的某个参与方创建原语实例
type PrimitiveFactory func(sessionID, participantID string) Primitive

// Task 一次原语计算，Run 可在工作池中执行，结果需回到会话事件队列再由引擎 Apply
type Task struct {
	SessionID string
	Kind      Kind
	Round     int
	run       func(res *TaskResult)
}

// Run 执行计算
func (t *Task) Run() *TaskResult {
	res := &TaskResult{SessionID: t.SessionID, Kind: t.Kind, Round: t.Round}
	started := time.Now()
	t.run(res)
	res.Duration = time.Since(started)
	return res
}

// TaskResult 原语计算结果
type TaskResult struct {
	SessionID string
	Kind      Kind
	Round     int
	Duration  time.Duration

	state     []byte
	broadcast []byte
	direct    map[Identifier][]byte
	key       *KeyMaterial
	signature []byte
	err       error
}

// Err 计算失败时的错误
func (r *TaskResult) Err() error {
	return r.err
}

// Step 一次事件处理后需要执行的动作
type Step struct {
	Outbound []Outbound
	Task     *Task
}

func (s *Step) add(other *Step) *Step {
	if other == nil {
		return s
	}
	if s == nil {
		return other
	}
	s.Outbound = append(s.Outbound, other.Outbound...)
	if other.Task != nil {
		s.Task = other.Task
	}
	return s
}

// Engine 协议引擎（非并发安全，只由会话事件循环驱动）
type Engine interface {
	Kind() Kind
	State() string
	Round() int
	TotalRounds() int
	Start() (*Step, error)
	Handle(from string, round int, payload []byte) (*Step, error)
	HandleResend(from string, round int) *Step
	Apply(res *TaskResult) (*Step, error)
	Suspend()
	Resume() (*Step, error)
	Suspended() bool
	Fail(err *Error)
	Done() bool
	Err() *Error
	Progress() RoundProgress
	Transitions() []string
}
