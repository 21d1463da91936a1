package session

import (
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/mesh"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
)

// State 会话生命周期状态
type State string

const (
	StateProposed        State = "proposed"
	StateAnnounced       State = "announced"
	StateAccepting       State = "accepting"
	StateMeshBuilding    State = "mesh_building"
	StateMeshReady       State = "mesh_ready"
	StateProtocolRunning State = "protocol_running"
	StateComplete        State = "complete"
	StateFailed          State = "failed"
	StateExpired         State = "expired"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateExpired
}

// FailureReason 会话失败的原因
type FailureReason string

const (
	FailureThresholdNotMet    FailureReason = "threshold_not_met"
	FailureProtocolAbort      FailureReason = "protocol_abort"
	FailureTimeout            FailureReason = "timeout"
	FailureCancelled          FailureReason = "cancelled"
	FailureVerificationFailed FailureReason = "verification_failed"
	FailureDeclined           FailureReason = "declined"
	FailureExpired            FailureReason = "session_expired"
)

// failureReason 把协调层错误归入生命周期的失败原因
func failureReason(err *protocol.Error) FailureReason {
	if err == nil {
		return FailureProtocolAbort
	}
	switch {
	case err.Kind == protocol.ErrKindTimeout:
		return FailureTimeout
	case err.Kind == protocol.ErrKindMesh:
		return FailureThresholdNotMet
	case err.Reason == protocol.ReasonVerificationFailed:
		return FailureVerificationFailed
	case err.Reason == protocol.ReasonCancelled:
		return FailureCancelled
	case err.Reason == protocol.ReasonDeclined:
		return FailureDeclined
	case err.Reason == protocol.ReasonSessionExpired:
		return FailureExpired
	}
	return FailureProtocolAbort
}

// ProposeRequest 发起会话的参数；签名会话需要 WalletID 与 Message
type ProposeRequest struct {
	Kind      protocol.Kind
	Roster    []string
	Threshold int
	WalletID  string
	Message   []byte
}

// Snapshot 会话的不可变快照
type Snapshot struct {
	SessionID   string
	Kind        protocol.Kind
	State       State
	Reason      FailureReason
	Error       *protocol.Error
	Proposer    string
	WalletID    string
	Message     []byte
	Threshold   int
	Total       int
	Roster      []string
	Accepted    []string
	Mesh        mesh.Status
	Links       []mesh.Link
	Progress    protocol.RoundProgress
	GroupKey    []byte
	Signature   []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
}

// StatusEvent 会话状态变化通知
type StatusEvent struct {
	SessionID string                 `json:"session_id"`
	Kind      protocol.Kind          `json:"kind"`
	State     State                  `json:"lifecycle_state"`
	Mesh      string                 `json:"mesh_status"`
	Progress  protocol.RoundProgress `json:"round_progress"`
	Reason    FailureReason          `json:"reason,omitempty"`
	Message   string                 `json:"message,omitempty"`
	At        time.Time              `json:"at"`
}

// proposal 提议消息负载，Token 只对接收方有效
type proposal struct {
	Kind      protocol.Kind `cbor:"1,keyasint"`
	Proposer  string        `cbor:"2,keyasint"`
	Roster    []string      `cbor:"3,keyasint"`
	Threshold int           `cbor:"4,keyasint"`
	WalletID  string        `cbor:"5,keyasint,omitempty"`
	Message   []byte        `cbor:"6,keyasint,omitempty"`
	Token     string        `cbor:"7,keyasint"`
	CreatedAt time.Time     `cbor:"8,keyasint"`
	ExpiresAt time.Time     `cbor:"9,keyasint"`
}

// response 对提议的答复
type response struct {
	Accept bool   `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
}
