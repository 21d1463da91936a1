package protocol

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind 错误大类
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindProtocol
	ErrKindMesh
	ErrKindSession
	ErrKindRejoin
	ErrKindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindProtocol:
		return "PROTOCOL"
	case ErrKindMesh:
		return "MESH"
	case ErrKindSession:
		return "SESSION"
	case ErrKindRejoin:
		return "REJOIN"
	case ErrKindTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Reason 错误细分原因，会原样出现在会话快照和状态事件中
type Reason string

const (
	ReasonMalformedPackage   Reason = "malformed_package"
	ReasonDuplicatePackage   Reason = "duplicate_package"
	ReasonEquivocation       Reason = "equivocation"
	ReasonUnexpectedSender   Reason = "unexpected_sender"
	ReasonUnexpectedRound    Reason = "unexpected_round"
	ReasonCommitmentMismatch Reason = "commitment_mismatch"
	ReasonFinalizeFailed     Reason = "finalize_failed"
	ReasonVerificationFailed Reason = "verification_failed"
	ReasonProtocolAbort      Reason = "protocol_abort"
	ReasonGuardNotMet        Reason = "guard_not_met"

	ReasonLinkUnreachable      Reason = "link_unreachable"
	ReasonThresholdUnreachable Reason = "threshold_unreachable"

	ReasonUnknownSession  Reason = "unknown_session"
	ReasonSessionExpired  Reason = "session_expired"
	ReasonRosterMismatch  Reason = "roster_mismatch"
	ReasonInvalidProposal Reason = "invalid_proposal"
	ReasonThresholdNotMet Reason = "threshold_not_met"
	ReasonDeclined        Reason = "declined"
	ReasonCancelled       Reason = "cancelled"
	ReasonMissingKeyShare Reason = "missing_key_share"
	ReasonInvalidState    Reason = "invalid_state"

	ReasonAuthFailed         Reason = "auth_failed"
	ReasonStaleClaim         Reason = "stale_claim"
	ReasonRoundFinalized     Reason = "round_finalized"
	ReasonUnknownParticipant Reason = "unknown_participant"

	ReasonRoundDeadline  Reason = "round_deadline"
	ReasonRejoinDeadline Reason = "rejoin_deadline"
)

// Error 协调层统一错误类型，Kind 区分 ProtocolError/MeshError/SessionError/RejoinError/TimeoutError
type Error struct {
	Kind      ErrorKind
	Reason    Reason
	Message   string
	SessionID string
	Round     int
	Culprits  []string // 出错或缺失的参与方
	Original  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s/%s] %s", e.Kind.String(), e.Reason, e.Message))
	if len(e.Culprits) > 0 {
		sb.WriteString(fmt.Sprintf(" (participants: %v)", e.Culprits))
	}
	if e.SessionID != "" {
		sb.WriteString(fmt.Sprintf(" [session: %s]", e.SessionID))
	}
	if e.Round > 0 {
		sb.WriteString(fmt.Sprintf(" [round: %d]", e.Round))
	}
	if e.Original != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Original))
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Original
}

// WithCause 附加底层错误
func (e *Error) WithCause(err error) *Error {
	e.Original = err
	return e
}

// WithRound 附加轮次
func (e *Error) WithRound(round int) *Error {
	e.Round = round
	return e
}

// NewProtocolError 包格式错误、重复包、承诺不一致、原语最终化失败
func NewProtocolError(sessionID string, reason Reason, culprits []string, msg string) *Error {
	return &Error{
		Kind:      ErrKindProtocol,
		Reason:    reason,
		Message:   msg,
		SessionID: sessionID,
		Culprits:  culprits,
	}
}

// NewMeshError 链路无法建立或阈值不可达
func NewMeshError(sessionID string, reason Reason, culprits []string, msg string) *Error {
	return &Error{
		Kind:      ErrKindMesh,
		Reason:    reason,
		Message:   msg,
		SessionID: sessionID,
		Culprits:  culprits,
	}
}

// NewSessionError 未知会话、会话过期、名单不一致
func NewSessionError(sessionID string, reason Reason, msg string) *Error {
	return &Error{
		Kind:      ErrKindSession,
		Reason:    reason,
		Message:   msg,
		SessionID: sessionID,
	}
}

// NewRejoinError 重连认证失败或声明过期
func NewRejoinError(sessionID string, reason Reason, participantID string, msg string) *Error {
	e := &Error{
		Kind:      ErrKindRejoin,
		Reason:    reason,
		Message:   msg,
		SessionID: sessionID,
	}
	if participantID != "" {
		e.Culprits = []string{participantID}
	}
	return e
}

// NewTimeoutError 轮次截止时间已过，missing 为未提交的参与方
func NewTimeoutError(sessionID string, reason Reason, round int, missing []string, msg string) *Error {
	return &Error{
		Kind:      ErrKindTimeout,
		Reason:    reason,
		Message:   msg,
		SessionID: sessionID,
		Round:     round,
		Culprits:  missing,
	}
}

// AsError 取出错误链中的 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 返回错误大类，非协调层错误返回 ErrKindUnknown
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ErrKindUnknown
}

// ReasonOf 返回错误细分原因
func ReasonOf(err error) Reason {
	if e, ok := AsError(err); ok {
		return e.Reason
	}
	return ""
}

// IsKind 判断错误大类
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// PrimitiveError 密码学原语返回的类型化失败，Culprits 为原语内部编号
type PrimitiveError struct {
	Reason   Reason
	Culprits []Identifier
	Message  string
}

func (e *PrimitiveError) Error() string {
	if len(e.Culprits) > 0 {
		return fmt.Sprintf("primitive %s: %s (identifiers: %v)", e.Reason, e.Message, e.Culprits)
	}
	return fmt.Sprintf("primitive %s: %s", e.Reason, e.Message)
}
