package types

import (
	"encoding/hex"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/pkg/errors"
)

// PostProposeSessionPayload 发起会话请求
type PostProposeSessionPayload struct {
	// dkg 或 signing
	// Required: true
	Kind *string `json:"kind"`

	// 参与方名单，包含本节点
	// Required: true
	Roster []string `json:"roster"`

	// DKG 必填；签名会话缺省时取钱包分片的阈值
	Threshold *int64 `json:"threshold,omitempty"`

	WalletID string `json:"wallet_id,omitempty"`

	// 待签名消息的十六进制编码
	MessageHex string `json:"message_hex,omitempty"`
}

// Validate 校验请求
func (m *PostProposeSessionPayload) Validate(formats strfmt.Registry) error {
	if swag.StringValue(m.Kind) == "" {
		return errors.New("kind is required")
	}
	switch *m.Kind {
	case "dkg", "signing":
	default:
		return errors.Errorf("kind %q is not one of [dkg signing]", *m.Kind)
	}
	if len(m.Roster) == 0 {
		return errors.New("roster is required")
	}
	if *m.Kind == "dkg" && m.Threshold == nil {
		return errors.New("threshold is required for dkg sessions")
	}
	if m.MessageHex != "" {
		if _, err := hex.DecodeString(m.MessageHex); err != nil {
			return errors.Wrap(err, "message_hex is not valid hex")
		}
	}
	return nil
}

// PostRespondPayload 答复提议
type PostRespondPayload struct {
	// Required: true
	Accept *bool `json:"accept"`
}

// Validate 校验请求
func (m *PostRespondPayload) Validate(formats strfmt.Registry) error {
	if m.Accept == nil {
		return errors.New("accept is required")
	}
	return nil
}

// PostRequestSigningPayload 用钱包发起签名
type PostRequestSigningPayload struct {
	// Required: true
	MessageHex *string `json:"message_hex"`

	// 参与签名的节点，至少达到阈值
	// Required: true
	Quorum []string `json:"quorum"`
}

// Validate 校验请求
func (m *PostRequestSigningPayload) Validate(formats strfmt.Registry) error {
	if swag.StringValue(m.MessageHex) == "" {
		return errors.New("message_hex is required")
	}
	if _, err := hex.DecodeString(*m.MessageHex); err != nil {
		return errors.Wrap(err, "message_hex is not valid hex")
	}
	if len(m.Quorum) == 0 {
		return errors.New("quorum is required")
	}
	return nil
}

// SessionCreatedResponse 创建会话的响应
type SessionCreatedResponse struct {
	// Required: true
	SessionID *strfmt.UUID `json:"session_id"`
}

// Validate 校验响应
func (m *SessionCreatedResponse) Validate(formats strfmt.Registry) error {
	if m.SessionID == nil {
		return errors.New("session_id is required")
	}
	if !strfmt.IsUUID(m.SessionID.String()) {
		return errors.Errorf("session_id %q is not a uuid", m.SessionID.String())
	}
	return nil
}

// SessionStatus 会话状态
type SessionStatus struct {
	// Required: true
	SessionID *string `json:"session_id"`

	// Required: true
	Kind *string `json:"kind"`

	// Required: true
	LifecycleState *string `json:"lifecycle_state"`

	Reason string        `json:"reason,omitempty"`
	Error  *SessionError `json:"error,omitempty"`

	Proposer  string   `json:"proposer,omitempty"`
	WalletID  string   `json:"wallet_id,omitempty"`
	Threshold *int64   `json:"threshold"`
	Total     *int64   `json:"total"`
	Roster    []string `json:"roster"`
	Accepted  []string `json:"accepted"`

	// Required: true
	Mesh *MeshStatus `json:"mesh_status"`

	// Required: true
	RoundProgress *RoundProgress `json:"round_progress"`

	GroupKeyHex  string `json:"group_key_hex,omitempty"`
	SignatureHex string `json:"signature_hex,omitempty"`

	// Format: date-time
	CreatedAt strfmt.DateTime `json:"created_at"`

	// Format: date-time
	ExpiresAt strfmt.DateTime `json:"expires_at"`

	// Format: date-time
	CompletedAt *strfmt.DateTime `json:"completed_at,omitempty"`
}

// Validate 校验响应
func (m *SessionStatus) Validate(formats strfmt.Registry) error {
	if swag.StringValue(m.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if swag.StringValue(m.Kind) == "" {
		return errors.New("kind is required")
	}
	if swag.StringValue(m.LifecycleState) == "" {
		return errors.New("lifecycle_state is required")
	}
	if m.Mesh == nil {
		return errors.New("mesh_status is required")
	}
	if m.RoundProgress == nil {
		return errors.New("round_progress is required")
	}
	return nil
}

// SessionError 会话失败的结构化原因
type SessionError struct {
	Kind     string   `json:"kind"`
	Reason   string   `json:"reason"`
	Message  string   `json:"message"`
	Round    int64    `json:"round,omitempty"`
	Culprits []string `json:"culprits,omitempty"`
}

// MeshStatus 网格状态
type MeshStatus struct {
	Status string        `json:"status"`
	Ready  []string      `json:"ready,omitempty"`
	Links  []*LinkStatus `json:"links"`
}

// LinkStatus 单条链路
type LinkStatus struct {
	Peer      string  `json:"peer"`
	State     string  `json:"state"`
	LatencyMS float64 `json:"latency_ms"`
	Loss      float64 `json:"loss"`

	// Format: date-time
	Deadline *strfmt.DateTime `json:"reconnect_deadline,omitempty"`
}

// RoundProgress 当前轮次进度
type RoundProgress struct {
	State       string   `json:"state"`
	Round       int64    `json:"round"`
	TotalRounds int64    `json:"total_rounds"`
	Expected    []string `json:"expected,omitempty"`
	Received    []string `json:"received,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Suspended   bool     `json:"suspended"`
}
