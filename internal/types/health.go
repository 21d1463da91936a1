package types

import (
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/pkg/errors"
)

// HealthStatus 节点健康状态
type HealthStatus struct {
	// Required: true
	NodeID *string `json:"node_id"`

	ActiveSessions int64         `json:"active_sessions"`
	Peers          []*PeerHealth `json:"peers"`
}

// Validate 校验响应
func (m *HealthStatus) Validate(formats strfmt.Registry) error {
	if swag.StringValue(m.NodeID) == "" {
		return errors.New("node_id is required")
	}
	return nil
}

// PeerHealth 已连接对端
type PeerHealth struct {
	PeerID    string  `json:"peer_id"`
	Alive     bool    `json:"alive"`
	LatencyMS float64 `json:"latency_ms"`
	Loss      float64 `json:"loss"`

	// Format: date-time
	LastSeen strfmt.DateTime `json:"last_seen"`
}

// PublicHTTPErrorType 对外错误类型
type PublicHTTPErrorType string

const (
	PublicHTTPErrorTypeGeneric         PublicHTTPErrorType = "generic"
	PublicHTTPErrorTypeBadRequest      PublicHTTPErrorType = "BAD_REQUEST"
	PublicHTTPErrorTypeInvalidProposal PublicHTTPErrorType = "INVALID_PROPOSAL"
	PublicHTTPErrorTypeRosterMismatch  PublicHTTPErrorType = "ROSTER_MISMATCH"
	PublicHTTPErrorTypeSessionNotFound PublicHTTPErrorType = "SESSION_NOT_FOUND"
	PublicHTTPErrorTypeInvalidState    PublicHTTPErrorType = "INVALID_STATE"
	PublicHTTPErrorTypeMissingKeyShare PublicHTTPErrorType = "MISSING_KEY_SHARE"
	PublicHTTPErrorTypeThresholdNotMet PublicHTTPErrorType = "THRESHOLD_NOT_MET"
)

// PublicHTTPError 对外错误响应
type PublicHTTPError struct {
	// Required: true
	Code *int64 `json:"status"`

	// Required: true
	Title *string `json:"title"`

	// Required: true
	Type *string `json:"type"`

	Detail string `json:"detail,omitempty"`
}
