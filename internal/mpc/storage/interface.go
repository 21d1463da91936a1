package storage

import (
	"context"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/pkg/errors"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// SessionRecord 会话快照的持久化形式
type SessionRecord struct {
	SessionID    string     `json:"session_id"`
	Kind         string     `json:"kind"`
	State        string     `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	Proposer     string     `json:"proposer"`
	WalletID     string     `json:"wallet_id,omitempty"`
	Threshold    int        `json:"threshold"`
	TotalNodes   int        `json:"total_nodes"`
	Participants []string   `json:"participants"`
	Accepted     []string   `json:"accepted"`
	MeshStatus   string     `json:"mesh_status"`
	CurrentRound int        `json:"current_round"`
	TotalRounds  int        `json:"total_rounds"`
	GroupKey     []byte     `json:"group_key,omitempty"`
	Signature    []byte     `json:"signature,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// LoggedMessage 已发送给某个参与方的消息，重连时按轮次重放
type LoggedMessage struct {
	SessionID string `json:"session_id"`
	To        string `json:"to"`
	Round     int    `json:"round"`
	Data      []byte `json:"data"`
}

// SessionStore 会话快照与消息日志存储
type SessionStore interface {
	// 保存会话快照
	SaveSession(ctx context.Context, record *SessionRecord, ttl time.Duration) error

	// 获取会话快照，不存在时返回 ErrNotFound
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// 删除会话及其消息日志
	DeleteSession(ctx context.Context, sessionID string) error

	// 追加一条已发送消息
	AppendMessage(ctx context.Context, msg *LoggedMessage, ttl time.Duration) error

	// 发给 to 的、轮次不小于 round 的消息（按发送顺序）
	MessagesSince(ctx context.Context, sessionID, to string, round int) ([]*LoggedMessage, error)
}

// Publisher 状态事件外发
type Publisher interface {
	PublishMessage(ctx context.Context, channel string, message interface{}) error
}

// KeyShareStore 密钥分片存储
type KeyShareStore interface {
	StoreKeyShare(ctx context.Context, share *protocol.KeyShare) error
	GetKeyShare(ctx context.Context, walletID, participantID string) (*protocol.KeyShare, error)
	ListKeyShares(ctx context.Context, participantID string) ([]string, error)
}
