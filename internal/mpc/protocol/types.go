package protocol

import "time"

// Kind 会话协议类型
type Kind string

const (
	KindDKG     Kind = "dkg"
	KindSigning Kind = "signing"
)

// Valid 是否为已知类型
func (k Kind) Valid() bool {
	return k == KindDKG || k == KindSigning
}

// Identifier 参与方在密码学原语中的编号（从 1 开始，会话内不复用）
type Identifier uint16

// Role 参与方角色
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleSigner      Role = "signer"
)

// Participant 会话参与方
type Participant struct {
	ID         string
	Role       Role
	Identifier Identifier
}

// KeyShare DKG 输出的密钥分片，Data 对协调层不透明
type KeyShare struct {
	WalletID      string
	ParticipantID string
	Identifier    Identifier
	Threshold     int
	Total         int
	GroupKey      []byte
	Participants  map[string]Identifier
	Data          []byte
	CreatedAt     time.Time
}

// KeyMaterial 原语最终化的结果
type KeyMaterial struct {
	GroupKey []byte
	Data     []byte
}

// Signature 签名输出
type Signature struct {
	SigningID string
	WalletID  string
	Message   []byte
	Bytes     []byte
	Signers   []string
}

// Outbound 引擎产生的待发送消息
type Outbound struct {
	Recipients []string
	Round      int
	Payload    []byte
	Resend     bool // 请求对方重发该轮次的包
}

// RoundProgress 当前轮次进度
type RoundProgress struct {
	Kind        Kind     `json:"kind"`
	State       string   `json:"state"`
	Round       int      `json:"round"`
	TotalRounds int      `json:"total_rounds"`
	Expected    []string `json:"expected,omitempty"`
	Received    []string `json:"received,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Suspended   bool     `json:"suspended"`
}
