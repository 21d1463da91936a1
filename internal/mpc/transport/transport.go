package transport

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var (
	// ErrPeerUnreachable 对端不可达
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrClosed 传输层已关闭
	ErrClosed = errors.New("transport closed")
)

// EventType 传输层事件类型
type EventType int

const (
	EventPeerConnected EventType = iota
	EventPeerDisconnected
	EventMessageReceived
)

func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventMessageReceived:
		return "message_received"
	default:
		return "unknown"
	}
}

// Event 传输层上报的事件
type Event struct {
	Type EventType
	Peer string
	Data []byte
}

// Transport 点对点传输能力，实时连接与离线交换都实现此接口
type Transport interface {
	// Send 发送给单个对端
	Send(ctx context.Context, peer string, data []byte) error
	// Broadcast 发送给多个对端，部分失败时返回聚合错误
	Broadcast(ctx context.Context, peers []string, data []byte) error
	// Connect 请求建立到对端的链路，结果通过 PeerConnected/PeerDisconnected 事件返回
	Connect(ctx context.Context, peer string) error
	// Events 事件通道；Close 后不再产生事件
	Events() <-chan Event
	Close() error
}

// MessageKind 消息类型
type MessageKind string

const (
	KindProposal     MessageKind = "proposal"
	KindResponse     MessageKind = "response"
	KindReady        MessageKind = "ready"
	KindUnready      MessageKind = "unready"
	KindPackage      MessageKind = "package"
	KindResend       MessageKind = "resend"
	KindRejoin       MessageKind = "rejoin"
	KindRejoinAck    MessageKind = "rejoin_ack"
	KindRejoinReject MessageKind = "rejoin_reject"
	KindPing         MessageKind = "ping"
	KindPong         MessageKind = "pong"
)

// Envelope 节点间消息的统一外层
type Envelope struct {
	SessionID string      `cbor:"1,keyasint,omitempty"`
	Round     int         `cbor:"2,keyasint,omitempty"`
	Sender    string      `cbor:"3,keyasint"`
	Kind      MessageKind `cbor:"4,keyasint"`
	Payload   []byte      `cbor:"5,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Marshal 确定性 CBOR 编码
func Marshal(v interface{}) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cbor")
	}
	return data, nil
}

// Unmarshal CBOR 解码
func Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "failed to decode cbor")
	}
	return nil
}

// EncodeEnvelope 编码消息
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return Marshal(env)
}

// DecodeEnvelope 解码消息
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "invalid envelope")
	}
	if env.Sender == "" || env.Kind == "" {
		return nil, errors.New("invalid envelope: sender and kind are required")
	}
	return &env, nil
}

// BroadcastEach 逐个发送并聚合错误
func BroadcastEach(ctx context.Context, t Transport, peers []string, data []byte) error {
	var result *multierror.Error
	for _, peer := range peers {
		if err := t.Send(ctx, peer, data); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to send to %s", peer))
		}
	}
	return result.ErrorOrNil()
}
