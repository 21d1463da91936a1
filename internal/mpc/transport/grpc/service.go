package grpc

import (
	"context"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"google.golang.org/grpc"
)

const (
	serviceName    = "mesh.v1.MeshTransport"
	deliverMethod  = "/" + serviceName + "/Deliver"
	codecName      = "cbor"
	maxMessageSize = 10 * 1024 * 1024 // 10MB
)

// Frame 节点间传输的单个帧
type Frame struct {
	From  string `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint,omitempty"`
	Hello bool   `cbor:"3,keyasint,omitempty"`
}

// Ack 接收确认
type Ack struct {
	NodeID string `cbor:"1,keyasint"`
}

type meshServer interface {
	Deliver(ctx context.Context, frame *Frame) (*Ack, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mesh/v1/transport.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(meshServer).Deliver(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// cborCodec 用 CBOR 代替 protobuf 编码帧
type cborCodec struct{}

func (cborCodec) Marshal(v interface{}) ([]byte, error) {
	return transport.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v interface{}) error {
	return transport.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return codecName
}
