package memory

import (
	"context"
	"sync"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
)

// Transport 进程内网络上的一个节点
type Transport struct {
	id     string
	net    *Network
	events chan transport.Event

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// ID 节点 ID
func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Send(ctx context.Context, peer string, data []byte) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	return t.net.deliver(t.id, peer, data)
}

func (t *Transport) Broadcast(ctx context.Context, peers []string, data []byte) error {
	return transport.BroadcastEach(ctx, t, peers, data)
}

func (t *Transport) Connect(ctx context.Context, peer string) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	return t.net.connect(t.id, peer)
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.net.leave(t.id)
	})
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) emit(ev transport.Event) {
	if t == nil {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
