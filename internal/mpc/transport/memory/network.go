package memory

import (
	"sort"
	"sync"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DropFunc 返回 true 时丢弃 from -> to 的消息（链路保持连接）
type DropFunc func(from, to string, data []byte) bool

// Network 进程内网络，支持分区与恢复，用于多节点测试和演示
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Transport
	cut   map[[2]string]bool
	up    map[[2]string]bool
	want  map[[2]string]bool
	drop  DropFunc
}

// NewNetwork 创建进程内网络
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*Transport),
		cut:   make(map[[2]string]bool),
		up:    make(map[[2]string]bool),
		want:  make(map[[2]string]bool),
	}
}

func pair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Join 加入网络
func (n *Network) Join(id string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &Transport{
		id:     id,
		net:    n,
		events: make(chan transport.Event, 1024),
		done:   make(chan struct{}),
	}
	n.nodes[id] = t
	return t
}

// SetDrop 设置丢包规则，nil 表示不丢包
func (n *Network) SetDrop(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// Partition 切断两个节点之间的链路
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	key := pair(a, b)
	n.cut[key] = true
	wasUp := n.up[key]
	delete(n.up, key)
	ta, tb := n.nodes[a], n.nodes[b]
	n.mu.Unlock()

	if wasUp {
		log.Debug().Str("node_a", a).Str("node_b", b).Msg("Memory network link partitioned")
		ta.emit(transport.Event{Type: transport.EventPeerDisconnected, Peer: b})
		tb.emit(transport.Event{Type: transport.EventPeerDisconnected, Peer: a})
	}
}

// Isolate 切断节点的所有链路
func (n *Network) Isolate(id string) {
	for _, peer := range n.peersOf(id) {
		n.Partition(id, peer)
	}
}

// Heal 恢复链路；之前请求过连接的链路自动重新建立
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	key := pair(a, b)
	delete(n.cut, key)
	reconnect := n.want[key] && !n.up[key] && n.reachable(a, b)
	if reconnect {
		n.up[key] = true
	}
	ta, tb := n.nodes[a], n.nodes[b]
	n.mu.Unlock()

	if reconnect {
		log.Debug().Str("node_a", a).Str("node_b", b).Msg("Memory network link healed")
		ta.emit(transport.Event{Type: transport.EventPeerConnected, Peer: b})
		tb.emit(transport.Event{Type: transport.EventPeerConnected, Peer: a})
	}
}

// Rejoin 恢复节点的所有链路
func (n *Network) Rejoin(id string) {
	for _, peer := range n.peersOf(id) {
		n.Heal(id, peer)
	}
}

func (n *Network) peersOf(id string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]string, 0, len(n.nodes))
	for peer := range n.nodes {
		if peer != id {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)
	return peers
}

// reachable 调用方需持有锁
func (n *Network) reachable(a, b string) bool {
	ta, ok := n.nodes[a]
	if !ok || ta.isClosed() {
		return false
	}
	tb, ok := n.nodes[b]
	if !ok || tb.isClosed() {
		return false
	}
	return !n.cut[pair(a, b)]
}

func (n *Network) connect(from, to string) error {
	n.mu.Lock()
	key := pair(from, to)
	n.want[key] = true
	if !n.reachable(from, to) {
		n.mu.Unlock()
		return errors.Wrapf(transport.ErrPeerUnreachable, "cannot connect to %s", to)
	}
	if n.up[key] {
		n.mu.Unlock()
		return nil
	}
	n.up[key] = true
	tf, tt := n.nodes[from], n.nodes[to]
	n.mu.Unlock()

	tf.emit(transport.Event{Type: transport.EventPeerConnected, Peer: to})
	tt.emit(transport.Event{Type: transport.EventPeerConnected, Peer: from})
	return nil
}

func (n *Network) deliver(from, to string, data []byte) error {
	n.mu.Lock()
	if !n.reachable(from, to) {
		n.mu.Unlock()
		return errors.Wrapf(transport.ErrPeerUnreachable, "cannot reach %s", to)
	}
	drop := n.drop
	target := n.nodes[to]
	n.mu.Unlock()

	if drop != nil && drop(from, to, data) {
		return nil
	}
	target.emit(transport.Event{Type: transport.EventMessageReceived, Peer: from, Data: append([]byte(nil), data...)})
	return nil
}

func (n *Network) leave(id string) {
	n.mu.Lock()
	var peers []*Transport
	for key := range n.up {
		if key[0] == id || key[1] == id {
			other := key[0]
			if other == id {
				other = key[1]
			}
			delete(n.up, key)
			if t, ok := n.nodes[other]; ok {
				peers = append(peers, t)
			}
		}
	}
	n.mu.Unlock()

	for _, t := range peers {
		t.emit(transport.Event{Type: transport.EventPeerDisconnected, Peer: id})
	}
}
