package protocol

import (
	"bytes"
	"fmt"
	"sort"
)

// RoundBuffer 单个轮次的收包缓冲区
// 轮次完成当且仅当 received 的键集合与 expected 完全相等；
// 同一参与方的第二个包一律拒绝，不覆盖第一个包
type RoundBuffer struct {
	sessionID string
	round     int
	expected  map[string]struct{}
	received  map[string][]byte
}

// NewRoundBuffer 创建轮次缓冲区
func NewRoundBuffer(sessionID string, round int, expected []string) *RoundBuffer {
	b := &RoundBuffer{
		sessionID: sessionID,
		round:     round,
		expected:  make(map[string]struct{}, len(expected)),
		received:  make(map[string][]byte, len(expected)),
	}
	for _, id := range expected {
		b.expected[id] = struct{}{}
	}
	return b
}

// Round 轮次号
func (b *RoundBuffer) Round() int {
	return b.round
}

// Add 缓存一个包；非预期发送方、重复包均返回 ProtocolError 且不修改缓冲区
func (b *RoundBuffer) Add(from string, payload []byte) error {
	if _, ok := b.expected[from]; !ok {
		return NewProtocolError(b.sessionID, ReasonUnexpectedSender, []string{from},
			fmt.Sprintf("participant is not expected in round %d", b.round)).WithRound(b.round)
	}
	if existing, ok := b.received[from]; ok {
		reason := ReasonDuplicatePackage
		if !bytes.Equal(existing, payload) {
			reason = ReasonEquivocation
		}
		return NewProtocolError(b.sessionID, reason, []string{from},
			fmt.Sprintf("package already received in round %d", b.round)).WithRound(b.round)
	}
	b.received[from] = append([]byte(nil), payload...)
	return nil
}

// Discard 丢弃某方的包（格式错误时使用，使其可以重发）
func (b *RoundBuffer) Discard(from string) {
	delete(b.received, from)
}

// Has 是否已收到该方的包
func (b *RoundBuffer) Has(from string) bool {
	_, ok := b.received[from]
	return ok
}

// Complete 键集合完全相等
func (b *RoundBuffer) Complete() bool {
	if len(b.received) != len(b.expected) {
		return false
	}
	for id := range b.expected {
		if _, ok := b.received[id]; !ok {
			return false
		}
	}
	for id := range b.received {
		if _, ok := b.expected[id]; !ok {
			return false
		}
	}
	return true
}

// Missing 尚未提交的参与方（已排序）
func (b *RoundBuffer) Missing() []string {
	missing := make([]string, 0, len(b.expected))
	for id := range b.expected {
		if _, ok := b.received[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// Expected 预期参与方（已排序）
func (b *RoundBuffer) Expected() []string {
	ids := make([]string, 0, len(b.expected))
	for id := range b.expected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Received 已提交的参与方（已排序）
func (b *RoundBuffer) Received() []string {
	return sortedKeys(b.received)
}

// Packages 返回收到的包的副本
func (b *RoundBuffer) Packages() map[string][]byte {
	result := make(map[string][]byte, len(b.received))
	for id, payload := range b.received {
		result[id] = append([]byte(nil), payload...)
	}
	return result
}
