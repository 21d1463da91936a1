package mesh

import (
	"sort"
	"strings"
	"time"
)

// LinkState 单条点对点链路的状态
type LinkState int

const (
	LinkIncomplete LinkState = iota
	LinkInitiating
	LinkConnected
	LinkDisconnected
	LinkReconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkIncomplete:
		return "incomplete"
	case LinkInitiating:
		return "initiating"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Link 本节点到某个参与方的链路
type Link struct {
	Peer     string
	State    LinkState
	Deadline time.Time // 仅在 Reconnecting 时有效
	Since    time.Time
	Quality  Quality
}

// Quality 心跳采样得到的连接质量
type Quality struct {
	LatencyMS float64
	Loss      float64
	LastSeen  time.Time
	Alive     bool
}

// StatusKind 网格聚合状态
type StatusKind int

const (
	StatusIncomplete StatusKind = iota
	StatusInitiating
	StatusPartiallyReady
	StatusReady
)

func (k StatusKind) String() string {
	switch k {
	case StatusIncomplete:
		return "incomplete"
	case StatusInitiating:
		return "initiating"
	case StatusPartiallyReady:
		return "partially_ready"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Status 网格状态，Ready 只在 PartiallyReady 时携带已就绪的参与方
type Status struct {
	Kind  StatusKind
	Ready []string
}

// IsReady 是否全部就绪
func (s Status) IsReady() bool {
	return s.Kind == StatusReady
}

// Equal 比较两个状态
func (s Status) Equal(other Status) bool {
	if s.Kind != other.Kind || len(s.Ready) != len(other.Ready) {
		return false
	}
	for i := range s.Ready {
		if s.Ready[i] != other.Ready[i] {
			return false
		}
	}
	return true
}

func (s Status) String() string {
	if s.Kind == StatusPartiallyReady {
		return s.Kind.String() + "{" + strings.Join(s.Ready, ",") + "}"
	}
	return s.Kind.String()
}

// Update 一次事件处理后网格的变化
type Update struct {
	Status       Status
	Changed      bool
	Demoted      bool
	LocalReady   bool
	LocalChanged bool
}

func sortedSet(m map[string]bool) []string {
	ids := make([]string, 0, len(m))
	for id, ok := range m {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
