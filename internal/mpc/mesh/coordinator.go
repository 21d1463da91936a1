package mesh

import (
	"sort"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Coordinator 单个会话的网格状态
// 只跟踪本节点参与的链路；状态在每个相关事件后重新计算。
// 非并发安全，由会话事件循环独占。
type Coordinator struct {
	sessionID       string
	self            string
	links           map[string]*Link
	ready           map[string]bool
	status          Status
	localReady      bool
	reconnectWindow time.Duration
	clock           time2.Clock
	logger          zerolog.Logger
}

// NewCoordinator 创建网格协调器，roster 包含本节点
func NewCoordinator(sessionID, self string, roster []string, reconnectWindow time.Duration, clock time2.Clock) *Coordinator {
	c := &Coordinator{
		sessionID:       sessionID,
		self:            self,
		links:           make(map[string]*Link, len(roster)),
		ready:           make(map[string]bool, len(roster)),
		reconnectWindow: reconnectWindow,
		clock:           clock,
		logger: log.With().
			Str("component", "mesh").
			Str("session_id", sessionID).
			Str("participant_id", self).
			Logger(),
	}
	now := clock.Now()
	for _, id := range roster {
		c.ready[id] = false
		if id == self {
			continue
		}
		c.links[id] = &Link{Peer: id, State: LinkIncomplete, Since: now}
	}
	c.recompute()
	return c
}

// Status 当前聚合状态
func (c *Coordinator) Status() Status {
	return c.status
}

// LocalReady 本节点的所有链路是否都已连接
func (c *Coordinator) LocalReady() bool {
	return c.localReady
}

// Peers 需要建立链路的参与方
func (c *Coordinator) Peers() []string {
	peers := make([]string, 0, len(c.links))
	for id := range c.links {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Has 是否为本会话的参与方
func (c *Coordinator) Has(peer string) bool {
	_, ok := c.ready[peer]
	return ok
}

// Connected 指定链路是否已连接
func (c *Coordinator) Connected(peer string) bool {
	link, ok := c.links[peer]
	return ok && link.State == LinkConnected
}

// ConnectedParticipants 链路已连接的参与方（含本节点）
func (c *Coordinator) ConnectedParticipants() []string {
	connected := map[string]bool{c.self: true}
	for id, link := range c.links {
		connected[id] = link.State == LinkConnected
	}
	return sortedSet(connected)
}

// Links 链路快照
func (c *Coordinator) Links() []Link {
	links := make([]Link, 0, len(c.links))
	for _, id := range c.Peers() {
		links = append(links, *c.links[id])
	}
	return links
}

// Initiate Incomplete/Disconnected -> Initiating，返回是否需要发起连接
func (c *Coordinator) Initiate(peer string) bool {
	link, ok := c.links[peer]
	if !ok {
		return false
	}
	switch link.State {
	case LinkIncomplete, LinkDisconnected:
		c.setLink(link, LinkInitiating)
		c.recompute()
		return true
	case LinkReconnecting:
		return true
	}
	return false
}

// PeerConnected 链路已建立
func (c *Coordinator) PeerConnected(peer string) Update {
	link, ok := c.links[peer]
	if !ok || link.State == LinkConnected {
		return c.unchanged()
	}
	c.setLink(link, LinkConnected)
	return c.update()
}

// PeerDisconnected 链路断开；已连接的链路进入 Reconnecting，对方的就绪信号同时失效
func (c *Coordinator) PeerDisconnected(peer string) Update {
	link, ok := c.links[peer]
	if !ok {
		return c.unchanged()
	}
	switch link.State {
	case LinkConnected, LinkInitiating:
		c.setLink(link, LinkReconnecting)
		link.Deadline = c.clock.Now().Add(c.reconnectWindow)
	case LinkReconnecting, LinkDisconnected:
		return c.unchanged()
	default:
		c.setLink(link, LinkDisconnected)
	}
	c.ready[peer] = false
	return c.update()
}

// ParticipantReady 对方宣告其所有链路已连接
func (c *Coordinator) ParticipantReady(peer string) Update {
	if peer == c.self || !c.Has(peer) || c.ready[peer] {
		return c.unchanged()
	}
	c.ready[peer] = true
	return c.update()
}

// ParticipantUnready 对方撤回就绪信号
func (c *Coordinator) ParticipantUnready(peer string) Update {
	if peer == c.self || !c.ready[peer] {
		return c.unchanged()
	}
	c.ready[peer] = false
	return c.update()
}

// Expire Reconnecting 超过截止时间的链路回落到 Disconnected
func (c *Coordinator) Expire() (Update, []string) {
	now := c.clock.Now()
	var expired []string
	for _, id := range c.Peers() {
		link := c.links[id]
		if link.State == LinkReconnecting && !now.Before(link.Deadline) {
			c.setLink(link, LinkDisconnected)
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return c.unchanged(), nil
	}
	return c.update(), expired
}

// SetQuality 记录心跳采样结果
func (c *Coordinator) SetQuality(peer string, q Quality) {
	if link, ok := c.links[peer]; ok {
		link.Quality = q
	}
}

func (c *Coordinator) setLink(link *Link, state LinkState) {
	c.logger.Debug().
		Str("peer_id", link.Peer).
		Str("from", link.State.String()).
		Str("to", state.String()).
		Msg("Link state changed")
	link.State = state
	link.Since = c.clock.Now()
	if state != LinkReconnecting {
		link.Deadline = time.Time{}
	}
}

func (c *Coordinator) unchanged() Update {
	return Update{Status: c.status, LocalReady: c.localReady}
}

func (c *Coordinator) update() Update {
	prev, prevLocal := c.status, c.localReady
	c.recompute()
	u := Update{
		Status:       c.status,
		Changed:      !prev.Equal(c.status),
		Demoted:      prev.IsReady() && !c.status.IsReady(),
		LocalReady:   c.localReady,
		LocalChanged: prevLocal != c.localReady,
	}
	if u.Changed {
		c.logger.Info().
			Str("from", prev.String()).
			Str("to", c.status.String()).
			Msg("Mesh status changed")
	}
	return u
}

// recompute Ready 当且仅当所有链路已连接且所有参与方都已就绪
func (c *Coordinator) recompute() {
	allConnected := true
	anyActive := false
	for _, link := range c.links {
		if link.State != LinkConnected {
			allConnected = false
		}
		if link.State != LinkIncomplete {
			anyActive = true
		}
	}
	c.localReady = allConnected
	c.ready[c.self] = allConnected

	allReady := true
	for _, ok := range c.ready {
		if !ok {
			allReady = false
			break
		}
	}

	readySet := sortedSet(c.ready)
	switch {
	case allConnected && allReady:
		c.status = Status{Kind: StatusReady}
	case len(readySet) > 0:
		c.status = Status{Kind: StatusPartiallyReady, Ready: readySet}
	case anyActive:
		c.status = Status{Kind: StatusInitiating}
	default:
		c.status = Status{Kind: StatusIncomplete}
	}
}
