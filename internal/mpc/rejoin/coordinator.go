package rejoin

import (
	"context"
	"fmt"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/go-mpc-mesh/internal/auth"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Request 断线参与方重新加入会话的请求
type Request struct {
	SessionID            string `cbor:"1,keyasint"`
	ParticipantID        string `cbor:"2,keyasint"`
	Token                string `cbor:"3,keyasint"`
	ClaimedLastSeenRound int    `cbor:"4,keyasint"`
	Ready                bool   `cbor:"5,keyasint"` // 发送方本地链路是否已全部连接
}

// Reject 拒绝原因
type Reject struct {
	Reason  protocol.Reason `cbor:"1,keyasint"`
	Message string          `cbor:"2,keyasint,omitempty"`
}

// View 校验请求所需的会话视图
type View struct {
	SessionID string
	Roster    []string
	ExpiresAt time.Time
	Round     int
	Terminal  bool
	Finalized bool
}

// Coordinator 重连令牌签发、请求校验与消息重放
// 校验失败不修改任何会话状态。
type Coordinator struct {
	tokens *auth.JWTManager
	store  storage.SessionStore
	clock  time2.Clock
	logger zerolog.Logger
}

// NewCoordinator 创建重连协调器
func NewCoordinator(tokens *auth.JWTManager, store storage.SessionStore, clock time2.Clock) *Coordinator {
	return &Coordinator{
		tokens: tokens,
		store:  store,
		clock:  clock,
		logger: log.With().Str("component", "rejoin").Logger(),
	}
}

// IssueTokens 为名单中每个参与方签发令牌，有效期与会话一致
func (c *Coordinator) IssueTokens(sessionID string, roster []string, expiresAt time.Time) (map[string]string, error) {
	tokens := make(map[string]string, len(roster))
	for _, id := range roster {
		token, err := c.tokens.Generate(sessionID, id, expiresAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to issue rejoin token for %s", id)
		}
		tokens[id] = token
	}
	return tokens, nil
}

// Validate 校验重连请求
func (c *Coordinator) Validate(req *Request, view *View) *protocol.Error {
	if view == nil {
		return protocol.NewRejoinError(req.SessionID, protocol.ReasonSessionExpired, req.ParticipantID, "unknown session")
	}

	claims, err := c.tokens.Validate(req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return protocol.NewRejoinError(view.SessionID, protocol.ReasonSessionExpired, req.ParticipantID, "rejoin token expired").WithCause(err)
		}
		return protocol.NewRejoinError(view.SessionID, protocol.ReasonAuthFailed, req.ParticipantID, "invalid rejoin token").WithCause(err)
	}
	if claims.SessionID != view.SessionID || claims.ParticipantID() != req.ParticipantID {
		return protocol.NewRejoinError(view.SessionID, protocol.ReasonAuthFailed, req.ParticipantID, "token is bound to another session or participant")
	}

	if !contains(view.Roster, req.ParticipantID) {
		return protocol.NewRejoinError(view.SessionID, protocol.ReasonUnknownParticipant, req.ParticipantID, "participant is not in the session roster")
	}
	if view.Finalized {
		return protocol.NewRejoinError(view.SessionID, protocol.ReasonRoundFinalized, req.ParticipantID, "session output already finalized")
	}
	if view.Terminal || !c.clock.Now().Before(view.ExpiresAt) {
		return protocol.NewRejoinError(view.SessionID, protocol.ReasonSessionExpired, req.ParticipantID, "session is no longer active")
	}
	if req.ClaimedLastSeenRound < 0 || req.ClaimedLastSeenRound > view.Round {
		return protocol.NewRejoinError(view.SessionID, protocol.ReasonStaleClaim, req.ParticipantID,
			fmt.Sprintf("claimed round %d but session is at round %d", req.ClaimedLastSeenRound, view.Round))
	}
	return nil
}

// Replay 返回需要重新发送给参与方的消息（按原发送顺序）
func (c *Coordinator) Replay(ctx context.Context, sessionID, participantID string, fromRound int) ([][]byte, error) {
	messages, err := c.store.MessagesSince(ctx, sessionID, participantID, fromRound)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load message log")
	}
	data := make([][]byte, 0, len(messages))
	for _, msg := range messages {
		data = append(data, msg.Data)
	}
	c.logger.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int("from_round", fromRound).
		Int("messages", len(data)).
		Msg("Replaying missed messages")
	return data, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
