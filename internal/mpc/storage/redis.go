package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore Redis存储实现
type RedisStore struct {
	client *redis.Client
}

var (
	_ SessionStore  = (*RedisStore)(nil)
	_ KeyShareStore = (*RedisStore)(nil)
	_ Publisher     = (*RedisStore)(nil)
)

// NewRedisStore 创建Redis存储实例
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(sessionID string) string {
	return "mpc:session:" + sessionID
}

func logKey(sessionID, to string) string {
	return "mpc:log:" + sessionID + ":" + to
}

func logIndexKey(sessionID string) string {
	return "mpc:log:" + sessionID
}

func keyShareKey(participantID, walletID string) string {
	return "mpc:keyshare:" + participantID + ":" + walletID
}

func keyShareIndexKey(participantID string) string {
	return "mpc:keyshares:" + participantID
}

// SaveSession 保存会话状态
func (s *RedisStore) SaveSession(ctx context.Context, record *SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}

	if err := s.client.Set(ctx, sessionKey(record.SessionID), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to save session")
	}

	return nil
}

// GetSession 获取会话状态
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get session")
	}

	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}

	return &record, nil
}

// DeleteSession 删除会话
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	recipients, err := s.client.SMembers(ctx, logIndexKey(sessionID)).Result()
	if err != nil {
		return errors.Wrap(err, "failed to list message logs")
	}

	keys := []string{sessionKey(sessionID), logIndexKey(sessionID)}
	for _, to := range recipients {
		keys = append(keys, logKey(sessionID, to))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	return nil
}

// AppendMessage 追加消息日志
func (s *RedisStore) AppendMessage(ctx context.Context, msg *LoggedMessage, ttl time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	key := logKey(msg.SessionID, msg.To)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.SAdd(ctx, logIndexKey(msg.SessionID), msg.To)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
		pipe.Expire(ctx, logIndexKey(msg.SessionID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to append message")
	}
	return nil
}

// MessagesSince 按轮次过滤消息日志
func (s *RedisStore) MessagesSince(ctx context.Context, sessionID, to string, round int) ([]*LoggedMessage, error) {
	items, err := s.client.LRange(ctx, logKey(sessionID, to), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message log")
	}

	messages := make([]*LoggedMessage, 0, len(items))
	for _, item := range items {
		var msg LoggedMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal message")
		}
		if msg.Round >= round {
			messages = append(messages, &msg)
		}
	}
	return messages, nil
}

// StoreKeyShare 保存密钥分片
func (s *RedisStore) StoreKeyShare(ctx context.Context, share *protocol.KeyShare) error {
	data, err := json.Marshal(share)
	if err != nil {
		return errors.Wrap(err, "failed to marshal key share")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyShareKey(share.ParticipantID, share.WalletID), data, 0)
	pipe.SAdd(ctx, keyShareIndexKey(share.ParticipantID), share.WalletID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to store key share")
	}
	return nil
}

// GetKeyShare 获取密钥分片
func (s *RedisStore) GetKeyShare(ctx context.Context, walletID, participantID string) (*protocol.KeyShare, error) {
	data, err := s.client.Get(ctx, keyShareKey(participantID, walletID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get key share")
	}

	var share protocol.KeyShare
	if err := json.Unmarshal(data, &share); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal key share")
	}
	return &share, nil
}

// ListKeyShares 列出参与方持有分片的钱包
func (s *RedisStore) ListKeyShares(ctx context.Context, participantID string) ([]string, error) {
	wallets, err := s.client.SMembers(ctx, keyShareIndexKey(participantID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list key shares")
	}
	sort.Strings(wallets)
	return wallets, nil
}

// PublishMessage 发布消息
func (s *RedisStore) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	channelKey := "mpc:channel:" + channel
	if err := s.client.Publish(ctx, channelKey, data).Err(); err != nil {
		return errors.Wrap(err, "failed to publish message")
	}

	return nil
}
