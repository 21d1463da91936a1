package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
)

// MemoryStore 进程内存储，未启用 Redis 时使用
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]SessionRecord
	logs      map[string]map[string][]LoggedMessage
	keyShares map[string]map[string]protocol.KeyShare
}

var (
	_ SessionStore  = (*MemoryStore)(nil)
	_ KeyShareStore = (*MemoryStore)(nil)
)

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]SessionRecord),
		logs:      make(map[string]map[string][]LoggedMessage),
		keyShares: make(map[string]map[string]protocol.KeyShare),
	}
}

func (s *MemoryStore) SaveSession(ctx context.Context, record *SessionRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.SessionID] = *record
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.logs, sessionID)
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *LoggedMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs[msg.SessionID] == nil {
		s.logs[msg.SessionID] = make(map[string][]LoggedMessage)
	}
	entry := *msg
	entry.Data = append([]byte(nil), msg.Data...)
	s.logs[msg.SessionID][msg.To] = append(s.logs[msg.SessionID][msg.To], entry)
	return nil
}

func (s *MemoryStore) MessagesSince(ctx context.Context, sessionID, to string, round int) ([]*LoggedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var messages []*LoggedMessage
	for _, msg := range s.logs[sessionID][to] {
		if msg.Round >= round {
			m := msg
			messages = append(messages, &m)
		}
	}
	return messages, nil
}

func (s *MemoryStore) StoreKeyShare(ctx context.Context, share *protocol.KeyShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyShares[share.ParticipantID] == nil {
		s.keyShares[share.ParticipantID] = make(map[string]protocol.KeyShare)
	}
	s.keyShares[share.ParticipantID][share.WalletID] = *share
	return nil
}

func (s *MemoryStore) GetKeyShare(ctx context.Context, walletID, participantID string) (*protocol.KeyShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	share, ok := s.keyShares[participantID][walletID]
	if !ok {
		return nil, ErrNotFound
	}
	return &share, nil
}

func (s *MemoryStore) ListKeyShares(ctx context.Context, participantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallets := make([]string, 0, len(s.keyShares[participantID]))
	for walletID := range s.keyShares[participantID] {
		wallets = append(wallets, walletID)
	}
	sort.Strings(wallets)
	return wallets, nil
}
