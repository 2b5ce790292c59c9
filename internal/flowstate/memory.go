package flowstate

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/athen/internal/model"
)

type memoryEntry struct {
	rec       model.FlowRecord
	expiresAt time.Time
}

// MemoryStore はプロセス内のmapを使用したStore。
// 単一プロセス構成（REDIS_URL未設定）で使用する。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put はstateをキーにレコードを保存する。期限切れのエントリはここで掃除する。
func (s *MemoryStore) Put(_ context.Context, state string, rec *model.FlowRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}

	if _, exists := s.entries[state]; exists {
		return ErrDuplicateState
	}
	s.entries[state] = memoryEntry{rec: *rec, expiresAt: now.Add(ttl)}
	return nil
}

// Pop はレコードを取り出して削除する。
func (s *MemoryStore) Pop(_ context.Context, state string) (*model.FlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return nil, nil
	}
	delete(s.entries, state)

	if !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

var _ Store = (*MemoryStore)(nil)
