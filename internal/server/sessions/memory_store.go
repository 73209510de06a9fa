package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/server/models"
)

// sessionIDBytes gives 256-bit handles, unguessable by construction.
const sessionIDBytes = 32

// MemoryStore keeps sessions in process memory with a periodic expiry sweep.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*models.Session
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context) (*models.Session, error) {
	id, err := common.MakeRandHexString(sessionIDBytes)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &models.Session{ID: id, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}
	s.sessions[id] = session
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	now := s.now()
	if session.ExpiresAt.Before(now) {
		delete(s.sessions, id)
		return false, nil
	}
	session.ExpiresAt = now.Add(s.ttl)
	return true, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// RunSweeper periodically drops expired sessions until ctx is cancelled.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, id)
		}
	}
}
