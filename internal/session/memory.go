package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/errand-matching/internal/models"
)

type MemoryBackend struct {
	mu     sync.Mutex
	byID   map[string]*models.Session
	byUser map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:   make(map[string]*models.Session),
		byUser: make(map[string]string),
	}
}

func (b *MemoryBackend) removeLocked(s *models.Session) {
	delete(b.byID, s.ID)
	if b.byUser[s.UserID] == s.ID {
		delete(b.byUser, s.UserID)
	}
}

// liveLocked returns the session if present and not expired; expired
// entries are purged on the way.
func (b *MemoryBackend) liveLocked(id string, now time.Time) (*models.Session, bool) {
	s, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	if s.Expired(now) {
		b.removeLocked(s)
		return nil, false
	}
	return s, true
}

func (b *MemoryBackend) Insert(_ context.Context, s *models.Session, replace bool, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if oldID, ok := b.byUser[s.UserID]; ok {
		if old, live := b.liveLocked(oldID, now); live {
			if !replace {
				return &models.DuplicateSessionError{UserID: s.UserID}
			}
			b.removeLocked(old)
		}
	}
	b.byID[s.ID] = copySession(s)
	b.byUser[s.UserID] = s.ID
	return nil
}

func (b *MemoryBackend) GetByUser(_ context.Context, userID string, now time.Time) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byUser[userID]
	if !ok {
		return nil, notFound(userID)
	}
	s, live := b.liveLocked(id, now)
	if !live {
		return nil, notFound(userID)
	}
	return copySession(s), nil
}

func (b *MemoryBackend) GetByID(_ context.Context, id string, now time.Time) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, live := b.liveLocked(id, now)
	if !live {
		return nil, notFound(id)
	}
	return copySession(s), nil
}

func (b *MemoryBackend) Merge(_ context.Context, id string, patch map[string]string, now time.Time) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, live := b.liveLocked(id, now)
	if !live {
		return nil, notFound(id)
	}
	s.Payload = mergePayload(s.Payload, patch)
	s.UpdatedAt = now
	return copySession(s), nil
}

func (b *MemoryBackend) SetExpiry(_ context.Context, id string, expiresAt, now time.Time) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, live := b.liveLocked(id, now)
	if !live {
		return nil, notFound(id)
	}
	s.ExpiresAt = expiresAt
	s.UpdatedAt = now
	return copySession(s), nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byID[id]
	if !ok {
		return notFound(id)
	}
	b.removeLocked(s)
	return nil
}

// DeleteExpired removes the oldest-expiring sessions first.
func (b *MemoryBackend) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var expired []*models.Session
	for _, s := range b.byID {
		if s.Expired(now) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, s := range expired {
		b.removeLocked(s)
	}
	return len(expired), nil
}

// Len counts stored sessions, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}
