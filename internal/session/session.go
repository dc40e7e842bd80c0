package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/errand-matching/internal/config"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/observability"
)

// Backend persists sessions. Every read takes the caller's clock and must
// treat a session whose expiry is not after now as absent.
type Backend interface {
	// Insert stores s. With replace=false a live session for the same user
	// yields *models.DuplicateSessionError; with replace=true it is removed
	// in the same atomic step.
	Insert(ctx context.Context, s *models.Session, replace bool, now time.Time) error
	GetByUser(ctx context.Context, userID string, now time.Time) (*models.Session, error)
	GetByID(ctx context.Context, id string, now time.Time) (*models.Session, error)
	// Merge applies patch over the stored payload, later keys winning.
	Merge(ctx context.Context, id string, patch map[string]string, now time.Time) (*models.Session, error)
	SetExpiry(ctx context.Context, id string, expiresAt, now time.Time) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes at most limit expired sessions and reports how many went.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Manager owns session lifecycle rules on top of a Backend.
type Manager struct {
	backend Backend
	cfg     config.SessionConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewManager(b Backend, cfg config.SessionConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: b, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock swaps the time source; tests drive expiry with it.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) DefaultTTL() time.Duration { return m.cfg.TTL }

func (m *Manager) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.cfg.TTL
	}
	return ttl
}

// Create opens a session for userID. A live session for the same user is
// rejected or replaced according to the configured collision policy.
func (m *Manager) Create(ctx context.Context, userID string, payload map[string]string, ttl time.Duration) (*models.Session, error) {
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Reason: "required"}
	}
	now := m.now()
	p := make(map[string]string, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	s := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Payload:   p,
		ExpiresAt: now.Add(m.ttlOrDefault(ttl)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	replace := m.cfg.CollisionPolicy != config.CollisionReject
	if err := m.backend.Insert(ctx, s, replace, now); err != nil {
		return nil, err
	}
	observability.SessionsCreated.WithLabelValues(p["_flow"]).Inc()
	return s, nil
}

// Get returns the live session of userID or *models.NotFoundError.
func (m *Manager) Get(ctx context.Context, userID string) (*models.Session, error) {
	return m.backend.GetByUser(ctx, userID, m.now())
}

func (m *Manager) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.backend.GetByID(ctx, sessionID, m.now())
}

// Update merges patch into the payload and returns the merged session.
func (m *Manager) Update(ctx context.Context, sessionID string, patch map[string]string) (*models.Session, error) {
	return m.backend.Merge(ctx, sessionID, patch, m.now())
}

// Extend pushes expiry to now+ttl.
func (m *Manager) Extend(ctx context.Context, sessionID string, ttl time.Duration) (*models.Session, error) {
	now := m.now()
	return m.backend.SetExpiry(ctx, sessionID, now.Add(m.ttlOrDefault(ttl)), now)
}

// Destroy is idempotent.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	err := m.backend.Delete(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

// Sweep deletes expired sessions batch by batch until a short batch comes
// back. Backend locks are released between batches.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	batch := m.cfg.SweepBatch
	if batch <= 0 {
		batch = 500
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := m.backend.DeleteExpired(ctx, m.now(), batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < batch {
			break
		}
	}
	if total > 0 {
		observability.SessionsExpired.Add(float64(total))
	}
	return total, nil
}

// RunSweeper blocks, sweeping on every tick until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("session sweep failed", zap.Error(err), zap.Int("removed", n))
				continue
			}
			if n > 0 {
				m.logger.Debug("expired sessions removed", zap.Int("removed", n))
			}
		}
	}
}

func copySession(s *models.Session) *models.Session {
	c := *s
	c.Payload = make(map[string]string, len(s.Payload))
	for k, v := range s.Payload {
		c.Payload[k] = v
	}
	return &c
}

func mergePayload(dst, patch map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		dst[k] = v
	}
	return dst
}

func notFound(id string) error { return &models.NotFoundError{Entity: "session", ID: id} }
