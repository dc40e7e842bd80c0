package matcher

import (
	"context"
	"sort"
	"sync"

	"github.com/example/errand-matching/internal/models"
)

// OfferStore records one offer per (task, worker). Resolve is a
// compare-and-swap on the outcome.
type OfferStore interface {
	Create(ctx context.Context, o *models.Offer) error
	Resolve(ctx context.Context, taskID, workerID string, expected, next models.OfferOutcome) (*models.Offer, error)
	Get(ctx context.Context, taskID, workerID string) (*models.Offer, error)
	ListByTask(ctx context.Context, taskID string) ([]*models.Offer, error)
	DeleteByTask(ctx context.Context, taskID string) error
}

func offerID(taskID, workerID string) string { return taskID + "/" + workerID }

func offerConflict(o *models.Offer, expected models.OfferOutcome) error {
	return &models.ConflictError{Entity: "offer", ID: offerID(o.TaskID, o.WorkerID), Expected: string(expected), Actual: string(o.Outcome)}
}

// sortOffers orders by round, then issue time, then worker id.
func sortOffers(out []*models.Offer) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].WorkerID < out[j].WorkerID
	})
}

type MemoryOfferStore struct {
	mu     sync.Mutex
	byTask map[string]map[string]*models.Offer
}

func NewMemoryOfferStore() *MemoryOfferStore {
	return &MemoryOfferStore{byTask: make(map[string]map[string]*models.Offer)}
}

func (s *MemoryOfferStore) Create(_ context.Context, o *models.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byTask[o.TaskID]
	if !ok {
		m = make(map[string]*models.Offer)
		s.byTask[o.TaskID] = m
	}
	if existing, ok := m[o.WorkerID]; ok {
		return offerConflict(existing, "absent")
	}
	c := *o
	m[o.WorkerID] = &c
	return nil
}

func (s *MemoryOfferStore) Resolve(_ context.Context, taskID, workerID string, expected, next models.OfferOutcome) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byTask[taskID][workerID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "offer", ID: offerID(taskID, workerID)}
	}
	if o.Outcome != expected {
		return nil, offerConflict(o, expected)
	}
	o.Outcome = next
	c := *o
	return &c, nil
}

func (s *MemoryOfferStore) Get(_ context.Context, taskID, workerID string) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byTask[taskID][workerID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "offer", ID: offerID(taskID, workerID)}
	}
	c := *o
	return &c, nil
}

func (s *MemoryOfferStore) ListByTask(_ context.Context, taskID string) ([]*models.Offer, error) {
	s.mu.Lock()
	out := make([]*models.Offer, 0, len(s.byTask[taskID]))
	for _, o := range s.byTask[taskID] {
		c := *o
		out = append(out, &c)
	}
	s.mu.Unlock()
	sortOffers(out)
	return out, nil
}

func (s *MemoryOfferStore) DeleteByTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTask, taskID)
	return nil
}
