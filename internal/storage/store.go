package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/errand-matching/internal/models"
)

// TaskStore defines persistence operations for tasks. SetStatus and
// AssignWorker are compare-and-swap: they fail with *models.ConflictError
// when the stored status differs from the expected one.
type TaskStore interface {
	CreateTask(ctx context.Context, draft *models.Task) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	SetStatus(ctx context.Context, id string, expected, next models.TaskStatus) (*models.Task, error)
	AssignWorker(ctx context.Context, id, workerID string) (*models.Task, error)
	SetRound(ctx context.Context, id string, round int) error
	ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error)
}

// WorkerStore is the durable worker registry.
type WorkerStore interface {
	SaveWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	UpdateLocation(ctx context.Context, id string, loc models.Coord) error
	SetAvailability(ctx context.Context, id string, available bool) error
	AssignTask(ctx context.Context, workerID, taskID string, exclusive bool) error
	ReleaseTask(ctx context.Context, workerID, taskID string) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
}

type TaskFilter struct {
	CustomerID string
	WorkerID   string
	Status     models.TaskStatus
	Since      time.Time
	Limit      int
}

func (f TaskFilter) match(t *models.Task) bool {
	if f.CustomerID != "" && t.CustomerID != f.CustomerID {
		return false
	}
	if f.WorkerID != "" && t.WorkerID != f.WorkerID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// checkTransition validates a CAS request against the stored status.
func checkTransition(id string, current, expected, next models.TaskStatus) error {
	if current != expected {
		return &models.ConflictError{Entity: "task", ID: id, Expected: string(expected), Actual: string(current)}
	}
	if !models.CanTransition(expected, next) {
		return &models.ConflictError{Entity: "task", ID: id, Expected: "transition to " + string(next), Actual: string(current)}
	}
	return nil
}

func newTask(draft *models.Task, now time.Time) *models.Task {
	t := *draft
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = models.StatusPending
	t.WorkerID = ""
	t.Round = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	return &t
}

type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*models.Task
	workers map[string]*models.Worker
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*models.Task),
		workers: make(map[string]*models.Worker),
		now:     time.Now,
	}
}

func copyTask(t *models.Task) *models.Task {
	c := *t
	if t.Dropoff != nil {
		d := *t.Dropoff
		c.Dropoff = &d
	}
	return &c
}

func copyWorker(w *models.Worker) *models.Worker {
	c := *w
	c.AssignedTasks = append([]string(nil), w.AssignedTasks...)
	return &c
}

func (m *MemoryStore) CreateTask(_ context.Context, draft *models.Task) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := newTask(draft, m.now())
	if _, exists := m.tasks[t.ID]; exists {
		return nil, &models.ConflictError{Entity: "task", ID: t.ID, Expected: "absent", Actual: "exists"}
	}
	m.tasks[t.ID] = t
	return copyTask(t), nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "task", ID: id}
	}
	return copyTask(t), nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, expected, next models.TaskStatus) (*models.Task, error) {
	if next == models.StatusAccepted {
		return nil, &models.ValidationError{Field: "status", Reason: "accepted requires a worker, use AssignWorker"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "task", ID: id}
	}
	if err := checkTransition(id, t.Status, expected, next); err != nil {
		return nil, err
	}
	t.Status = next
	if !next.HasWorker() {
		t.WorkerID = ""
	}
	t.UpdatedAt = m.now()
	return copyTask(t), nil
}

func (m *MemoryStore) AssignWorker(_ context.Context, id, workerID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "task", ID: id}
	}
	if err := checkTransition(id, t.Status, models.StatusOffered, models.StatusAccepted); err != nil {
		return nil, err
	}
	t.Status = models.StatusAccepted
	t.WorkerID = workerID
	t.UpdatedAt = m.now()
	return copyTask(t), nil
}

func (m *MemoryStore) SetRound(_ context.Context, id string, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return &models.NotFoundError{Entity: "task", ID: id}
	}
	t.Round = round
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return m.ListTasks(ctx, TaskFilter{Status: status, Limit: limit})
}

func (m *MemoryStore) ListTasks(_ context.Context, f TaskFilter) ([]*models.Task, error) {
	m.mu.RLock()
	out := make([]*models.Task, 0)
	for _, t := range m.tasks {
		if f.match(t) {
			out = append(out, copyTask(t))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyWorker(w)
	c.Updated = m.now()
	m.workers[w.ID] = c
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "worker", ID: id}
	}
	return copyWorker(w), nil
}

func (m *MemoryStore) mutateWorker(id string, fn func(w *models.Worker)) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "worker", ID: id}
	}
	fn(w)
	w.Updated = m.now()
	return copyWorker(w), nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, loc models.Coord) error {
	_, err := m.mutateWorker(id, func(w *models.Worker) { w.Loc = loc })
	return err
}

func (m *MemoryStore) SetAvailability(_ context.Context, id string, available bool) error {
	_, err := m.mutateWorker(id, func(w *models.Worker) { w.Available = available })
	return err
}

func (m *MemoryStore) AssignTask(_ context.Context, workerID, taskID string, exclusive bool) error {
	_, err := m.mutateWorker(workerID, func(w *models.Worker) {
		for _, id := range w.AssignedTasks {
			if id == taskID {
				return
			}
		}
		w.AssignedTasks = append(w.AssignedTasks, taskID)
		if exclusive {
			w.Available = false
		}
	})
	return err
}

func (m *MemoryStore) ReleaseTask(_ context.Context, workerID, taskID string) (*models.Worker, error) {
	return m.mutateWorker(workerID, func(w *models.Worker) {
		kept := w.AssignedTasks[:0]
		for _, id := range w.AssignedTasks {
			if id != taskID {
				kept = append(kept, id)
			}
		}
		w.AssignedTasks = kept
	})
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
