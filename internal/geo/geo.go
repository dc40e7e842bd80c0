package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/observability"
)

// Candidate is a worker returned by a proximity query with its distance to the query point.
type Candidate struct {
	Worker    models.Worker
	DistanceM float64
}

// Finder is what the negotiator needs from the index.
type Finder interface {
	FindCandidates(ctx context.Context, point models.Coord, role models.Role, maxDistanceM float64, limit int) ([]Candidate, error)
}

// Geo is the full index contract: queries plus incremental updates.
type Geo interface {
	Finder
	Upsert(ctx context.Context, w models.Worker) error
	UpdateLocation(ctx context.Context, workerID string, loc models.Coord) error
	SetAvailable(ctx context.Context, workerID string, available bool) error
}

type Index struct {
	mu      sync.RWMutex
	workers map[string]models.Worker
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{workers: make(map[string]models.Worker), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, w models.Worker) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.Updated = g.now()
	w.AssignedTasks = append([]string(nil), w.AssignedTasks...)
	g.workers[w.ID] = w
	g.publishAvailableLocked()
	return nil
}

func (g *Index) UpdateLocation(_ context.Context, workerID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workers[workerID]
	if !ok {
		return &models.NotFoundError{Entity: "worker", ID: workerID}
	}
	w.Loc = loc
	w.Updated = g.now()
	g.workers[workerID] = w
	return nil
}

func (g *Index) SetAvailable(_ context.Context, workerID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workers[workerID]
	if !ok {
		return &models.NotFoundError{Entity: "worker", ID: workerID}
	}
	w.Available = available
	w.Updated = g.now()
	g.workers[workerID] = w
	g.publishAvailableLocked()
	return nil
}

// Get returns the indexed snapshot of a worker.
func (g *Index) Get(workerID string) (models.Worker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.workers[workerID]
	return w, ok
}

// FindCandidates scans every indexed worker; fine for a single city fleet.
func (g *Index) FindCandidates(_ context.Context, point models.Coord, role models.Role, maxDistanceM float64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	g.mu.RLock()
	arr := make([]Candidate, 0, len(g.workers))
	for _, w := range g.workers {
		if !w.Available || w.Role != role {
			continue
		}
		dist := Haversine(point.Lat, point.Lon, w.Loc.Lat, w.Loc.Lon)
		if dist > maxDistanceM {
			continue
		}
		arr = append(arr, Candidate{Worker: w, DistanceM: dist})
	}
	g.mu.RUnlock()

	SortCandidates(arr)
	if len(arr) > limit {
		arr = arr[:limit]
	}
	return arr, nil
}

func (g *Index) publishAvailableLocked() {
	n := 0
	for _, w := range g.workers {
		if w.Available {
			n++
		}
	}
	observability.WorkersOnline.Set(float64(n))
}

// SortCandidates orders nearest first, then higher rating, then ascending id.
func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceM != c[j].DistanceM {
			return c[i].DistanceM < c[j].DistanceM
		}
		if c[i].Worker.Rating != c[j].Worker.Rating {
			return c[i].Worker.Rating > c[j].Worker.Rating
		}
		return c[i].Worker.ID < c[j].Worker.ID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
