package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/errand-matching/internal/geo"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/storage"
)

// Publisher accepts a location update, either onto a topic or straight
// into the stores.
type Publisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// Applier writes location updates to the worker registry and the geo index.
type Applier struct {
	Workers storage.WorkerStore
	Geo     geo.Geo
}

func (a *Applier) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if u.WorkerID == "" {
		return &models.ValidationError{Field: "worker_id", Reason: "required"}
	}
	if u.Loc.Lat < -90 || u.Loc.Lat > 90 || u.Loc.Lon < -180 || u.Loc.Lon > 180 {
		return &models.ValidationError{Field: "loc", Reason: "coordinates out of range"}
	}
	if err := a.Workers.UpdateLocation(ctx, u.WorkerID, u.Loc); err != nil {
		return err
	}
	err := a.Geo.UpdateLocation(ctx, u.WorkerID, u.Loc)
	if errors.Is(err, models.ErrNotFound) {
		// index lost the worker (restart); rebuild the entry from the registry
		w, gerr := a.Workers.GetWorker(ctx, u.WorkerID)
		if gerr != nil {
			return gerr
		}
		return a.Geo.Upsert(ctx, *w)
	}
	return err
}

// Permanent reports whether retrying cannot help.
func Permanent(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation)
}

// PublishWithRetry retries transient failures with doubling delay.
func PublishWithRetry(ctx context.Context, p Publisher, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.PublishLocation(ctx, u); err == nil || Permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// Mirror applies updates locally and forwards them to Remote for other
// consumers. Forwarding failures are reported through OnRemoteError only.
type Mirror struct {
	Local         Publisher
	Remote        Publisher
	OnRemoteError func(u models.LocationUpdate, err error)
}

func (m *Mirror) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if err := m.Local.PublishLocation(ctx, u); err != nil {
		return err
	}
	if m.Remote == nil {
		return nil
	}
	if err := m.Remote.PublishLocation(ctx, u); err != nil && m.OnRemoteError != nil {
		m.OnRemoteError(u, err)
	}
	return nil
}
