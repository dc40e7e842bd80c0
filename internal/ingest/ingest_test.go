package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/errand-matching/internal/geo"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/storage"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaProducerKeysByWorker(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}
	u := models.LocationUpdate{WorkerID: "w1", Loc: models.Coord{Lat: 1, Lon: 2}, At: time.Unix(100, 0).UTC()}
	require.NoError(t, p.PublishLocation(context.Background(), u))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "w1", string(w.msgs[0].Key))
	var got models.LocationUpdate
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, u, got)
}

func TestApplierUpdatesStoreAndRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	require.NoError(t, store.SaveWorker(ctx, &models.Worker{ID: "w1", Role: models.RoleRider, Available: true}))
	a := &Applier{Workers: store, Geo: idx}

	loc := models.Coord{Lat: 6.5, Lon: 3.3}
	require.NoError(t, a.PublishLocation(ctx, models.LocationUpdate{WorkerID: "w1", Loc: loc}))

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, loc, w.Loc)
	indexed, ok := idx.Get("w1")
	require.True(t, ok)
	assert.Equal(t, loc, indexed.Loc)
	assert.True(t, indexed.Available)
}

func TestApplierRejectsUnknownAndInvalid(t *testing.T) {
	ctx := context.Background()
	a := &Applier{Workers: storage.NewMemoryStore(), Geo: geo.NewIndex()}
	err := a.PublishLocation(ctx, models.LocationUpdate{WorkerID: "ghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	err = a.PublishLocation(ctx, models.LocationUpdate{WorkerID: "w", Loc: models.Coord{Lat: 95}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

type flakyPublisher struct {
	fail  int
	calls int
	err   error
}

func (f *flakyPublisher) PublishLocation(context.Context, models.LocationUpdate) error {
	f.calls++
	if f.calls <= f.fail {
		return f.err
	}
	return nil
}

func TestPublishWithRetry(t *testing.T) {
	ctx := context.Background()
	u := models.LocationUpdate{WorkerID: "w1"}

	p := &flakyPublisher{fail: 2, err: errors.New("redis timeout")}
	start := time.Now()
	require.NoError(t, PublishWithRetry(ctx, p, u, 3, 5*time.Millisecond))
	assert.Equal(t, 3, p.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	p = &flakyPublisher{fail: 5, err: errors.New("redis timeout")}
	assert.Error(t, PublishWithRetry(ctx, p, u, 3, time.Millisecond))
	assert.Equal(t, 3, p.calls)

	// permanent errors are not retried
	p = &flakyPublisher{fail: 5, err: &models.NotFoundError{Entity: "worker", ID: "w1"}}
	assert.ErrorIs(t, PublishWithRetry(ctx, p, u, 3, time.Millisecond), models.ErrNotFound)
	assert.Equal(t, 1, p.calls)
}

func TestMirrorForwardsAfterLocalApply(t *testing.T) {
	ctx := context.Background()
	local := &flakyPublisher{}
	remote := &flakyPublisher{fail: 1, err: errors.New("broker down")}
	var reported int
	m := &Mirror{Local: local, Remote: remote, OnRemoteError: func(models.LocationUpdate, error) { reported++ }}

	require.NoError(t, m.PublishLocation(ctx, models.LocationUpdate{WorkerID: "w1"}))
	assert.Equal(t, 1, reported)
	require.NoError(t, m.PublishLocation(ctx, models.LocationUpdate{WorkerID: "w1"}))
	assert.Equal(t, 2, remote.calls)

	// local failures stop the update before it is forwarded
	m.Local = &flakyPublisher{fail: 1, err: &models.NotFoundError{Entity: "worker", ID: "x"}}
	assert.ErrorIs(t, m.PublishLocation(ctx, models.LocationUpdate{WorkerID: "x"}), models.ErrNotFound)
	assert.Equal(t, 2, remote.calls)
}
