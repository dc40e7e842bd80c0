package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/errand-matching/internal/models"
)

// fakePublisher fails the first fail calls with err.
type fakePublisher struct {
	fail  int
	err   error
	calls int
	last  models.LocationUpdate
}

func (f *fakePublisher) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	f.calls++
	f.last = u
	if f.calls <= f.fail {
		return f.err
	}
	return nil
}

func TestHandleMessage_SucceedsAfterRetries(t *testing.T) {
	f := &fakePublisher{fail: 1, err: errors.New("redis timeout")}
	before := testutil.ToFloat64(locationUpdates)

	err := handleMessage(context.Background(), f, []byte(`{"worker_id":"w1","loc":{"lat":1,"lon":2}}`), 3, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, f.last.Loc)
	assert.Equal(t, before+1, testutil.ToFloat64(locationUpdates))
}

func TestHandleMessage_FailsWhenExhausted(t *testing.T) {
	f := &fakePublisher{fail: 5, err: errors.New("redis timeout")}
	before := testutil.ToFloat64(locationErrors)

	err := handleMessage(context.Background(), f, []byte(`{"worker_id":"w1"}`), 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, before+1, testutil.ToFloat64(locationErrors))
}

func TestHandleMessage_SkipsInvalid(t *testing.T) {
	before := testutil.ToFloat64(msgsInvalid)

	f := &fakePublisher{}
	assert.Error(t, handleMessage(context.Background(), f, []byte(`not json`), 3, time.Millisecond))
	assert.Equal(t, 0, f.calls)

	f = &fakePublisher{fail: 5, err: &models.NotFoundError{Entity: "worker", ID: "ghost"}}
	assert.ErrorIs(t, handleMessage(context.Background(), f, []byte(`{"worker_id":"ghost"}`), 3, time.Millisecond), models.ErrNotFound)
	assert.Equal(t, 1, f.calls)

	assert.Equal(t, before+2, testutil.ToFloat64(msgsInvalid))
}
