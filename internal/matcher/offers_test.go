package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/errand-matching/internal/models"
)

func offerStoreContract(t *testing.T, s OfferStore) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	o1 := &models.Offer{TaskID: "t1", WorkerID: "b", Round: 1, IssuedAt: base, Deadline: base.Add(time.Minute), Outcome: models.OfferPending}
	o2 := &models.Offer{TaskID: "t1", WorkerID: "a", Round: 2, IssuedAt: base.Add(time.Second), Deadline: base.Add(time.Minute), Outcome: models.OfferPending}
	require.NoError(t, s.Create(ctx, o1))
	require.NoError(t, s.Create(ctx, o2))
	assert.ErrorIs(t, s.Create(ctx, o1), models.ErrConflict)

	got, err := s.Resolve(ctx, "t1", "b", models.OfferPending, models.OfferDeclined)
	require.NoError(t, err)
	assert.Equal(t, models.OfferDeclined, got.Outcome)
	_, err = s.Resolve(ctx, "t1", "b", models.OfferPending, models.OfferAccepted)
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = s.Resolve(ctx, "t1", "zzz", models.OfferPending, models.OfferAccepted)
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := s.ListByTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].WorkerID)
	assert.Equal(t, "a", list[1].WorkerID)
	assert.True(t, list[0].Deadline.Equal(base.Add(time.Minute)))

	require.NoError(t, s.DeleteByTask(ctx, "t1"))
	list, err = s.ListByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryOfferStore(t *testing.T) {
	offerStoreContract(t, NewMemoryOfferStore())
}

func TestRedisOfferStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisOfferStore(client, "test-offers", time.Hour)
	offerStoreContract(t, s)
}
