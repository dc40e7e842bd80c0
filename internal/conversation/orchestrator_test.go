package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/errand-matching/internal/config"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/secure"
	"github.com/example/errand-matching/internal/session"
	"github.com/example/errand-matching/internal/storage"
)

type startRecorder struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (s *startRecorder) Start(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, taskID)
	return s.err
}

type fixture struct {
	o       *Orchestrator
	store   *storage.MemoryStore
	starter *startRecorder
	sealer  *secure.SecretBox
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		starter: &startRecorder{},
		clock:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	var err error
	f.sealer, err = secure.NewRandomSecretBox()
	require.NoError(t, err)
	cfg := config.DefaultSessionConfig()
	cfg.TTL = time.Minute
	sessions := session.NewManager(session.NewMemoryBackend(), cfg, nil)
	sessions.SetClock(func() time.Time { return f.clock })
	f.o = New(Deps{
		Sessions: sessions,
		Workers:  f.store,
		Tasks:    f.store,
		Matcher:  f.starter,
		Sealer:   f.sealer,
	})
	return f
}

func (f *fixture) say(t *testing.T, user, text string) Reply {
	t.Helper()
	r, err := f.o.Input(context.Background(), user, Input{Text: text})
	require.NoError(t, err)
	return r
}

func TestRegisterRiderFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.o.Begin(ctx, "42", FlowRegisterRider)
	require.NoError(t, err)
	assert.Contains(t, r.Text, "name")

	f.say(t, "42", "  Ada   Obi ")
	_, err = f.o.Input(ctx, "42", Input{Phone: "+234 801-234-5678"})
	require.NoError(t, err)
	f.say(t, "42", "0123 4567 89")
	f.say(t, "42", "a12-345678")
	r = f.say(t, "42", "https://cdn.example.com/ada.jpg")
	assert.True(t, r.Done)
	assert.Equal(t, "42", r.WorkerID)

	w, err := f.store.GetWorker(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.RoleRider, w.Role)
	assert.Equal(t, "Ada Obi", w.Name)
	assert.Equal(t, "+2348012345678", w.Phone)
	assert.True(t, w.Available)
	assert.Equal(t, 5.0, w.Rating)

	assert.NotEqual(t, "0123456789", w.BankDetails)
	bank, err := f.sealer.Open(w.BankDetails)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", bank)
	doc, err := f.sealer.Open(w.IdentityDoc)
	require.NoError(t, err)
	assert.Equal(t, "A12-345678", doc)

	_, active, err := f.o.Active(ctx, "42")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestValidationFailureDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.o.Begin(ctx, "u", FlowRegisterErrander)
	require.NoError(t, err)
	f.say(t, "u", "Bola")

	r, err := f.o.Input(ctx, "u", Input{Text: "12"})
	assert.ErrorIs(t, err, models.ErrValidation)
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "phone", verr.Field)
	assert.Contains(t, r.Text, "phone number")

	// still on the phone step
	r = f.say(t, "u", "+15551234567")
	assert.Contains(t, r.Text, "bank")
}

func TestOrderFlowCreatesTaskAndStartsMatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.o.Begin(ctx, "c1", FlowOrder)
	require.NoError(t, err)

	_, err = f.o.Input(ctx, "c1", Input{Location: &models.Coord{Lat: 6.45, Lon: 3.39}})
	require.NoError(t, err)
	r := f.say(t, "c1", "6.60, 3.35")
	assert.Contains(t, r.Text, "Confirm")
	assert.Contains(t, r.Text, "6.450000,3.390000")

	r = f.say(t, "c1", "yes")
	require.True(t, r.Done)
	require.NotEmpty(t, r.TaskID)
	assert.Equal(t, []string{r.TaskID}, f.starter.started)

	task, err := f.store.GetTask(ctx, r.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.KindOrder, task.Kind)
	assert.Equal(t, "c1", task.CustomerID)
	assert.Equal(t, models.Coord{Lat: 6.45, Lon: 3.39}, task.Pickup)
	require.NotNil(t, task.Dropoff)
	assert.Equal(t, models.Coord{Lat: 6.6, Lon: 3.35}, *task.Dropoff)

	_, active, err := f.o.Active(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestErrandFlowDeclinedAtConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.o.Begin(ctx, "c2", FlowErrand)
	require.NoError(t, err)
	f.say(t, "c2", "6.5,3.3")
	f.say(t, "c2", "Buy two loaves of bread")
	r := f.say(t, "c2", "no")
	assert.True(t, r.Done)
	assert.Empty(t, r.TaskID)
	assert.Empty(t, f.starter.started)

	tasks, err := f.store.ListTasks(ctx, storage.TaskFilter{CustomerID: "c2"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestExpiredSessionAsksToRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.o.Begin(ctx, "c3", FlowOrder)
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Minute)
	r, err := f.o.Input(ctx, "c3", Input{Text: "6.5,3.3"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Contains(t, r.Text, "/start")
}

func TestInputExtendsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.o.Begin(ctx, "c4", FlowErrand)
	require.NoError(t, err)

	f.clock = f.clock.Add(50 * time.Second)
	f.say(t, "c4", "6.5,3.3")
	f.clock = f.clock.Add(50 * time.Second)
	r := f.say(t, "c4", "Pick up my laundry")
	assert.Contains(t, r.Text, "Confirm")
}

func TestCancelDiscardsFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.o.Begin(ctx, "c5", FlowOrder)
	require.NoError(t, err)

	r, err := f.o.Cancel(ctx, "c5")
	require.NoError(t, err)
	assert.True(t, r.Done)

	_, err = f.o.Input(ctx, "c5", Input{Text: "6.5,3.3"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	r, err = f.o.Cancel(ctx, "c5")
	require.NoError(t, err)
	assert.False(t, r.Done)
}

func TestBeginRejectsUnknownFlowAndReregistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.o.Begin(ctx, "x", "teleport")
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, f.store.SaveWorker(ctx, &models.Worker{ID: "w1", Role: models.RoleRider}))
	_, err = f.o.Begin(ctx, "w1", FlowRegisterErrander)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestStartFailureStillSubmitsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.starter.err = errors.New("redis down")
	_, err := f.o.Begin(ctx, "c6", FlowErrand)
	require.NoError(t, err)
	f.say(t, "c6", "6.5,3.3")
	f.say(t, "c6", "Collect a parcel")
	r := f.say(t, "c6", "y")
	assert.True(t, r.Done)
	assert.Contains(t, r.Text, "/retry "+r.TaskID)
}
