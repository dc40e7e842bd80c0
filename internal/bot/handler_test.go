package bot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/errand-matching/internal/config"
	"github.com/example/errand-matching/internal/conversation"
	"github.com/example/errand-matching/internal/dispatch"
	"github.com/example/errand-matching/internal/geo"
	"github.com/example/errand-matching/internal/matcher"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/session"
	"github.com/example/errand-matching/internal/storage"
)

type inbox struct {
	mu   sync.Mutex
	msgs map[string][]dispatch.Message
}

func (i *inbox) Notify(_ context.Context, userID string, msg dispatch.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs[userID] = append(i.msgs[userID], msg)
	return nil
}

func (i *inbox) last(userID string) dispatch.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	m := i.msgs[userID]
	if len(m) == 0 {
		return dispatch.Message{}
	}
	return m[len(m)-1]
}

type botFixture struct {
	h     *Handler
	store *storage.MemoryStore
	idx   *geo.Index
	neg   *matcher.Negotiator
	inbox *inbox
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	return newBotFixtureWith(t, config.DefaultMatcherConfig())
}

func newBotFixtureWith(t *testing.T, cfg config.MatcherConfig) *botFixture {
	t.Helper()
	f := &botFixture{
		store: storage.NewMemoryStore(),
		idx:   geo.NewIndex(),
		inbox: &inbox{msgs: make(map[string][]dispatch.Message)},
	}
	f.neg = matcher.NewNegotiator(matcher.Deps{
		Tasks:   f.store,
		Workers: f.store,
		Geo:     f.idx,
		Notify:  f.inbox,
	}, cfg)
	t.Cleanup(f.neg.Stop)

	sessions := session.NewManager(session.NewMemoryBackend(), config.DefaultSessionConfig(), nil)
	conv := conversation.New(conversation.Deps{
		Sessions: sessions,
		Workers:  f.store,
		Tasks:    f.store,
		Matcher:  f.neg,
	})
	f.h = NewHandler(Deps{
		Conversations: conv,
		Negotiator:    f.neg,
		Tasks:         f.store,
		Workers:       f.store,
		Geo:           f.idx,
	})
	return f
}

func (f *botFixture) send(t *testing.T, user, text string) string {
	t.Helper()
	replies := f.h.HandleEvent(context.Background(), Event{UserID: user, Text: text})
	var parts []string
	for _, r := range replies {
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, "\n")
}

func (f *botFixture) registerRider(t *testing.T, id string, loc models.Coord) {
	t.Helper()
	f.register(t, id)
	replies := f.h.HandleEvent(context.Background(), Event{UserID: id, Location: &loc})
	require.Len(t, replies, 1)
	require.Equal(t, "Location updated.", replies[0].Text)
}

func (f *botFixture) register(t *testing.T, id string) {
	t.Helper()
	f.send(t, id, "/register_rider")
	f.send(t, id, "Rider "+id)
	f.send(t, id, "+15551234567")
	f.send(t, id, "12345678")
	f.send(t, id, "ID-123456")
	out := f.send(t, id, "https://example.com/p.jpg")
	require.Contains(t, out, "registered")
}

func TestOrderToCompletionThroughCommands(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.registerRider(t, "100", models.Coord{Lat: 6.501, Lon: 3.3})

	f.send(t, "200", "/order")
	f.send(t, "200", "6.5,3.3")
	f.send(t, "200", "6.6,3.4")
	out := f.send(t, "200", "yes")
	assert.Contains(t, out, "Submitted")

	tasks, err := f.store.ListTasks(ctx, storage.TaskFilter{CustomerID: "200"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	taskID := tasks[0].ID

	offer := f.inbox.last("100")
	require.Equal(t, dispatch.KindOffer, offer.Kind)
	assert.Equal(t, taskID, offer.Data["task_id"])

	out = f.send(t, "100", "/accept "+taskID)
	assert.Contains(t, out, "is yours")

	assert.Contains(t, f.send(t, "200", "/status "+taskID), "accepted, worker 100")
	assert.Equal(t, "Not found.", f.send(t, "300", "/status "+taskID))

	assert.Contains(t, f.send(t, "100", "/pickup "+taskID), "in_progress")
	assert.Contains(t, f.send(t, "100", "/complete "+taskID), "completed")

	w, err := f.store.GetWorker(ctx, "100")
	require.NoError(t, err)
	assert.Empty(t, w.AssignedTasks)
	assert.True(t, w.Available)
}

func TestDeclineAndLateAccept(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.registerRider(t, "100", models.Coord{Lat: 6.501, Lon: 3.3})

	task, err := f.store.CreateTask(ctx, &models.Task{Kind: models.KindOrder, CustomerID: "200", Pickup: models.Coord{Lat: 6.5, Lon: 3.3}})
	require.NoError(t, err)
	require.NoError(t, f.neg.Start(ctx, task.ID))

	assert.Equal(t, "Offer declined.", f.send(t, "100", "/decline "+task.ID))
	out := f.send(t, "100", "/accept "+task.ID)
	assert.NotContains(t, out, "is yours")

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExhausted, got.Status)
	assert.Equal(t, dispatch.KindTaskExhausted, f.inbox.last("200").Kind)
}

func TestAvailabilityToggle(t *testing.T) {
	f := newBotFixture(t)
	assert.Contains(t, f.send(t, "9", "/available on"), "not registered")

	f.registerRider(t, "100", models.Coord{Lat: 1, Lon: 1})
	assert.Contains(t, f.send(t, "100", "/available off"), "not receive")
	w, ok := f.idx.Get("100")
	require.True(t, ok)
	assert.False(t, w.Available)

	assert.Contains(t, f.send(t, "100", "/available on"), "will receive")
	assert.Equal(t, "Usage: /available on|off", f.send(t, "100", "/available maybe"))
}

func TestWorkerJoinsIndexOnFirstLocation(t *testing.T) {
	f := newBotFixture(t)
	f.register(t, "100")
	_, ok := f.idx.Get("100")
	assert.False(t, ok)

	assert.Contains(t, f.send(t, "100", "/available on"), "Share your location")
	_, ok = f.idx.Get("100")
	assert.False(t, ok)

	assert.Equal(t, "Location updated.", f.send(t, "100", "/location 6.5, 3.3"))
	w, ok := f.idx.Get("100")
	require.True(t, ok)
	assert.True(t, w.Available)
	assert.Equal(t, models.Coord{Lat: 6.5, Lon: 3.3}, w.Loc)
}

func TestBusyWorkerAvailabilityFollowsExclusiveRoles(t *testing.T) {
	ctx := context.Background()

	f := newBotFixture(t)
	f.registerRider(t, "100", models.Coord{Lat: 1, Lon: 1})
	require.NoError(t, f.store.AssignTask(ctx, "100", "t1", false))
	assert.Contains(t, f.send(t, "100", "/available on"), "Finish your current task")

	cfg := config.DefaultMatcherConfig()
	cfg.ExclusiveRoles = []string{string(models.RoleErrander)}
	f = newBotFixtureWith(t, cfg)
	f.registerRider(t, "100", models.Coord{Lat: 1, Lon: 1})
	require.NoError(t, f.store.AssignTask(ctx, "100", "t1", false))
	assert.Contains(t, f.send(t, "100", "/available on"), "will receive")
}

func TestCommandParsing(t *testing.T) {
	f := newBotFixture(t)
	assert.Contains(t, f.send(t, "1", "/help@errand_bot"), "/register_rider")
	assert.Contains(t, f.send(t, "1", "/nope"), "Unknown command")
	assert.Equal(t, "Usage: /accept <task>", f.send(t, "1", "/accept"))
	assert.Contains(t, f.send(t, "1", "/location 95,1"), "out of range")
	assert.Contains(t, f.send(t, "1", "/location 6.5, 3.3"), "Only registered workers")
	assert.Contains(t, f.send(t, "1", "hello"), "/start")

	// deep link payload starts the flow directly
	assert.Contains(t, f.send(t, "1", "/start errand"), "Where is the errand")
	assert.Equal(t, "Canceled.", f.send(t, "1", "/cancel"))
}

func TestCancelTaskByCustomer(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	task, err := f.store.CreateTask(ctx, &models.Task{Kind: models.KindErrand, CustomerID: "200", Pickup: models.Coord{Lat: 1, Lon: 1}, Description: "x"})
	require.NoError(t, err)

	assert.NotEmpty(t, f.send(t, "201", "/cancel_task "+task.ID))
	assert.Empty(t, f.send(t, "200", "/cancel_task "+task.ID))
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.Status)
}

func TestEventsFromOneUserAreSerialised(t *testing.T) {
	f := newBotFixture(t)
	f.send(t, "c", "/errand")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies := f.h.HandleEvent(context.Background(), Event{UserID: "c", Text: "/status nope"})
			assert.Equal(t, []Reply{{Text: "Not found."}}, replies)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, f.h.users.Len())
}
