package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/example/errand-matching/internal/bot"
	"github.com/example/errand-matching/internal/config"
	"github.com/example/errand-matching/internal/conversation"
	"github.com/example/errand-matching/internal/dispatch"
	"github.com/example/errand-matching/internal/geo"
	"github.com/example/errand-matching/internal/ingest"
	"github.com/example/errand-matching/internal/matcher"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/session"
	"github.com/example/errand-matching/internal/storage"
)

type apiFixture struct {
	srv   *Server
	store *storage.MemoryStore
	idx   *geo.Index
	neg   *matcher.Negotiator
	wsreg *dispatch.WSRegistry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store: storage.NewMemoryStore(),
		idx:   geo.NewIndex(),
		wsreg: dispatch.NewWSRegistry(),
	}
	f.neg = matcher.NewNegotiator(matcher.Deps{Tasks: f.store, Workers: f.store, Geo: f.idx, Notify: f.wsreg}, config.DefaultMatcherConfig())
	t.Cleanup(f.neg.Stop)
	conv := conversation.New(conversation.Deps{
		Sessions: session.NewManager(session.NewMemoryBackend(), config.DefaultSessionConfig(), nil),
		Workers:  f.store,
		Tasks:    f.store,
		Matcher:  f.neg,
	})
	locations := &ingest.Applier{Workers: f.store, Geo: f.idx}
	handler := bot.NewHandler(bot.Deps{
		Conversations: conv,
		Negotiator:    f.neg,
		Tasks:         f.store,
		Workers:       f.store,
		Geo:           f.idx,
		Locations:     locations,
	})
	f.srv = NewServer(Deps{
		Events:      handler,
		Offers:      f.neg,
		Tasks:       f.store,
		Locations:   locations,
		WSReg:       f.wsreg,
		BotUsername: "errand_bot",
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) addRider(t *testing.T, id string, loc models.Coord) {
	t.Helper()
	w := &models.Worker{ID: id, Role: models.RoleRider, Loc: loc, Available: true, Rating: 5}
	require.NoError(t, f.store.SaveWorker(context.Background(), w))
	require.NoError(t, f.idx.Upsert(context.Background(), *w))
}

func TestEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", `{"user_id":"5","text":"/errand"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Replies []bot.Reply `json:"replies"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Replies, 1)
	assert.Contains(t, out.Replies[0].Text, "Where is the errand")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodPost, "/api/v1/events", `{"text":"/help"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/events", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOfferRespondEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	f.addRider(t, "r1", models.Coord{Lat: 6.501, Lon: 3.3})
	f.addRider(t, "r2", models.Coord{Lat: 6.502, Lon: 3.3})
	task, err := f.store.CreateTask(ctx, &models.Task{Kind: models.KindOrder, CustomerID: "c", Pickup: models.Coord{Lat: 6.5, Lon: 3.3}})
	require.NoError(t, err)
	require.NoError(t, f.neg.Start(ctx, task.ID))

	rec := f.do(t, http.MethodPost, "/api/v1/offers/"+task.ID+"/respond", `{"worker_id":"r1","accept":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "r1", got.WorkerID)

	// repeated answers lose the offer CAS
	rec = f.do(t, http.MethodPost, "/api/v1/offers/"+task.ID+"/respond", `{"worker_id":"r1","accept":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/offers/"+task.ID+"/respond", `{"worker_id":"r2","accept":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/offers/"+task.ID+"/respond", `{"accept":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks?customer_id=c&status=accepted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Tasks []models.Task `json:"tasks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Tasks, 1)
	rec = f.do(t, http.MethodGet, "/api/v1/tasks?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		&models.ValidationError{Reason: "x"}:       http.StatusBadRequest,
		&models.NotFoundError{Entity: "task"}:      http.StatusNotFound,
		&models.ConflictError{Entity: "task"}:      http.StatusConflict,
		&models.DuplicateSessionError{UserID: "u"}: http.StatusConflict,
		&models.ExpiredError{Entity: "offer"}:      http.StatusGone,
		context.DeadlineExceeded:                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestWorkerLocationEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addRider(t, "r1", models.Coord{})

	rec := f.do(t, http.MethodPost, "/internal/workers/locations", `{"worker_id":"r1","loc":{"lat":1.5,"lon":2.5}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	w, ok := f.idx.Get("r1")
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 1.5, Lon: 2.5}, w.Loc)

	rec = f.do(t, http.MethodPost, "/internal/workers/locations", `{"worker_id":"ghost","loc":{"lat":1,"lon":1}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/internal/workers/locations", `{"worker_id":"r1","loc":{"lat":100,"lon":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportAndQR(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	_, err := f.store.CreateTask(ctx, &models.Task{Kind: models.KindErrand, CustomerID: "c", Description: "milk"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/reports/tasks.xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "tasks.xlsx")
	book, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	rows, err := book.GetRows("Tasks")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/qr/order", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "https://t.me/errand_bot?start=order", rec.Header().Get("X-Deep-Link"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = f.do(t, http.MethodGet, "/api/v1/qr/teleport", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	f.do(t, http.MethodGet, "/api/v1/tasks/x", "")
	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestWebSocketReceivesNotifications(t *testing.T) {
	f := newAPIFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.wsreg.Connected("u1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.wsreg.Notify(context.Background(), "u1", dispatch.Message{Kind: dispatch.KindInfo, Text: "hello"}))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg dispatch.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "hello", msg.Text)

	conn.Close()
	require.Eventually(t, func() bool { return !f.wsreg.Connected("u1") }, time.Second, 5*time.Millisecond)
}
