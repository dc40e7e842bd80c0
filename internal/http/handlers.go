package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/example/errand-matching/internal/bot"
	"github.com/example/errand-matching/internal/conversation"
	"github.com/example/errand-matching/internal/dispatch"
	"github.com/example/errand-matching/internal/ingest"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/report"
	"github.com/example/errand-matching/internal/storage"
)

type EventHandler interface {
	HandleEvent(ctx context.Context, ev bot.Event) []bot.Reply
}

type Responder interface {
	Respond(ctx context.Context, taskID, workerID string, accept bool) (*models.Task, error)
}

type Deps struct {
	Events      EventHandler
	Offers      Responder
	Tasks       storage.TaskStore
	Locations   ingest.Publisher
	WSReg       *dispatch.WSRegistry
	BotUsername string
	CORSOrigins []string
	Logger      *zap.Logger
}

type Server struct {
	events      EventHandler
	offers      Responder
	tasks       storage.TaskStore
	locations   ingest.Publisher
	wsreg       *dispatch.WSRegistry
	botUsername string
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	mux         *mux.Router
	handler     http.Handler
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		events:      d.Events,
		offers:      d.Offers,
		tasks:       d.Tasks,
		locations:   d.Locations,
		wsreg:       d.WSReg,
		botUsername: d.BotUsername,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	allowAll := slices.Contains(origins, "*")
	s.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		return allowAll || r.Header.Get("Origin") == "" || slices.Contains(origins, r.Header.Get("Origin"))
	}}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/events", s.handleEvent).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{task_id}/respond", s.handleOfferResponse).Methods("POST")
	s.mux.HandleFunc("/api/v1/tasks", s.handleListTasks).Methods("GET")
	s.mux.HandleFunc("/api/v1/tasks/{task_id}", s.handleGetTask).Methods("GET")
	s.mux.HandleFunc("/api/v1/reports/tasks.xlsx", s.handleTasksReport).Methods("GET")
	s.mux.HandleFunc("/api/v1/qr/{flow}", s.handleQR).Methods("GET")
	s.mux.HandleFunc("/internal/workers/locations", s.handleWorkerLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev bot.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if ev.UserID == "" {
		s.writeError(w, r, &models.ValidationError{Field: "user_id", Reason: "required"})
		return
	}
	replies := s.events.HandleEvent(r.Context(), ev)
	if replies == nil {
		replies = []bot.Reply{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

type offerResponse struct {
	WorkerID string `json:"worker_id"`
	Accept   bool   `json:"accept"`
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	var body offerResponse
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if body.WorkerID == "" {
		s.writeError(w, r, &models.ValidationError{Field: "worker_id", Reason: "required"})
		return
	}
	task, err := s.offers.Respond(r.Context(), mux.Vars(r)["task_id"], body.WorkerID, body.Accept)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// taskFilter reads customer_id, worker_id, status, since (RFC 3339) and limit.
func taskFilter(r *http.Request) (storage.TaskFilter, error) {
	q := r.URL.Query()
	f := storage.TaskFilter{
		CustomerID: q.Get("customer_id"),
		WorkerID:   q.Get("worker_id"),
		Status:     models.TaskStatus(q.Get("status")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &models.ValidationError{Field: "since", Reason: "must be RFC 3339"}
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &models.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f, err := taskFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	tasks, err := s.tasks.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTasksReport(w http.ResponseWriter, r *http.Request) {
	f, err := taskFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := s.tasks.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="tasks.xlsx"`)
	if err := report.TasksXLSX(w, tasks); err != nil {
		s.logger.Error("tasks report", zap.Error(err))
	}
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	flow := mux.Vars(r)["flow"]
	if !slices.Contains(conversation.Flows(), flow) {
		s.writeError(w, r, &models.NotFoundError{Entity: "flow", ID: flow})
		return
	}
	if s.botUsername == "" {
		http.Error(w, "bot username not configured", http.StatusServiceUnavailable)
		return
	}
	link := "https://t.me/" + s.botUsername + "?start=" + flow
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Deep-Link", link)
	w.Write(png)
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if err := s.locations.PublishLocation(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	s.wsreg.Add(id, conn)
	// reads only detect the close; clients do not send anything meaningful
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.wsreg.Remove(id, conn)
			conn.Close()
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, models.ErrExpired):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.requestLogger(r).Error("request failed", zap.String("route", routeTemplate(r)), zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
