package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/observability"
	"github.com/example/errand-matching/internal/secure"
	"github.com/example/errand-matching/internal/session"
	"github.com/example/errand-matching/internal/storage"
)

const restartText = "Your conversation expired or was never started. Send /start to begin again."

// Starter opens negotiation for a freshly created task.
type Starter interface {
	Start(ctx context.Context, taskID string) error
}

// Input is one user message as seen by a flow step.
type Input struct {
	Text     string
	Location *models.Coord
	PhotoRef string
	Phone    string
}

// Reply is what the user should be told after an input.
type Reply struct {
	Text     string
	Done     bool
	TaskID   string
	WorkerID string
}

type Deps struct {
	Sessions *session.Manager
	Workers  storage.WorkerStore
	Tasks    storage.TaskStore
	Matcher  Starter
	Sealer   secure.Sealer
	Logger   *zap.Logger
}

// Orchestrator drives registration, order and errand flows. Flow position
// lives in the session payload, so any process sharing the session backend
// can continue a conversation.
type Orchestrator struct {
	sessions *session.Manager
	workers  storage.WorkerStore
	tasks    storage.TaskStore
	matcher  Starter
	sealer   secure.Sealer
	logger   *zap.Logger
	now      func() time.Time
}

func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sessions: d.Sessions,
		workers:  d.Workers,
		tasks:    d.Tasks,
		matcher:  d.Matcher,
		sealer:   d.Sealer,
		logger:   logger,
		now:      time.Now,
	}
}

// Begin opens flowName for userID and returns the first prompt. Under the
// replace collision policy any flow already in progress is discarded.
func (o *Orchestrator) Begin(ctx context.Context, userID, flowName string) (Reply, error) {
	f, ok := flows[flowName]
	if !ok {
		return Reply{Text: "Unknown flow."}, &models.ValidationError{Field: "flow", Reason: fmt.Sprintf("unknown flow %q", flowName)}
	}
	if f.registration() {
		w, err := o.workers.GetWorker(ctx, userID)
		if err == nil {
			return Reply{Text: fmt.Sprintf("You are already registered as a %s.", w.Role)},
				&models.ConflictError{Entity: "worker", ID: userID, Expected: "unregistered", Actual: string(w.Role)}
		}
		if !errors.Is(err, models.ErrNotFound) {
			return Reply{}, err
		}
	}
	first := f.steps[0]
	_, err := o.sessions.Create(ctx, userID, map[string]string{keyFlow: f.name, keyStep: first.name}, 0)
	if errors.Is(err, models.ErrDuplicateSession) {
		return Reply{Text: "Finish or /cancel your current conversation first."}, err
	}
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: first.prompt(nil)}, nil
}

// Active reports the flow userID is in, if any.
func (o *Orchestrator) Active(ctx context.Context, userID string) (string, bool, error) {
	s, err := o.sessions.Get(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.Payload[keyFlow], true, nil
}

// Cancel discards the conversation at whatever step it is in.
func (o *Orchestrator) Cancel(ctx context.Context, userID string) (Reply, error) {
	s, err := o.sessions.Get(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return Reply{Text: "Nothing to cancel."}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	if err := o.sessions.Destroy(ctx, s.ID); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Canceled.", Done: true}, nil
}

// Input feeds one message to the user's active flow. A rejected value
// returns the re-prompt together with the *models.ValidationError and does
// not advance. A missing or expired session returns the restart hint with
// the *models.NotFoundError.
func (o *Orchestrator) Input(ctx context.Context, userID string, in Input) (Reply, error) {
	s, err := o.sessions.Get(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return Reply{Text: restartText}, err
	}
	if err != nil {
		return Reply{}, err
	}
	f, ok := flows[s.Payload[keyFlow]]
	idx := -1
	if ok {
		idx = f.index(s.Payload[keyStep])
	}
	if idx < 0 {
		o.logger.Warn("session with unknown flow position", zap.String("user_id", userID),
			zap.String("flow", s.Payload[keyFlow]), zap.String("step", s.Payload[keyStep]))
		_ = o.sessions.Destroy(ctx, s.ID)
		return Reply{Text: restartText}, &models.NotFoundError{Entity: "session", ID: s.ID}
	}
	cur := f.steps[idx]

	value, err := cur.parse(in)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			return Reply{Text: verr.Reason + "\n" + cur.prompt(s.Payload)}, err
		}
		return Reply{}, err
	}
	if cur.sealed && o.sealer != nil {
		if value, err = o.sealer.Seal(value); err != nil {
			return Reply{}, fmt.Errorf("seal %s: %w", cur.name, err)
		}
	}

	if idx == len(f.steps)-1 {
		payload := make(map[string]string, len(s.Payload)+1)
		for k, v := range s.Payload {
			payload[k] = v
		}
		payload[cur.name] = value
		return o.finish(ctx, f, s, payload)
	}

	next := f.steps[idx+1]
	s, err = o.sessions.Update(ctx, s.ID, map[string]string{cur.name: value, keyStep: next.name})
	if errors.Is(err, models.ErrNotFound) {
		return Reply{Text: restartText}, err
	}
	if err != nil {
		return Reply{}, err
	}
	if _, err := o.sessions.Extend(ctx, s.ID, 0); err != nil && !errors.Is(err, models.ErrNotFound) {
		return Reply{}, err
	}
	return Reply{Text: next.prompt(s.Payload)}, nil
}

func (o *Orchestrator) finish(ctx context.Context, f *flow, s *models.Session, p map[string]string) (Reply, error) {
	if f.registration() {
		return o.finishRegistration(ctx, f, s, p)
	}
	if p["confirm"] != "yes" {
		if err := o.sessions.Destroy(ctx, s.ID); err != nil {
			return Reply{}, err
		}
		return Reply{Text: "Discarded. Nothing was submitted.", Done: true}, nil
	}
	return o.finishTask(ctx, f, s, p)
}

func (o *Orchestrator) finishRegistration(ctx context.Context, f *flow, s *models.Session, p map[string]string) (Reply, error) {
	w := &models.Worker{
		ID:          s.UserID,
		Role:        f.role,
		Name:        p["name"],
		Phone:       p["phone"],
		BankDetails: p["bank"],
		IdentityDoc: p["identity"],
		PhotoRef:    p["photo"],
		Available:   true,
		Rating:      5,
		Updated:     o.now(),
	}
	// the geo index picks the worker up from the first shared location
	if err := o.workers.SaveWorker(ctx, w); err != nil {
		return Reply{}, err
	}
	if err := o.sessions.Destroy(ctx, s.ID); err != nil {
		return Reply{}, err
	}
	observability.FlowsCompleted.WithLabelValues(f.name).Inc()
	o.logger.Info("worker registered", zap.String("worker_id", w.ID), zap.String("role", string(w.Role)))
	return Reply{
		Text:     fmt.Sprintf("Welcome, %s! You are registered as a %s. Share your location with /location lat,lng to start receiving offers.", w.Name, w.Role),
		Done:     true,
		WorkerID: w.ID,
	}, nil
}

func (o *Orchestrator) finishTask(ctx context.Context, f *flow, s *models.Session, p map[string]string) (Reply, error) {
	draft := &models.Task{Kind: f.kind, CustomerID: s.UserID}
	var err error
	switch f.kind {
	case models.KindOrder:
		if draft.Pickup, err = ParseCoord(p["pickup"]); err != nil {
			return Reply{}, err
		}
		drop, err := ParseCoord(p["dropoff"])
		if err != nil {
			return Reply{}, err
		}
		draft.Dropoff = &drop
	case models.KindErrand:
		if draft.Pickup, err = ParseCoord(p["location"]); err != nil {
			return Reply{}, err
		}
		draft.Description = p["description"]
	}
	task, err := o.tasks.CreateTask(ctx, draft)
	if err != nil {
		return Reply{}, err
	}
	if err := o.sessions.Destroy(ctx, s.ID); err != nil {
		o.logger.Warn("destroy finished session", zap.String("session_id", s.ID), zap.Error(err))
	}
	observability.FlowsCompleted.WithLabelValues(f.name).Inc()

	reply := Reply{Done: true, TaskID: task.ID, Text: fmt.Sprintf("Submitted as %s. Looking for a %s nearby.", task.ID, f.kind.WorkerRole())}
	if err := o.matcher.Start(ctx, task.ID); err != nil {
		o.logger.Error("start negotiation", zap.String("task_id", task.ID), zap.Error(err))
		reply.Text = fmt.Sprintf("Submitted as %s, but matching could not start. Try /retry %s.", task.ID, task.ID)
	}
	return reply, nil
}
