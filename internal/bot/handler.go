package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/errand-matching/internal/conversation"
	"github.com/example/errand-matching/internal/geo"
	"github.com/example/errand-matching/internal/ingest"
	"github.com/example/errand-matching/internal/keylock"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/storage"
)

// Event is one inbound chat message or button press, transport-neutral.
type Event struct {
	UserID   string        `json:"user_id"`
	Text     string        `json:"text,omitempty"`
	Location *models.Coord `json:"location,omitempty"`
	PhotoRef string        `json:"photo_ref,omitempty"`
	Phone    string        `json:"phone,omitempty"`
}

// Reply is a message for the user who sent the event.
type Reply struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Negotiator is the task-side surface the bot drives.
type Negotiator interface {
	Respond(ctx context.Context, taskID, workerID string, accept bool) (*models.Task, error)
	Cancel(ctx context.Context, taskID, customerID string) (*models.Task, error)
	Retry(ctx context.Context, taskID string) error
	Progress(ctx context.Context, taskID, workerID string, next models.TaskStatus) (*models.Task, error)
	Exclusive(role models.Role) bool
}

type Deps struct {
	Conversations *conversation.Orchestrator
	Negotiator    Negotiator
	Tasks         storage.TaskStore
	Workers       storage.WorkerStore
	Geo           geo.Geo
	Locations     ingest.Publisher
	Logger        *zap.Logger
}

// Handler routes inbound events. Events from one user are handled one at a
// time in arrival order; different users proceed concurrently.
type Handler struct {
	conv      *conversation.Orchestrator
	neg       Negotiator
	tasks     storage.TaskStore
	workers   storage.WorkerStore
	geo       geo.Geo
	locations ingest.Publisher
	logger    *zap.Logger
	users     *keylock.Map
	now       func() time.Time
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locations := d.Locations
	if locations == nil {
		locations = &ingest.Applier{Workers: d.Workers, Geo: d.Geo}
	}
	return &Handler{
		conv:      d.Conversations,
		neg:       d.Negotiator,
		tasks:     d.Tasks,
		workers:   d.Workers,
		geo:       d.Geo,
		locations: locations,
		logger:    logger,
		users:     keylock.New(),
		now:       time.Now,
	}
}

const helpText = `Customers:
/order - request a delivery
/errand - request an errand
/status <task> - check a task
/cancel_task <task> - cancel a task
/retry <task> - search again after no one accepted

Workers:
/register_rider or /register_errander - sign up
/location <lat>,<lng> - update your position
/available on|off - toggle new offers
/accept <task> and /decline <task> - answer an offer
/pickup <task> and /complete <task> - progress an accepted task

/cancel - abandon the current conversation`

// HandleEvent processes ev and returns the replies for its sender.
func (h *Handler) HandleEvent(ctx context.Context, ev Event) []Reply {
	if ev.UserID == "" {
		return nil
	}
	unlock := h.users.Lock(ev.UserID)
	defer unlock()

	text := strings.TrimSpace(ev.Text)
	if strings.HasPrefix(text, "/") {
		cmd, args := splitCommand(text)
		return h.command(ctx, ev, cmd, args)
	}

	_, active, err := h.conv.Active(ctx, ev.UserID)
	if err != nil {
		return h.fail(ev, err)
	}
	if !active && ev.Location != nil {
		// a bare shared location outside a flow is a position update
		return h.updateLocation(ctx, ev.UserID, *ev.Location)
	}
	r, err := h.conv.Input(ctx, ev.UserID, conversation.Input{
		Text:     text,
		Location: ev.Location,
		PhotoRef: ev.PhotoRef,
		Phone:    ev.Phone,
	})
	return h.flowReply(ev, r, err)
}

// splitCommand separates "/cmd@bot arg1 arg2" into "cmd" and its arguments.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), fields[1:]
}

func (h *Handler) command(ctx context.Context, ev Event, cmd string, args []string) []Reply {
	switch cmd {
	case "start":
		if len(args) == 1 {
			// deep link payload, e.g. t.me/bot?start=order
			return h.begin(ctx, ev, args[0])
		}
		return []Reply{{Text: "Welcome! What would you like to do?", Options: []string{"/order", "/errand", "/register_rider", "/register_errander"}}}
	case "help":
		return []Reply{{Text: helpText}}
	case conversation.FlowRegisterRider, conversation.FlowRegisterErrander, conversation.FlowOrder, conversation.FlowErrand:
		return h.begin(ctx, ev, cmd)
	case "cancel":
		r, err := h.conv.Cancel(ctx, ev.UserID)
		return h.flowReply(ev, r, err)
	case "accept", "decline":
		taskID, ok := oneArg(args)
		if !ok {
			return usage("/" + cmd + " <task>")
		}
		return h.respond(ctx, ev, taskID, cmd == "accept")
	case "location":
		c, err := conversation.ParseCoord(strings.Join(args, ""))
		if err != nil {
			return h.fail(ev, err)
		}
		return h.updateLocation(ctx, ev.UserID, c)
	case "available":
		on, ok := oneArg(args)
		if !ok || (on != "on" && on != "off") {
			return usage("/available on|off")
		}
		return h.setAvailable(ctx, ev, on == "on")
	case "status":
		taskID, ok := oneArg(args)
		if !ok {
			return usage("/status <task>")
		}
		return h.status(ctx, ev, taskID)
	case "pickup", "complete":
		taskID, ok := oneArg(args)
		if !ok {
			return usage("/" + cmd + " <task>")
		}
		next := models.StatusInProgress
		if cmd == "complete" {
			next = models.StatusCompleted
		}
		task, err := h.neg.Progress(ctx, taskID, ev.UserID, next)
		if err != nil {
			return h.fail(ev, err)
		}
		return []Reply{{Text: fmt.Sprintf("Task %s is now %s.", task.ID, task.Status)}}
	case "cancel_task":
		taskID, ok := oneArg(args)
		if !ok {
			return usage("/cancel_task <task>")
		}
		if _, err := h.neg.Cancel(ctx, taskID, ev.UserID); err != nil {
			return h.fail(ev, err)
		}
		// the negotiator notifies the customer itself
		return nil
	case "retry":
		taskID, ok := oneArg(args)
		if !ok {
			return usage("/retry <task>")
		}
		return h.retry(ctx, ev, taskID)
	}
	return []Reply{{Text: "Unknown command. Send /help for the list."}}
}

func oneArg(args []string) (string, bool) {
	if len(args) != 1 || args[0] == "" {
		return "", false
	}
	return args[0], true
}

func usage(u string) []Reply { return []Reply{{Text: "Usage: " + u}} }

func (h *Handler) begin(ctx context.Context, ev Event, flow string) []Reply {
	r, err := h.conv.Begin(ctx, ev.UserID, flow)
	return h.flowReply(ev, r, err)
}

// flowReply prefers the orchestrator's own wording for expected failures.
func (h *Handler) flowReply(ev Event, r conversation.Reply, err error) []Reply {
	if err != nil && r.Text == "" {
		return h.fail(ev, err)
	}
	if err != nil && !expected(err) {
		h.logger.Error("conversation step failed", zap.String("user_id", ev.UserID), zap.Error(err))
	}
	if r.Text == "" {
		return nil
	}
	return []Reply{{Text: r.Text}}
}

func (h *Handler) respond(ctx context.Context, ev Event, taskID string, accept bool) []Reply {
	task, err := h.neg.Respond(ctx, taskID, ev.UserID, accept)
	if err != nil {
		return h.fail(ev, err)
	}
	if !accept {
		return []Reply{{Text: "Offer declined."}}
	}
	msg := fmt.Sprintf("Task %s is yours. Pickup at %.5f,%.5f.", task.ID, task.Pickup.Lat, task.Pickup.Lon)
	if task.Description != "" {
		msg += "\n" + task.Description
	}
	return []Reply{{Text: msg + "\nSend /pickup " + task.ID + " when you start."}}
}

func (h *Handler) updateLocation(ctx context.Context, userID string, c models.Coord) []Reply {
	err := h.locations.PublishLocation(ctx, models.LocationUpdate{WorkerID: userID, Loc: c, At: h.now().UTC()})
	if errors.Is(err, models.ErrNotFound) {
		return []Reply{{Text: "Only registered workers can share a location. Use /register_rider or /register_errander."}}
	}
	if err != nil {
		return h.fail(Event{UserID: userID}, err)
	}
	return []Reply{{Text: "Location updated."}}
}

func (h *Handler) setAvailable(ctx context.Context, ev Event, on bool) []Reply {
	w, err := h.workers.GetWorker(ctx, ev.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return []Reply{{Text: "You are not registered as a worker."}}
	}
	if err != nil {
		return h.fail(ev, err)
	}
	if on && len(w.AssignedTasks) > 0 && h.neg.Exclusive(w.Role) {
		return []Reply{{Text: "Finish your current task before taking new offers."}}
	}
	if err := h.workers.SetAvailability(ctx, w.ID, on); err != nil {
		return h.fail(ev, err)
	}
	w.Available = on
	if err := h.geo.SetAvailable(ctx, w.ID, on); errors.Is(err, models.ErrNotFound) {
		if w.Loc.IsZero() {
			if on {
				return []Reply{{Text: "Share your location with /location lat,lng to start receiving offers."}}
			}
			return []Reply{{Text: "You will not receive new offers."}}
		}
		if err := h.geo.Upsert(ctx, *w); err != nil {
			return h.fail(ev, err)
		}
	} else if err != nil {
		return h.fail(ev, err)
	}
	if on {
		return []Reply{{Text: "You will receive new offers."}}
	}
	return []Reply{{Text: "You will not receive new offers."}}
}

func (h *Handler) status(ctx context.Context, ev Event, taskID string) []Reply {
	task, err := h.tasks.GetTask(ctx, taskID)
	if err == nil && task.CustomerID != ev.UserID && task.WorkerID != ev.UserID {
		// other users' tasks are indistinguishable from missing ones
		err = &models.NotFoundError{Entity: "task", ID: taskID}
	}
	if err != nil {
		return h.fail(ev, err)
	}
	text := fmt.Sprintf("Task %s (%s): %s", task.ID, task.Kind, task.Status)
	if task.WorkerID != "" && task.CustomerID == ev.UserID {
		text += ", worker " + task.WorkerID
	}
	return []Reply{{Text: text}}
}

func (h *Handler) retry(ctx context.Context, ev Event, taskID string) []Reply {
	task, err := h.tasks.GetTask(ctx, taskID)
	if err == nil && task.CustomerID != ev.UserID {
		err = &models.NotFoundError{Entity: "task", ID: taskID}
	}
	if err != nil {
		return h.fail(ev, err)
	}
	if err := h.neg.Retry(ctx, taskID); err != nil {
		return h.fail(ev, err)
	}
	return []Reply{{Text: "Searching again."}}
}

func expected(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrConflict) ||
		errors.Is(err, models.ErrExpired) ||
		errors.Is(err, models.ErrDuplicateSession)
}

// fail turns an error into a user-facing reply. Unexpected errors are logged
// and reported generically.
func (h *Handler) fail(ev Event, err error) []Reply {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return []Reply{{Text: verr.Reason}}
	case errors.Is(err, models.ErrExpired):
		return []Reply{{Text: "That offer has expired."}}
	case errors.Is(err, models.ErrNotFound):
		return []Reply{{Text: "Not found."}}
	case errors.Is(err, models.ErrConflict):
		return []Reply{{Text: "That is no longer possible, the task has moved on."}}
	case errors.Is(err, models.ErrDuplicateSession):
		return []Reply{{Text: "Finish or /cancel your current conversation first."}}
	}
	h.logger.Error("event failed", zap.String("user_id", ev.UserID), zap.String("text", ev.Text), zap.Error(err))
	return []Reply{{Text: "Something went wrong, please try again."}}
}
