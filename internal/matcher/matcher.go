package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/errand-matching/internal/config"
	"github.com/example/errand-matching/internal/dispatch"
	"github.com/example/errand-matching/internal/eta"
	"github.com/example/errand-matching/internal/geo"
	"github.com/example/errand-matching/internal/keylock"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/observability"
	"github.com/example/errand-matching/internal/storage"
)

// Negotiator runs the time-boxed offer/accept protocol for tasks. Every
// mutation of one task happens under that task's lock; the stores' CAS
// operations make the outcome safe across processes as well.
type Negotiator struct {
	tasks   storage.TaskStore
	workers storage.WorkerStore
	geo     geo.Geo
	offers  OfferStore
	notify  dispatch.Notifier
	eta     *eta.Estimator
	cfg     config.MatcherConfig
	logger  *zap.Logger
	now     func() time.Time

	exclusive map[models.Role]bool
	locks     *keylock.Map

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

type Deps struct {
	Tasks   storage.TaskStore
	Workers storage.WorkerStore
	Geo     geo.Geo
	Offers  OfferStore
	Notify  dispatch.Notifier
	ETA     *eta.Estimator
	Logger  *zap.Logger
}

func NewNegotiator(d Deps, cfg config.MatcherConfig) *Negotiator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Offers == nil {
		d.Offers = NewMemoryOfferStore()
	}
	if d.Notify == nil {
		d.Notify = &dispatch.LogNotifier{Logger: d.Logger}
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 1
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if cfg.RetryRounds <= 0 {
		cfg.RetryRounds = 1
	}
	if cfg.RadiusMultiplier < 1 {
		cfg.RadiusMultiplier = 1
	}
	ex := make(map[models.Role]bool, len(cfg.ExclusiveRoles))
	for _, r := range cfg.ExclusiveRoles {
		ex[models.Role(r)] = true
	}
	return &Negotiator{
		tasks:     d.Tasks,
		workers:   d.Workers,
		geo:       d.Geo,
		offers:    d.Offers,
		notify:    d.Notify,
		eta:       d.ETA,
		cfg:       cfg,
		logger:    d.Logger,
		now:       time.Now,
		exclusive: ex,
		locks:     keylock.New(),
		timers:    make(map[string]*time.Timer),
	}
}

// outbound is a notification queued while the task lock is held and sent
// after it is released.
type outbound struct {
	userID string
	msg    dispatch.Message
}

type outbox []outbound

func (o *outbox) add(userID string, msg dispatch.Message) {
	*o = append(*o, outbound{userID: userID, msg: msg})
}

func (n *Negotiator) flush(ctx context.Context, out outbox) {
	if len(out) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(n.cfg.FanOut + 4)
	for _, o := range out {
		o := o
		g.Go(func() error {
			if err := n.notify.Notify(ctx, o.userID, o.msg); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
				n.logger.Warn("notification not delivered",
					zap.String("user_id", o.userID),
					zap.String("kind", o.msg.Kind),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Start opens negotiation for a pending task.
func (n *Negotiator) Start(ctx context.Context, taskID string) error {
	unlock := n.locks.Lock(taskID)
	var out outbox
	err := n.startLocked(ctx, taskID, &out)
	unlock()
	n.flush(ctx, out)
	return err
}

func (n *Negotiator) startLocked(ctx context.Context, taskID string, out *outbox) error {
	task, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.StatusPending {
		return &models.ConflictError{Entity: "task", ID: taskID, Expected: string(models.StatusPending), Actual: string(task.Status)}
	}
	if task.Round == 0 {
		task.Round = 1
		if err := n.tasks.SetRound(ctx, taskID, 1); err != nil {
			return err
		}
	}
	n.logger.Info("negotiation started", zap.String("task_id", taskID), zap.String("kind", string(task.Kind)))
	return n.fillLocked(ctx, task, out)
}

func (n *Negotiator) radiusFor(round int) float64 {
	return n.cfg.BaseRadiusM * math.Pow(n.cfg.RadiusMultiplier, float64(round-1))
}

// fillLocked keeps up to FanOut offers outstanding, walking candidates in
// order, widening the radius round by round, and exhausting the task when
// the rounds run out with nothing left pending.
func (n *Negotiator) fillLocked(ctx context.Context, task *models.Task, out *outbox) error {
	offers, err := n.offers.ListByTask(ctx, task.ID)
	if err != nil {
		return err
	}
	tried := make(map[string]bool, len(offers))
	pending, inRound := 0, 0
	for _, o := range offers {
		tried[o.WorkerID] = true
		if o.Outcome == models.OfferPending {
			pending++
		}
		if o.Round == task.Round {
			inRound++
		}
	}
	role := task.Kind.WorkerRole()

	for pending < n.cfg.FanOut {
		var next *geo.Candidate
		if inRound < n.cfg.MaxCandidates {
			cands, err := n.geo.FindCandidates(ctx, task.Origin(), role, n.radiusFor(task.Round), len(tried)+n.cfg.MaxCandidates)
			if err != nil {
				return fmt.Errorf("find candidates: %w", err)
			}
			for i := range cands {
				if !tried[cands[i].Worker.ID] {
					next = &cands[i]
					break
				}
			}
		}
		if next == nil {
			if pending > 0 {
				// wait for outstanding offers before widening
				return nil
			}
			if task.Round >= n.cfg.RetryRounds {
				return n.exhaustLocked(ctx, task, out)
			}
			task.Round++
			inRound = 0
			if err := n.tasks.SetRound(ctx, task.ID, task.Round); err != nil {
				return err
			}
			n.logger.Debug("negotiation round widened",
				zap.String("task_id", task.ID),
				zap.Int("round", task.Round),
				zap.Float64("radius_m", n.radiusFor(task.Round)))
			continue
		}
		if err := n.issueLocked(ctx, task, *next, out); err != nil {
			if errors.Is(err, models.ErrConflict) {
				// offered concurrently elsewhere, skip the worker
				tried[next.Worker.ID] = true
				continue
			}
			return err
		}
		tried[next.Worker.ID] = true
		pending++
		inRound++
	}
	return nil
}

func (n *Negotiator) issueLocked(ctx context.Context, task *models.Task, c geo.Candidate, out *outbox) error {
	now := n.now()
	o := &models.Offer{
		TaskID:     task.ID,
		WorkerID:   c.Worker.ID,
		Round:      task.Round,
		IssuedAt:   now,
		Deadline:   now.Add(n.cfg.OfferWindow),
		Outcome:    models.OfferPending,
		DistanceM:  c.DistanceM,
		ETASeconds: n.eta.Seconds(ctx, c.Worker.Loc, task.Origin()),
	}
	if err := n.offers.Create(ctx, o); err != nil {
		return err
	}
	if task.Status == models.StatusPending {
		updated, err := n.tasks.SetStatus(ctx, task.ID, models.StatusPending, models.StatusOffered)
		if err != nil {
			_, _ = n.offers.Resolve(ctx, o.TaskID, o.WorkerID, models.OfferPending, models.OfferExpired)
			return err
		}
		task.Status = updated.Status
	}
	n.armTimer(o)
	observability.OffersIssued.WithLabelValues(string(c.Worker.Role)).Inc()
	n.logger.Info("offer issued",
		zap.String("task_id", task.ID),
		zap.String("worker_id", o.WorkerID),
		zap.Int("round", o.Round),
		zap.Float64("distance_m", o.DistanceM))
	out.add(o.WorkerID, offerMessage(task, o, n.cfg.OfferWindow))
	return nil
}

func (n *Negotiator) exhaustLocked(ctx context.Context, task *models.Task, out *outbox) error {
	if _, err := n.tasks.SetStatus(ctx, task.ID, task.Status, models.StatusExhausted); err != nil {
		return err
	}
	task.Status = models.StatusExhausted
	observability.TasksExhausted.Inc()
	n.logger.Info("task exhausted", zap.String("task_id", task.ID), zap.Int("rounds", task.Round))
	out.add(task.CustomerID, dispatch.Message{
		Kind: dispatch.KindTaskExhausted,
		Text: fmt.Sprintf("No %s accepted your %s. Send /retry %s to try again or /cancel_task %s.", task.Kind.WorkerRole(), task.Kind, task.ID, task.ID),
		Data: map[string]string{"task_id": task.ID},
	})
	return nil
}

// Respond records a worker's answer to an offer. An accept that loses the
// race returns *models.ConflictError; a response after the deadline
// returns *models.ExpiredError.
func (n *Negotiator) Respond(ctx context.Context, taskID, workerID string, accept bool) (*models.Task, error) {
	unlock := n.locks.Lock(taskID)
	var out outbox
	task, err := n.respondLocked(ctx, taskID, workerID, accept, &out)
	unlock()
	n.flush(ctx, out)
	return task, err
}

func (n *Negotiator) respondLocked(ctx context.Context, taskID, workerID string, accept bool, out *outbox) (*models.Task, error) {
	task, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	offer, err := n.offers.Get(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	if offer.Outcome != models.OfferPending {
		return nil, n.lateResponse(task, offer)
	}
	if task.Status != models.StatusOffered {
		// task moved on without this offer being closed
		n.expireLocked(ctx, task, offer, dispatch.KindOfferExpired, out)
		return nil, &models.ConflictError{Entity: "task", ID: taskID, Expected: string(models.StatusOffered), Actual: string(task.Status)}
	}
	if !n.now().Before(offer.Deadline) {
		n.expireLocked(ctx, task, offer, dispatch.KindOfferExpired, out)
		if err := n.fillLocked(ctx, task, out); err != nil {
			n.logger.Warn("refill after late response failed", zap.String("task_id", taskID), zap.Error(err))
		}
		return nil, &models.ExpiredError{Entity: "offer", ID: offerID(taskID, workerID)}
	}

	if !accept {
		if _, err := n.offers.Resolve(ctx, taskID, workerID, models.OfferPending, models.OfferDeclined); err != nil {
			return nil, err
		}
		n.stopTimer(taskID, workerID)
		observability.OffersResolved.WithLabelValues(string(models.OfferDeclined)).Inc()
		n.logger.Info("offer declined", zap.String("task_id", taskID), zap.String("worker_id", workerID))
		if err := n.fillLocked(ctx, task, out); err != nil {
			return task, err
		}
		return task, nil
	}

	if _, err := n.offers.Resolve(ctx, taskID, workerID, models.OfferPending, models.OfferAccepted); err != nil {
		return nil, err
	}
	n.stopTimer(taskID, workerID)
	won, err := n.tasks.AssignWorker(ctx, taskID, workerID)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			observability.AcceptConflicts.Inc()
			_, _ = n.offers.Resolve(ctx, taskID, workerID, models.OfferAccepted, models.OfferExpired)
			out.add(workerID, supersededMessage(task))
			return nil, err
		}
		// reopen the offer so the worker can answer again or let it time out
		if reopened, rerr := n.offers.Resolve(ctx, taskID, workerID, models.OfferAccepted, models.OfferPending); rerr == nil {
			n.armTimer(reopened)
		} else {
			n.logger.Error("offer not reopened after failed assignment", zap.String("task_id", taskID), zap.String("worker_id", workerID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("assign worker: %w", err)
	}
	observability.OffersResolved.WithLabelValues(string(models.OfferAccepted)).Inc()
	observability.TasksAccepted.Inc()
	observability.MatchLatency.Observe(n.now().Sub(task.CreatedAt).Seconds())
	n.logger.Info("offer accepted", zap.String("task_id", taskID), zap.String("worker_id", workerID), zap.Int("round", offer.Round))

	n.closeOutstandingLocked(ctx, won, dispatch.KindSuperseded, out)

	role := won.Kind.WorkerRole()
	if err := n.workers.AssignTask(ctx, workerID, taskID, n.exclusive[role]); err != nil {
		n.logger.Error("worker assignment not recorded", zap.String("worker_id", workerID), zap.Error(err))
	}
	if n.exclusive[role] {
		if err := n.geo.SetAvailable(ctx, workerID, false); err != nil {
			n.logger.Warn("geo availability not updated", zap.String("worker_id", workerID), zap.Error(err))
		}
	}
	out.add(won.CustomerID, dispatch.Message{
		Kind: dispatch.KindTaskAssigned,
		Text: fmt.Sprintf("Your %s %s was accepted. Your %s is on the way.", won.Kind, won.ID, role),
		Data: map[string]string{"task_id": won.ID, "worker_id": workerID},
	})
	out.add(workerID, dispatch.Message{
		Kind: dispatch.KindTaskAssigned,
		Text: fmt.Sprintf("Task %s is yours. Send /pickup %s when you start.", won.ID, won.ID),
		Data: map[string]string{"task_id": won.ID},
	})
	return won, nil
}

func (n *Negotiator) lateResponse(task *models.Task, offer *models.Offer) error {
	id := offerID(offer.TaskID, offer.WorkerID)
	if offer.Outcome == models.OfferExpired && !task.Status.HasWorker() && task.Status != models.StatusCanceled {
		return &models.ExpiredError{Entity: "offer", ID: id}
	}
	return &models.ConflictError{Entity: "offer", ID: id, Expected: string(models.OfferPending), Actual: string(offer.Outcome)}
}

// expireLocked closes one pending offer and tells the worker why.
func (n *Negotiator) expireLocked(ctx context.Context, task *models.Task, o *models.Offer, kind string, out *outbox) {
	n.stopTimer(o.TaskID, o.WorkerID)
	if _, err := n.offers.Resolve(ctx, o.TaskID, o.WorkerID, models.OfferPending, models.OfferExpired); err != nil {
		return
	}
	observability.OffersResolved.WithLabelValues(string(models.OfferExpired)).Inc()
	if kind == dispatch.KindSuperseded {
		out.add(o.WorkerID, supersededMessage(task))
		return
	}
	out.add(o.WorkerID, dispatch.Message{
		Kind: kind,
		Text: fmt.Sprintf("Your offer for task %s is no longer open.", o.TaskID),
		Data: map[string]string{"task_id": o.TaskID},
	})
}

func (n *Negotiator) closeOutstandingLocked(ctx context.Context, task *models.Task, kind string, out *outbox) {
	offers, err := n.offers.ListByTask(ctx, task.ID)
	if err != nil {
		n.logger.Warn("list offers failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	for _, o := range offers {
		if o.Outcome == models.OfferPending {
			n.expireLocked(ctx, task, o, kind, out)
		}
	}
}

func (n *Negotiator) onTimeout(taskID, workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unlock := n.locks.Lock(taskID)
	var out outbox
	n.timeoutLocked(ctx, taskID, workerID, &out)
	unlock()
	n.flush(ctx, out)
}

func (n *Negotiator) timeoutLocked(ctx context.Context, taskID, workerID string, out *outbox) {
	n.timersMu.Lock()
	delete(n.timers, offerID(taskID, workerID))
	n.timersMu.Unlock()

	task, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		n.logger.Warn("timeout for unknown task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	offer, err := n.offers.Get(ctx, taskID, workerID)
	if err != nil || offer.Outcome != models.OfferPending {
		return
	}
	n.expireLocked(ctx, task, offer, dispatch.KindOfferExpired, out)
	n.logger.Info("offer timed out", zap.String("task_id", taskID), zap.String("worker_id", workerID))
	if task.Status != models.StatusOffered {
		return
	}
	if err := n.fillLocked(ctx, task, out); err != nil {
		n.logger.Error("advance after timeout failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (n *Negotiator) armTimer(o *models.Offer) {
	d := o.Deadline.Sub(n.now())
	if d < 0 {
		d = 0
	}
	taskID, workerID := o.TaskID, o.WorkerID
	t := time.AfterFunc(d, func() { n.onTimeout(taskID, workerID) })
	n.timersMu.Lock()
	if old, ok := n.timers[offerID(taskID, workerID)]; ok {
		old.Stop()
	}
	n.timers[offerID(taskID, workerID)] = t
	n.timersMu.Unlock()
}

func (n *Negotiator) stopTimer(taskID, workerID string) {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()
	if t, ok := n.timers[offerID(taskID, workerID)]; ok {
		t.Stop()
		delete(n.timers, offerID(taskID, workerID))
	}
}

// Exclusive reports whether a worker of role holds one task at a time.
func (n *Negotiator) Exclusive(role models.Role) bool { return n.exclusive[role] }

// PendingTimers reports armed offer timers.
func (n *Negotiator) PendingTimers() int {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()
	return len(n.timers)
}

// Stop disarms every timer; used on shutdown.
func (n *Negotiator) Stop() {
	n.timersMu.Lock()
	defer n.timersMu.Unlock()
	for k, t := range n.timers {
		t.Stop()
		delete(n.timers, k)
	}
}

// Cancel cancels a task on behalf of its customer. An empty customerID
// skips the ownership check.
func (n *Negotiator) Cancel(ctx context.Context, taskID, customerID string) (*models.Task, error) {
	unlock := n.locks.Lock(taskID)
	var out outbox
	task, err := n.cancelLocked(ctx, taskID, customerID, &out)
	unlock()
	n.flush(ctx, out)
	return task, err
}

func (n *Negotiator) cancelLocked(ctx context.Context, taskID, customerID string, out *outbox) (*models.Task, error) {
	task, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if customerID != "" && task.CustomerID != customerID {
		return nil, &models.ValidationError{Field: "task_id", Reason: "task belongs to another customer"}
	}
	prevWorker := task.WorkerID
	canceled, err := n.tasks.SetStatus(ctx, taskID, task.Status, models.StatusCanceled)
	if err != nil {
		return nil, err
	}
	n.closeOutstandingLocked(ctx, canceled, dispatch.KindTaskCanceled, out)
	if prevWorker != "" {
		n.releaseWorker(ctx, prevWorker, task)
		out.add(prevWorker, dispatch.Message{
			Kind: dispatch.KindTaskCanceled,
			Text: fmt.Sprintf("Task %s was canceled by the customer.", taskID),
			Data: map[string]string{"task_id": taskID},
		})
	}
	out.add(task.CustomerID, dispatch.Message{
		Kind: dispatch.KindTaskCanceled,
		Text: fmt.Sprintf("Your %s %s is canceled.", task.Kind, taskID),
		Data: map[string]string{"task_id": taskID},
	})
	n.logger.Info("task canceled", zap.String("task_id", taskID), zap.String("from", string(task.Status)))
	return canceled, nil
}

// Retry reopens an exhausted task with a fresh negotiation, or starts a
// pending one whose first Start failed.
func (n *Negotiator) Retry(ctx context.Context, taskID string) error {
	unlock := n.locks.Lock(taskID)
	var out outbox
	err := n.retryLocked(ctx, taskID, &out)
	unlock()
	n.flush(ctx, out)
	return err
}

func (n *Negotiator) retryLocked(ctx context.Context, taskID string, out *outbox) error {
	task, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	// a pending task never got its first round going
	if task.Status == models.StatusPending {
		return n.startLocked(ctx, taskID, out)
	}
	if _, err := n.tasks.SetStatus(ctx, taskID, models.StatusExhausted, models.StatusPending); err != nil {
		return err
	}
	if err := n.offers.DeleteByTask(ctx, taskID); err != nil {
		return err
	}
	if err := n.tasks.SetRound(ctx, taskID, 0); err != nil {
		return err
	}
	return n.startLocked(ctx, taskID, out)
}

// Progress moves an assigned task forward on behalf of its worker:
// accepted -> in_progress -> completed. Completion frees the worker.
func (n *Negotiator) Progress(ctx context.Context, taskID, workerID string, next models.TaskStatus) (*models.Task, error) {
	unlock := n.locks.Lock(taskID)
	var out outbox
	task, err := n.progressLocked(ctx, taskID, workerID, next, &out)
	unlock()
	n.flush(ctx, out)
	return task, err
}

func (n *Negotiator) progressLocked(ctx context.Context, taskID, workerID string, next models.TaskStatus, out *outbox) (*models.Task, error) {
	var expected models.TaskStatus
	switch next {
	case models.StatusInProgress:
		expected = models.StatusAccepted
	case models.StatusCompleted:
		expected = models.StatusInProgress
	default:
		return nil, &models.ValidationError{Field: "status", Reason: "workers may only start or complete a task"}
	}
	task, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.WorkerID != workerID {
		return nil, &models.ValidationError{Field: "task_id", Reason: "task is not assigned to you"}
	}
	updated, err := n.tasks.SetStatus(ctx, taskID, expected, next)
	if err != nil {
		return nil, err
	}
	if next == models.StatusCompleted {
		n.releaseWorker(ctx, workerID, task)
	}
	out.add(task.CustomerID, dispatch.Message{
		Kind: dispatch.KindTaskStatus,
		Text: fmt.Sprintf("Your %s %s is now %s.", task.Kind, taskID, next),
		Data: map[string]string{"task_id": taskID, "status": string(next)},
	})
	return updated, nil
}

func (n *Negotiator) releaseWorker(ctx context.Context, workerID string, task *models.Task) {
	w, err := n.workers.ReleaseTask(ctx, workerID, task.ID)
	if err != nil {
		n.logger.Warn("release worker failed", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	if !n.exclusive[w.Role] || len(w.AssignedTasks) > 0 {
		return
	}
	if err := n.workers.SetAvailability(ctx, workerID, true); err != nil {
		n.logger.Warn("restore availability failed", zap.String("worker_id", workerID), zap.Error(err))
	}
	if err := n.geo.SetAvailable(ctx, workerID, true); err != nil {
		n.logger.Warn("geo availability not restored", zap.String("worker_id", workerID), zap.Error(err))
	}
}

// Recover rebuilds process-local state after a restart: timers are re-armed
// for live offers, overdue ones resolve as expired, and tasks left without
// an outstanding offer get a fresh one.
func (n *Negotiator) Recover(ctx context.Context) (int, error) {
	offered, err := n.tasks.ListByStatus(ctx, models.StatusOffered, 0)
	if err != nil {
		return 0, err
	}
	pending, err := n.tasks.ListByStatus(ctx, models.StatusPending, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range append(offered, pending...) {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		unlock := n.locks.Lock(t.ID)
		var out outbox
		err := n.recoverLocked(ctx, t.ID, &out)
		unlock()
		n.flush(ctx, out)
		if err != nil {
			n.logger.Error("task recovery failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	n.logger.Info("negotiations recovered", zap.Int("tasks", recovered))
	return recovered, nil
}

func (n *Negotiator) recoverLocked(ctx context.Context, taskID string, out *outbox) error {
	task, err := n.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case models.StatusPending:
		return n.startLocked(ctx, taskID, out)
	case models.StatusOffered:
	default:
		return nil
	}
	offers, err := n.offers.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := n.now()
	for _, o := range offers {
		if o.Outcome != models.OfferPending {
			continue
		}
		if now.Before(o.Deadline) {
			n.armTimer(o)
			continue
		}
		n.expireLocked(ctx, task, o, dispatch.KindOfferExpired, out)
	}
	if task.Round == 0 {
		task.Round = 1
	}
	return n.fillLocked(ctx, task, out)
}

func offerMessage(task *models.Task, o *models.Offer, window time.Duration) dispatch.Message {
	text := fmt.Sprintf("New %s %.1f km away (about %d min). Reply /accept %s or /decline %s within %s.",
		task.Kind, o.DistanceM/1000, int(math.Ceil(o.ETASeconds/60)), task.ID, task.ID, window)
	if task.Description != "" {
		text += "\n" + task.Description
	}
	return dispatch.Message{
		Kind: dispatch.KindOffer,
		Text: text,
		Data: map[string]string{
			"task_id":    task.ID,
			"kind":       string(task.Kind),
			"round":      strconv.Itoa(o.Round),
			"distance_m": strconv.FormatFloat(o.DistanceM, 'f', 0, 64),
			"eta_s":      strconv.FormatFloat(o.ETASeconds, 'f', 0, 64),
			"deadline":   o.Deadline.UTC().Format(time.RFC3339),
		},
	}
}

func supersededMessage(task *models.Task) dispatch.Message {
	return dispatch.Message{
		Kind: dispatch.KindSuperseded,
		Text: fmt.Sprintf("Task %s was taken by another %s.", task.ID, task.Kind.WorkerRole()),
		Data: map[string]string{"task_id": task.ID},
	}
}
