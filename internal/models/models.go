package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports an unset position; workers start there until they share one.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

type Role string

const (
	RoleRider    Role = "rider"
	RoleErrander Role = "errander"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleErrander }

// Worker is a registered rider or errander. Workers are never hard-deleted.
type Worker struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	BankDetails   string    `json:"-"` // sealed
	IdentityDoc   string    `json:"-"` // sealed
	PhotoRef      string    `json:"photo_ref,omitempty"`
	Loc           Coord     `json:"loc"`
	Available     bool      `json:"available"`
	Rating        float64   `json:"rating"` // 0..5
	AssignedTasks []string  `json:"assigned_tasks,omitempty"`
	Updated       time.Time `json:"updated"`
}

// LocationUpdate is the message published on the location ingest topic.
type LocationUpdate struct {
	WorkerID string    `json:"worker_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

type TaskKind string

const (
	KindOrder  TaskKind = "order"
	KindErrand TaskKind = "errand"
)

// WorkerRole is the role eligible to serve the task kind.
func (k TaskKind) WorkerRole() Role {
	if k == KindErrand {
		return RoleErrander
	}
	return RoleRider
}

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusOffered    TaskStatus = "offered"
	StatusAccepted   TaskStatus = "accepted"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusCanceled   TaskStatus = "canceled"
	StatusExhausted  TaskStatus = "exhausted"
)

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusOffered, StatusExhausted, StatusCanceled},
	StatusOffered:    {StatusOffered, StatusAccepted, StatusExhausted, StatusCanceled},
	StatusAccepted:   {StatusInProgress, StatusCanceled},
	StatusInProgress: {StatusCompleted},
	StatusExhausted:  {StatusPending, StatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HasWorker reports whether a task in status s must carry an assigned worker.
func (s TaskStatus) HasWorker() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

// Task is an order (pickup + dropoff) or an errand (location + description).
type Task struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	CustomerID  string     `json:"customer_id"`
	Status      TaskStatus `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Pickup      Coord      `json:"pickup"`
	Dropoff     *Coord     `json:"dropoff,omitempty"`
	Description string     `json:"description,omitempty"`
	Round       int        `json:"round"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Origin is the point candidates are searched around.
func (t *Task) Origin() Coord { return t.Pickup }

type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Payload   map[string]string `json:"payload"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Expired reports whether the session must be treated as absent at now.
func (s *Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

type OfferOutcome string

const (
	OfferPending  OfferOutcome = "pending"
	OfferAccepted OfferOutcome = "accepted"
	OfferDeclined OfferOutcome = "declined"
	OfferExpired  OfferOutcome = "expired"
)

type Offer struct {
	TaskID     string       `json:"task_id"`
	WorkerID   string       `json:"worker_id"`
	Round      int          `json:"round"`
	IssuedAt   time.Time    `json:"issued_at"`
	Deadline   time.Time    `json:"deadline"`
	Outcome    OfferOutcome `json:"outcome"`
	DistanceM  float64      `json:"distance_m"`
	ETASeconds float64      `json:"eta_seconds"`
}
