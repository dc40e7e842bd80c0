package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/errand-matching/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

const taskColumns = `id, kind, customer_id, status, worker_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, description, round, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                   models.Task
		workerID            sql.NullString
		dropLat, dropLon    sql.NullFloat64
		kind, status, descr string
	)
	err := row.Scan(&t.ID, &kind, &t.CustomerID, &status, &workerID, &t.Pickup.Lat, &t.Pickup.Lon, &dropLat, &dropLon, &descr, &t.Round, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = models.TaskKind(kind)
	t.Status = models.TaskStatus(status)
	t.WorkerID = workerID.String
	t.Description = descr
	if dropLat.Valid && dropLon.Valid {
		t.Dropoff = &models.Coord{Lat: dropLat.Float64, Lon: dropLon.Float64}
	}
	return &t, nil
}

func (p *PostgresStore) CreateTask(ctx context.Context, draft *models.Task) (*models.Task, error) {
	t := newTask(draft, p.now().UTC())
	var dropLat, dropLon sql.NullFloat64
	if t.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: t.Dropoff.Lat, Valid: true}
		dropLon = sql.NullFloat64{Float64: t.Dropoff.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES($1,$2,$3,$4,NULL,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, string(t.Kind), t.CustomerID, string(t.Status), t.Pickup.Lat, t.Pickup.Lon, dropLat, dropLon, t.Description, t.Round, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, &models.ConflictError{Entity: "task", ID: t.ID, Expected: "absent", Actual: "exists"}
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// casFailure turns a zero-row conditional update into NotFound or Conflict.
func (p *PostgresStore) casFailure(ctx context.Context, id string, expected models.TaskStatus, next models.TaskStatus) error {
	var current string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return fmt.Errorf("read task status %s: %w", id, err)
	}
	if cerr := checkTransition(id, models.TaskStatus(current), expected, next); cerr != nil {
		return cerr
	}
	// status matched on re-read: another writer raced in between
	return &models.ConflictError{Entity: "task", ID: id, Expected: string(expected), Actual: current}
}

// SetStatus is a single conditional UPDATE; the WHERE clause on status is the CAS.
func (p *PostgresStore) SetStatus(ctx context.Context, id string, expected, next models.TaskStatus) (*models.Task, error) {
	if next == models.StatusAccepted {
		return nil, &models.ValidationError{Field: "status", Reason: "accepted requires a worker, use AssignWorker"}
	}
	if !models.CanTransition(expected, next) {
		return nil, &models.ConflictError{Entity: "task", ID: id, Expected: "transition to " + string(next), Actual: string(expected)}
	}
	row := p.db.QueryRowContext(ctx, `UPDATE tasks
		SET status=$1,
			worker_id = CASE WHEN $2 THEN worker_id ELSE NULL END,
			updated_at=$3
		WHERE id=$4 AND status=$5
		RETURNING `+taskColumns,
		string(next), next.HasWorker(), p.now().UTC(), id, string(expected))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.casFailure(ctx, id, expected, next)
	}
	if err != nil {
		return nil, fmt.Errorf("set task status %s: %w", id, err)
	}
	return t, nil
}

func (p *PostgresStore) AssignWorker(ctx context.Context, id, workerID string) (*models.Task, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE tasks
		SET status=$1, worker_id=$2, updated_at=$3
		WHERE id=$4 AND status=$5
		RETURNING `+taskColumns,
		string(models.StatusAccepted), workerID, p.now().UTC(), id, string(models.StatusOffered))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.casFailure(ctx, id, models.StatusOffered, models.StatusAccepted)
	}
	if err != nil {
		return nil, fmt.Errorf("assign worker %s: %w", id, err)
	}
	return t, nil
}

func (p *PostgresStore) SetRound(ctx context.Context, id string, round int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE tasks SET round=$1, updated_at=$2 WHERE id=$3`, round, p.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set round %s: %w", id, err)
	}
	return rowsOrNotFound(res, "task", id)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return p.ListTasks(ctx, TaskFilter{Status: status, Limit: limit})
}

func (p *PostgresStore) ListTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.CustomerID != "" {
		add("customer_id = ?", f.CustomerID)
	}
	if f.WorkerID != "" {
		add("worker_id = ?", f.WorkerID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const workerColumns = `id, role, name, phone, bank_details, identity_doc, photo_ref, lat, lon, available, rating, assigned_tasks, updated_at`

func scanWorker(row rowScanner) (*models.Worker, error) {
	var (
		w    models.Worker
		role string
	)
	err := row.Scan(&w.ID, &role, &w.Name, &w.Phone, &w.BankDetails, &w.IdentityDoc, &w.PhotoRef,
		&w.Loc.Lat, &w.Loc.Lon, &w.Available, &w.Rating, pq.Array(&w.AssignedTasks), &w.Updated)
	if err != nil {
		return nil, err
	}
	w.Role = models.Role(role)
	return &w, nil
}

func (p *PostgresStore) SaveWorker(ctx context.Context, w *models.Worker) error {
	assigned := w.AssignedTasks
	if assigned == nil {
		assigned = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO workers(`+workerColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			role=EXCLUDED.role, name=EXCLUDED.name, phone=EXCLUDED.phone,
			bank_details=EXCLUDED.bank_details, identity_doc=EXCLUDED.identity_doc, photo_ref=EXCLUDED.photo_ref,
			lat=EXCLUDED.lat, lon=EXCLUDED.lon, available=EXCLUDED.available, rating=EXCLUDED.rating,
			assigned_tasks=EXCLUDED.assigned_tasks, updated_at=EXCLUDED.updated_at`,
		w.ID, string(w.Role), w.Name, w.Phone, w.BankDetails, w.IdentityDoc, w.PhotoRef,
		w.Loc.Lat, w.Loc.Lon, w.Available, w.Rating, pq.Array(assigned), p.now().UTC())
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w, err := scanWorker(p.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "worker", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET lat=$1, lon=$2, updated_at=$3 WHERE id=$4`, loc.Lat, loc.Lon, p.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update worker location %s: %w", id, err)
	}
	return rowsOrNotFound(res, "worker", id)
}

func (p *PostgresStore) SetAvailability(ctx context.Context, id string, available bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers SET available=$1, updated_at=$2 WHERE id=$3`, available, p.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set worker availability %s: %w", id, err)
	}
	return rowsOrNotFound(res, "worker", id)
}

func (p *PostgresStore) AssignTask(ctx context.Context, workerID, taskID string, exclusive bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE workers
		SET assigned_tasks = CASE WHEN $2 = ANY(assigned_tasks) THEN assigned_tasks ELSE array_append(assigned_tasks, $2) END,
			available = CASE WHEN $3 THEN FALSE ELSE available END,
			updated_at = $4
		WHERE id = $1`, workerID, taskID, exclusive, p.now().UTC())
	if err != nil {
		return fmt.Errorf("assign task to worker %s: %w", workerID, err)
	}
	return rowsOrNotFound(res, "worker", workerID)
}

func (p *PostgresStore) ReleaseTask(ctx context.Context, workerID, taskID string) (*models.Worker, error) {
	w, err := scanWorker(p.db.QueryRowContext(ctx, `UPDATE workers
		SET assigned_tasks = array_remove(assigned_tasks, $2), updated_at = $3
		WHERE id = $1
		RETURNING `+workerColumns, workerID, taskID, p.now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "worker", ID: workerID}
	}
	if err != nil {
		return nil, fmt.Errorf("release task from worker %s: %w", workerID, err)
	}
	return w, nil
}

func (p *PostgresStore) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func rowsOrNotFound(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &models.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}
