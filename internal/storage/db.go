package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"savery/internal"
)

var (
	ErrNotFound          = eris.New("storage: not found")
	ErrInvalidTransition = eris.New("storage: invalid job transition")
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, eris.Wrap(err, "storage: create data dir")
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "storage: open")
	}
	// One connection serializes writers; transactions hold it for their duration.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, eris.Wrapf(err, "storage: exec %s", pragma)
		}
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS route_plans (
  id TEXT PRIMARY KEY,
  client_token TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  item_count INTEGER NOT NULL,
  store_ids TEXT NOT NULL,
  origin TEXT,
  preferences TEXT NOT NULL,
  result TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  plan_id TEXT NOT NULL REFERENCES route_plans(id) ON DELETE CASCADE,
  stage TEXT NOT NULL,
  status TEXT NOT NULL,
  progress_current INTEGER,
  progress_total INTEGER,
  task_id TEXT,
  message TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(plan_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_jobs_plan ON jobs(plan_id);

CREATE TABLE IF NOT EXISTS stores (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  address TEXT,
  latitude REAL,
  longitude REAL,
  lastSeenAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS store_products (
  id TEXT PRIMARY KEY,
  store_id TEXT NOT NULL REFERENCES stores(id),
  name TEXT NOT NULL,
  brand TEXT,
  size_text TEXT,
  package_quantity REAL,
  package_unit TEXT,
  normalized_quantity REAL,
  normalized_unit TEXT,
  raw_json TEXT NOT NULL DEFAULT '{}',
  lastSeenAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_store_products_store ON store_products(store_id);
CREATE INDEX IF NOT EXISTS idx_store_products_name ON store_products(name);

CREATE TABLE IF NOT EXISTS price_entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  store_product_id TEXT NOT NULL REFERENCES store_products(id),
  price REAL NOT NULL,
  currency TEXT NOT NULL,
  source TEXT NOT NULL,
  fetched_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_entries_product ON price_entries(store_product_id, fetched_at);

CREATE TABLE IF NOT EXISTS inbox_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  message_id TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  sender TEXT NOT NULL DEFAULT '',
  received_at TEXT NOT NULL,
  hash TEXT NOT NULL,
  raw_path TEXT NOT NULL,
  status TEXT NOT NULL,
  plan_id TEXT,
  reason TEXT,
  updated_at TEXT NOT NULL,
  UNIQUE(provider, message_id)
);
CREATE INDEX IF NOT EXISTS idx_inbox_messages_status ON inbox_messages(status);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

func (d *DB) init() error {
	if _, err := d.conn.Exec(schema); err != nil {
		return eris.Wrap(err, "storage: apply schema")
	}
	return nil
}

func (d *DB) CreatePlan(ctx context.Context, plan internal.RoutePlan, jobs []internal.JobRecord) error {
	storeIDs, _ := json.Marshal(plan.StoreIDs)
	prefs, _ := json.Marshal(plan.Preferences)
	origin, err := nullableJSON(plan.Origin)
	if err != nil {
		return err
	}
	result, err := nullableJSON(plan.Result)
	if err != nil {
		return err
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "storage: begin create plan")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO route_plans (id, client_token, status, item_count, store_ids, origin, preferences, result, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, plan.ID, plan.ClientToken, string(plan.Status), plan.ItemCount, string(storeIDs), origin, string(prefs), result,
		formatTime(plan.CreatedAt), formatTime(plan.UpdatedAt)); err != nil {
		return eris.Wrapf(err, "storage: insert plan %s", plan.ID)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO jobs (id, plan_id, stage, status, progress_current, progress_total, task_id, message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return eris.Wrap(err, "storage: prepare job insert")
	}
	defer stmt.Close()

	for _, job := range jobs {
		if _, err := stmt.ExecContext(ctx,
			job.ID, job.PlanID, string(job.Stage), string(job.Status), job.ProgressCurrent, job.ProgressTotal,
			job.TaskID, job.Message, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
		); err != nil {
			return eris.Wrapf(err, "storage: insert job %s/%s", job.PlanID, job.Stage)
		}
	}

	return eris.Wrap(tx.Commit(), "storage: commit create plan")
}

func (d *DB) DeletePlan(ctx context.Context, planID string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "storage: begin delete plan")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE plan_id = ?`, planID); err != nil {
		return eris.Wrapf(err, "storage: delete jobs of %s", planID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM route_plans WHERE id = ?`, planID); err != nil {
		return eris.Wrapf(err, "storage: delete plan %s", planID)
	}
	return eris.Wrap(tx.Commit(), "storage: commit delete plan")
}

func (d *DB) GetPlan(ctx context.Context, planID string) (*internal.RoutePlan, error) {
	var (
		plan                 internal.RoutePlan
		status, storeIDs     string
		prefs                string
		origin, result       sql.NullString
		createdAt, updatedAt string
	)
	err := d.conn.QueryRowContext(ctx, `
SELECT id, client_token, status, item_count, store_ids, origin, preferences, result, created_at, updated_at
FROM route_plans WHERE id = ?
`, planID).Scan(&plan.ID, &plan.ClientToken, &status, &plan.ItemCount, &storeIDs, &origin, &prefs, &result, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "storage: get plan %s", planID)
	}

	plan.Status = internal.PlanStatus(status)
	plan.CreatedAt = parseTime(createdAt)
	plan.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(storeIDs), &plan.StoreIDs); err != nil {
		return nil, eris.Wrapf(err, "storage: decode store ids of %s", planID)
	}
	if err := json.Unmarshal([]byte(prefs), &plan.Preferences); err != nil {
		return nil, eris.Wrapf(err, "storage: decode preferences of %s", planID)
	}
	if origin.Valid {
		plan.Origin = &internal.Coordinates{}
		if err := json.Unmarshal([]byte(origin.String), plan.Origin); err != nil {
			return nil, eris.Wrapf(err, "storage: decode origin of %s", planID)
		}
	}
	if result.Valid {
		plan.Result = &internal.OptimizationOutput{}
		if err := json.Unmarshal([]byte(result.String), plan.Result); err != nil {
			return nil, eris.Wrapf(err, "storage: decode result of %s", planID)
		}
	}
	return &plan, nil
}

func (d *DB) SetPlanStatus(ctx context.Context, planID string, status internal.PlanStatus, result *internal.OptimizationOutput) error {
	var (
		res sql.Result
		err error
	)
	now := formatTime(time.Now())
	if result != nil {
		blob, mErr := json.Marshal(result)
		if mErr != nil {
			return eris.Wrapf(mErr, "storage: encode result of %s", planID)
		}
		res, err = d.conn.ExecContext(ctx, `UPDATE route_plans SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
			string(status), string(blob), now, planID)
	} else {
		res, err = d.conn.ExecContext(ctx, `UPDATE route_plans SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, planID)
	}
	if err != nil {
		return eris.Wrapf(err, "storage: update plan %s", planID)
	}
	return checkRowsAffected(res, ErrNotFound, "plan %s", planID)
}

func (d *DB) ListJobs(ctx context.Context, planID string) ([]internal.JobRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, plan_id, stage, status, progress_current, progress_total, task_id, message, created_at, updated_at
FROM jobs WHERE plan_id = ?
ORDER BY CASE stage WHEN 'MATCH' THEN 1 WHEN 'PRICING' THEN 2 ELSE 3 END
`, planID)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: list jobs of %s", planID)
	}
	defer rows.Close()

	var out []internal.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "storage: iterate jobs")
}

// TransitionJob applies tr to the (planID, stage) record only if its current
// status equals tr.From. Nil optional fields in tr keep their stored values.
func (d *DB) TransitionJob(ctx context.Context, planID string, stage internal.JobStage, tr internal.JobTransition) (internal.JobRecord, error) {
	res, err := d.conn.ExecContext(ctx, `
UPDATE jobs SET
  status = ?,
  task_id = COALESCE(?, task_id),
  message = COALESCE(?, message),
  progress_current = COALESCE(?, progress_current),
  progress_total = COALESCE(?, progress_total),
  updated_at = ?
WHERE plan_id = ? AND stage = ? AND status = ?
`, string(tr.To), tr.TaskID, tr.Message, tr.ProgressCurrent, tr.ProgressTotal, formatTime(time.Now()),
		planID, string(stage), string(tr.From))
	if err != nil {
		return internal.JobRecord{}, eris.Wrapf(err, "storage: transition %s/%s", planID, stage)
	}
	if err := checkRowsAffected(res, ErrInvalidTransition, "%s/%s %s->%s", planID, stage, tr.From, tr.To); err != nil {
		return internal.JobRecord{}, err
	}

	row := d.conn.QueryRowContext(ctx, `
SELECT id, plan_id, stage, status, progress_current, progress_total, task_id, message, created_at, updated_at
FROM jobs WHERE plan_id = ? AND stage = ?
`, planID, string(stage))
	return scanJob(row)
}

func (d *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return eris.Wrapf(err, "storage: set metadata %s", key)
}

func (d *DB) GetMetadata(ctx context.Context, key string) (*string, error) {
	var value string
	err := d.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "storage: get metadata %s", key)
	}
	return &value, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (internal.JobRecord, error) {
	var (
		job                  internal.JobRecord
		stage, status        string
		current, total       sql.NullInt64
		taskID, message      sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&job.ID, &job.PlanID, &stage, &status, &current, &total, &taskID, &message, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return internal.JobRecord{}, ErrNotFound
		}
		return internal.JobRecord{}, eris.Wrap(err, "storage: scan job")
	}
	job.Stage = internal.JobStage(stage)
	job.Status = internal.JobStatus(status)
	if current.Valid {
		v := int(current.Int64)
		job.ProgressCurrent = &v
	}
	if total.Valid {
		v := int(total.Int64)
		job.ProgressTotal = &v
	}
	if taskID.Valid {
		job.TaskID = &taskID.String
	}
	if message.Valid {
		job.Message = &message.String
	}
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return job, nil
}

func checkRowsAffected(res sql.Result, sentinel error, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "storage: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(sentinel, format, args...)
	}
	return nil
}

func nullableJSON(v any) (*string, error) {
	switch x := v.(type) {
	case *internal.Coordinates:
		if x == nil {
			return nil, nil
		}
	case *internal.OptimizationOutput:
		if x == nil {
			return nil, nil
		}
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "storage: encode json column")
	}
	s := string(blob)
	return &s, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
