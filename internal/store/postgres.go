package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"catenary/internal/model"
	"catenary/internal/opt"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file in dir, in name order, that has not
// been recorded in schema_migrations yet. Each file runs in its own
// transaction.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		version := filepath.Base(f)
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const runColumns = `id::text, tenant_id, COALESCE(name,''), status, COALESCE(preset,''), config, segment_count, route_count,
	COALESCE(callback_url,''), COALESCE(callback_secret,''), progress, result, COALESCE(error,''), created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var r model.Run
	var status string
	var cfg, progress, result []byte
	var started, finished sql.NullTime
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &status, &r.Preset, &cfg, &r.SegmentCount, &r.RouteCount,
		&r.CallbackURL, &r.CallbackSecret, &progress, &result, &r.Error, &r.CreatedAt, &started, &finished); err != nil {
		return r, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(cfg, &r.Config); err != nil {
		return r, fmt.Errorf("decode run config: %w", err)
	}
	if len(progress) > 0 {
		var pr opt.Progress
		if err := json.Unmarshal(progress, &pr); err == nil {
			r.Progress = &pr
		}
	}
	if len(result) > 0 {
		var res model.RunResult
		if err := json.Unmarshal(result, &res); err != nil {
			return r, fmt.Errorf("decode run result: %w", err)
		}
		r.Result = &res
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// CreateRun inserts the run and its input network in one transaction.
func (p *Postgres) CreateRun(ctx context.Context, run model.Run, in model.RunInput) (model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.SegmentCount = len(in.Segments)
	run.RouteCount = len(in.Routes)
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return run, err
	}
	segs, err := json.Marshal(in.Segments)
	if err != nil {
		return run, err
	}
	routes, err := json.Marshal(in.Routes)
	if err != nil {
		return run, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO runs (id, tenant_id, name, status, preset, config, segment_count, route_count, callback_url, callback_secret, created_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11)`,
		run.ID, run.TenantID, nullIfEmpty(run.Name), string(run.Status), nullIfEmpty(run.Preset), string(cfg),
		run.SegmentCount, run.RouteCount, nullIfEmpty(run.CallbackURL), nullIfEmpty(run.CallbackSecret), run.CreatedAt)
	if err != nil {
		return run, err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO run_inputs (run_id, segments, routes) VALUES ($1,$2::jsonb,$3::jsonb)`, run.ID, string(segs), string(routes)); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

func (p *Postgres) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Run{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListRuns(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Run, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + runColumns + ` FROM runs WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) GetRunInput(ctx context.Context, tenantID, id string) (model.RunInput, error) {
	var in model.RunInput
	if _, err := uuid.Parse(id); err != nil {
		return in, ErrNotFound
	}
	var segs, routes []byte
	err := p.db.QueryRowContext(ctx, `SELECT i.segments, i.routes FROM run_inputs i JOIN runs r ON r.id = i.run_id WHERE r.tenant_id=$1 AND r.id=$2`, tenantID, id).Scan(&segs, &routes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return in, ErrNotFound
		}
		return in, err
	}
	if err := json.Unmarshal(segs, &in.Segments); err != nil {
		return in, err
	}
	if err := json.Unmarshal(routes, &in.Routes); err != nil {
		return in, err
	}
	return in, nil
}

func (p *Postgres) UpdateRunStatus(ctx context.Context, tenantID, id string, status model.RunStatus, errMsg string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	q := `UPDATE runs SET status=$3, error=COALESCE($4, error)`
	args := []any{tenantID, id, string(status), nullIfEmpty(errMsg)}
	switch {
	case status == model.RunRunning:
		args = append(args, at.UTC())
		q += `, started_at=$5`
	case status.Terminal():
		args = append(args, at.UTC())
		q += `, finished_at=$5`
	}
	q += ` WHERE tenant_id=$1 AND id=$2 AND status NOT IN ('succeeded','failed','cancelled')`
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := p.GetRun(ctx, tenantID, id); err != nil {
		return err
	}
	return ErrConflict
}

func (p *Postgres) SaveRunProgress(ctx context.Context, tenantID, id string, pr opt.Progress) error {
	js, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	return p.updateRunJSON(ctx, `progress`, tenantID, id, js)
}

func (p *Postgres) SaveRunResult(ctx context.Context, tenantID, id string, res model.RunResult) error {
	js, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return p.updateRunJSON(ctx, `result`, tenantID, id, js)
}

func (p *Postgres) updateRunJSON(ctx context.Context, column, tenantID, id string, js []byte) error {
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET `+column+`=$3::jsonb WHERE tenant_id=$1 AND id=$2`, tenantID, id, string(js))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveRunSnapshots(ctx context.Context, tenantID, runID string, snaps []opt.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT tenant_id FROM runs WHERE id=$1`, runID).Scan(&owner); err != nil || owner != tenantID {
		return ErrNotFound
	}
	for _, s := range snaps {
		js, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_snapshots (id, run_id, iteration, snapshot) VALUES ($1,$2,$3,$4::jsonb)
			ON CONFLICT (run_id, iteration) DO UPDATE SET snapshot=EXCLUDED.snapshot`, uuid.New(), runID, s.Iteration, string(js)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListRunSnapshots(ctx context.Context, tenantID, runID string) ([]opt.Snapshot, error) {
	if _, err := p.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT snapshot FROM run_snapshots WHERE run_id=$1 ORDER BY iteration`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []opt.Snapshot{}
	for rows.Next() {
		var js []byte
		if err := rows.Scan(&js); err != nil {
			return nil, err
		}
		var s opt.Snapshot
		if err := json.Unmarshal(js, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetOptimizerConfig(ctx context.Context, tenantID string) (*opt.Overrides, error) {
	row := p.db.QueryRowContext(ctx, `SELECT config FROM optimizer_config WHERE tenant_id=$1`, tenantID)
	var js []byte
	if err := row.Scan(&js); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var cfg opt.Overrides
	if err := json.Unmarshal(js, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *Postgres) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg *opt.Overrides) error {
	if cfg == nil {
		_, err := p.db.ExecContext(ctx, `DELETE FROM optimizer_config WHERE tenant_id=$1`, tenantID)
		return err
	}
	js, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO optimizer_config (tenant_id, config, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (tenant_id) DO UPDATE SET config=EXCLUDED.config, updated_at=now()`, tenantID, string(js))
	return err
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, runID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	var runArg any
	if runID != "" {
		runArg = runID
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, run_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
		ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, runArg, eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

const deliveryColumns = `id::text, tenant_id, COALESCE(run_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts,
	next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), delivered_at`

func scanDelivery(row rowScanner) (WebhookDelivery, error) {
	var d WebhookDelivery
	var delivered sql.NullTime
	err := row.Scan(&d.ID, &d.TenantID, &d.RunID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts,
		&d.NextAttemptAt, &d.LastError, &d.ResponseCode, &d.LatencyMs, &delivered)
	if delivered.Valid {
		d.DeliveredAt = &delivered.Time
	}
	return d, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryColumns+`
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`,
			nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return err
	}
	// move to DLQ
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (tenant_id, delivery_id, event_type, url, payload, attempts, last_error)
		SELECT tenant_id, id, event_type, url, payload, attempts, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// computeDedupKey uses the payload's "id" field when present, otherwise a
// short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
