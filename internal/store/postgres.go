package store

import (
    "context"
    "database/sql"
    "embed"
    "encoding/json"
    "errors"
    "fmt"
    "io/fs"
    "sort"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres archives routes in the routes/controls/generations/fitness tables.
type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        _ = db.Close()
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// Migrate applies the embedded migrations that have not run yet.
func (p *Postgres) Migrate(ctx context.Context) error {
    if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
        return err
    }
    names, err := fs.Glob(migrations, "migrations/*.sql")
    if err != nil { return err }
    sort.Strings(names)
    for _, name := range names {
        var seen string
        err := p.db.QueryRowContext(ctx, `SELECT name FROM schema_migrations WHERE name=$1`, name).Scan(&seen)
        if err == nil { continue }
        if !errors.Is(err, sql.ErrNoRows) { return err }
        body, err := migrations.ReadFile(name)
        if err != nil { return err }
        tx, err := p.db.BeginTx(ctx, nil)
        if err != nil { return err }
        if _, err := tx.ExecContext(ctx, string(body)); err != nil {
            _ = tx.Rollback()
            return fmt.Errorf("migrate %s: %w", name, err)
        }
        if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
            _ = tx.Rollback()
            return err
        }
        if err := tx.Commit(); err != nil { return err }
    }
    return nil
}

// SaveRoute writes the route and every generation in one transaction.
func (p *Postgres) SaveRoute(ctx context.Context, rec Record) (string, error) {
    rid := uuid.New()
    if rec.CreatedAt.IsZero() { rec.CreatedAt = time.Now().UTC() }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return "", err }
    defer func(){ _ = tx.Rollback() }()

    _, err = tx.ExecContext(ctx, `INSERT INTO routes (id, job_id, lon_start, lat_start, lon_end, lat_end, distance, travel_time, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
        rid, rec.JobID, rec.Start[0], rec.Start[1], rec.Dest[0], rec.Dest[1], rec.Distance, rec.Time, rec.CreatedAt)
    if err != nil { return "", err }
    for _, g := range rec.Generations {
        cid := uuid.New()
        ctrl, err := json.Marshal(g.Controls)
        if err != nil { return "", err }
        eval, err := json.Marshal(g.Evaluated)
        if err != nil { return "", err }
        if _, err := tx.ExecContext(ctx, `INSERT INTO controls (id, controls, evaluated) VALUES ($1,$2,$3)`, cid, ctrl, eval); err != nil {
            return "", err
        }
        gid := uuid.New()
        if _, err := tx.ExecContext(ctx, `INSERT INTO generations (id, route_id, number, controls_id) VALUES ($1,$2,$3,$4)`, gid, rid, g.Number, cid); err != nil {
            return "", err
        }
        f := g.Fitness
        if _, err := tx.ExecContext(ctx, `INSERT INTO fitness (generation_id, total, track, curve, grade, length) VALUES ($1,$2,$3,$4,$5,$6)`,
            gid, f.Total, f.Track, f.Curve, f.Grade, f.Length); err != nil {
            return "", err
        }
    }
    if err := tx.Commit(); err != nil { return "", err }
    return rid.String(), nil
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (Record, error) {
    rid, err := uuid.Parse(id)
    if err != nil { return Record{}, ErrNotFound }
    var r Record
    err = p.db.QueryRowContext(ctx, `SELECT id::text, job_id, lon_start, lat_start, lon_end, lat_end, distance, travel_time, created_at FROM routes WHERE id=$1`, rid).
        Scan(&r.ID, &r.JobID, &r.Start[0], &r.Start[1], &r.Dest[0], &r.Dest[1], &r.Distance, &r.Time, &r.CreatedAt)
    if errors.Is(err, sql.ErrNoRows) { return Record{}, ErrNotFound }
    if err != nil { return Record{}, err }

    rows, err := p.db.QueryContext(ctx, `SELECT g.number, c.controls, c.evaluated, f.total, f.track, f.curve, f.grade, f.length
        FROM generations g JOIN controls c ON c.id=g.controls_id JOIN fitness f ON f.generation_id=g.id
        WHERE g.route_id=$1 ORDER BY g.number`, rid)
    if err != nil { return Record{}, err }
    defer rows.Close()
    for rows.Next() {
        var g Generation
        var ctrl, eval []byte
        if err := rows.Scan(&g.Number, &ctrl, &eval, &g.Fitness.Total, &g.Fitness.Track, &g.Fitness.Curve, &g.Fitness.Grade, &g.Fitness.Length); err != nil {
            return Record{}, err
        }
        if err := json.Unmarshal(ctrl, &g.Controls); err != nil { return Record{}, err }
        if err := json.Unmarshal(eval, &g.Evaluated); err != nil { return Record{}, err }
        r.Generations = append(r.Generations, g)
    }
    return r, rows.Err()
}

func (p *Postgres) ListRoutes(ctx context.Context, limit int) ([]Summary, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT r.id::text, r.job_id, r.lon_start, r.lat_start, r.lon_end, r.lat_end, r.distance, r.travel_time, r.created_at,
        (SELECT count(*) FROM generations g WHERE g.route_id=r.id)
        FROM routes r ORDER BY r.created_at DESC LIMIT $1`, clampLimit(limit))
    if err != nil { return nil, err }
    defer rows.Close()
    var out []Summary
    for rows.Next() {
        var s Summary
        if err := rows.Scan(&s.ID, &s.JobID, &s.Start[0], &s.Start[1], &s.Dest[0], &s.Dest[1], &s.Distance, &s.Time, &s.CreatedAt, &s.Generations); err != nil {
            return nil, err
        }
        out = append(out, s)
    }
    return out, rows.Err()
}
