// Package knowledge keeps long-term metrics and action outcomes in SQLite so
// trends and remediation success rates survive journal rotation.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jamesprial/raspi-doctor/internal/health"
)

// stableSlope is the per-hour slope at or under which a trend is stable.
const stableSlope = 0.1

// Trend directions.
const (
	Increasing = "increasing"
	Decreasing = "decreasing"
	Stable     = "stable"
)

// ErrNoData means no samples matched the query.
var ErrNoData = errors.New("knowledge: no data")

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics(name, ts);

CREATE TABLE IF NOT EXISTS action_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	condition TEXT NOT NULL,
	success INTEGER NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_outcomes_action ON action_outcomes(action, ts);
`

// Trend summarises one metric over a time range.
type Trend struct {
	Metric string `json:"metric"`
	// SlopePerHour is the least-squares slope of value against time.
	SlopePerHour float64   `json:"slope_per_hour"`
	Direction    string    `json:"direction"`
	Current      float64   `json:"current"`
	Average      float64   `json:"average"`
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
	Samples      int       `json:"samples"`
	Since        time.Time `json:"since"`
}

// Store is the SQLite-backed knowledge base.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open database: %w", err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("knowledge: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("knowledge: initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordReadings stores every metric of every successful reading. Failed
// readings and non-finite values are skipped.
func (s *Store) RecordReadings(ctx context.Context, readings []health.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("knowledge: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (name, value, ts) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("knowledge: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if !r.Success {
			continue
		}
		names := make([]string, 0, len(r.Metrics))
		for name := range r.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v := r.Metrics[name]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if _, err := stmt.ExecContext(ctx, name, v, r.Timestamp.UnixNano()); err != nil {
				return fmt.Errorf("knowledge: insert metric %s: %w", name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("knowledge: commit: %w", err)
	}
	return nil
}

// RecordActions stores the outcome of each action.
func (s *Store) RecordActions(ctx context.Context, actions []health.Action) error {
	if len(actions) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("knowledge: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range actions {
		success := 0
		if a.Outcome == health.OutcomeSuccess {
			success = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_outcomes (action, subject, condition, success, ts) VALUES (?, ?, ?, ?, ?)`,
			a.Name, a.Subject, a.Condition, success, a.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("knowledge: insert action %s: %w", a.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("knowledge: commit: %w", err)
	}
	return nil
}

// SuccessRate returns the share of successful runs of action and how many
// runs were recorded. With no runs the rate is 0.
func (s *Store) SuccessRate(ctx context.Context, action string) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	var succeeded sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(success) FROM action_outcomes WHERE action = ?`, action,
	).Scan(&total, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("knowledge: success rate %s: %w", action, err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(succeeded.Int64) / float64(total), total, nil
}

// Trend fits a line through the samples of metric recorded at or after
// since. A single sample is reported as stable.
func (s *Store) Trend(ctx context.Context, metric string, since time.Time) (Trend, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, ts FROM metrics WHERE name = ? AND ts >= ? ORDER BY ts, id`,
		metric, since.UnixNano(),
	)
	if err != nil {
		s.mu.Unlock()
		return Trend{}, fmt.Errorf("knowledge: query trend %s: %w", metric, err)
	}
	var points []point
	for rows.Next() {
		var p point
		var ts int64
		if err := rows.Scan(&p.value, &ts); err != nil {
			rows.Close()
			s.mu.Unlock()
			return Trend{}, fmt.Errorf("knowledge: scan trend %s: %w", metric, err)
		}
		p.at = time.Unix(0, ts)
		points = append(points, p)
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return Trend{}, fmt.Errorf("knowledge: read trend %s: %w", metric, err)
	}
	if len(points) == 0 {
		return Trend{}, fmt.Errorf("%w for %s", ErrNoData, metric)
	}
	return fit(metric, since, points), nil
}

// Prune deletes everything recorded before cutoff and returns how many rows
// went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, table := range []string{"metrics", "action_outcomes"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts < ?", cutoff.UnixNano())
		if err != nil {
			return total, fmt.Errorf("knowledge: prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type point struct {
	value float64
	at    time.Time
}

// fit computes summary statistics and the least-squares slope per hour.
func fit(metric string, since time.Time, points []point) Trend {
	t := Trend{
		Metric:    metric,
		Direction: Stable,
		Current:   points[len(points)-1].value,
		Min:       points[0].value,
		Max:       points[0].value,
		Samples:   len(points),
		Since:     since,
	}

	origin := points[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.at.Sub(origin).Hours()
		sumX += x
		sumY += p.value
		sumXY += x * p.value
		sumXX += x * x
		t.Min = math.Min(t.Min, p.value)
		t.Max = math.Max(t.Max, p.value)
	}
	n := float64(len(points))
	t.Average = sumY / n

	denom := n*sumXX - sumX*sumX
	if len(points) < 2 || denom == 0 {
		return t
	}
	t.SlopePerHour = (n*sumXY - sumX*sumY) / denom
	switch {
	case t.SlopePerHour > stableSlope:
		t.Direction = Increasing
	case t.SlopePerHour < -stableSlope:
		t.Direction = Decreasing
	}
	return t
}
