// Package cube caches training cubes and evaluation history in SQLite.
package cube

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/model"
)

// ErrNotFound is returned when no cube is stored under a key.
var ErrNotFound = errors.New("cube not found")

// Key identifies a cached cube.
type Key struct {
	Country  string
	Range    domain.DateRange
	Variable string
}

func (k Key) args() []any {
	return []any{k.Country, k.Range.Start.Format(time.DateOnly), k.Range.End.Format(time.DateOnly), k.Variable}
}

// Info describes a stored cube.
type Info struct {
	ID        string
	Key       Key
	Rows      int
	CreatedAt time.Time
}

// Evaluation is one recorded model evaluation.
type Evaluation struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Country   string        `json:"country"`
	Family    string        `json:"family"`
	Split     string        `json:"split"`
	ModelPath string        `json:"model_path,omitempty"`
	TrainRows int           `json:"train_rows"`
	TestRows  int           `json:"test_rows"`
	Metrics   model.Metrics `json:"metrics"`
}

// Store wraps a SQLite database.
type Store struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, clock clockwork.Clock, logger *slog.Logger) *Store {
	return &Store{db: db, clock: clock, logger: logger}
}

// Open opens (or creates) the database at path and migrates it.
func Open(ctx context.Context, path string, clock clockwork.Clock, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cube db %s: %w", path, err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := New(db, clock, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cube db %s: %w", path, err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveCube replaces any cube under key with rows.
func (s *Store) SaveCube(ctx context.Context, key Key, rows []domain.TrainingExample) (Info, error) {
	info := Info{ID: uuid.NewString(), Key: key, Rows: len(rows), CreatedAt: s.clock.Now().UTC()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Info{}, fmt.Errorf("save cube: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cube_rows WHERE cube_id IN (
			SELECT id FROM cubes WHERE country = ? AND start_date = ? AND end_date = ? AND variable = ?)`,
		key.args()...); err != nil {
		return Info{}, fmt.Errorf("save cube: delete previous rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cubes WHERE country = ? AND start_date = ? AND end_date = ? AND variable = ?`,
		key.args()...); err != nil {
		return Info{}, fmt.Errorf("save cube: delete previous: %w", err)
	}
	args := append([]any{info.ID}, key.args()...)
	args = append(args, info.Rows, formatTime(info.CreatedAt))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cubes (id, country, start_date, end_date, variable, row_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return Info{}, fmt.Errorf("save cube: insert header: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cube_rows (cube_id, seq, date, station_id, latitude, longitude, elevation,
			vegetation_index, baseline_temperature, station_temperature, residual, day_of_year)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Info{}, fmt.Errorf("save cube: prepare: %w", err)
	}
	defer stmt.Close()
	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, info.ID, i, r.Date.Format(time.DateOnly), r.StationID,
			r.Latitude, r.Longitude, r.ElevationM, r.VegetationIndex, r.BaselineTemperature,
			r.StationTemperature, r.Residual, r.DayOfYear); err != nil {
			return Info{}, fmt.Errorf("save cube: row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Info{}, fmt.Errorf("save cube: commit: %w", err)
	}
	s.logger.Info("training cube cached", "id", info.ID, "country", key.Country, "rows", info.Rows)
	return info, nil
}

// LoadCube returns the rows stored under key in insertion order.
func (s *Store) LoadCube(ctx context.Context, key Key) ([]domain.TrainingExample, Info, error) {
	info := Info{Key: key}
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, row_count, created_at FROM cubes
		WHERE country = ? AND start_date = ? AND end_date = ? AND variable = ?`,
		key.args()...).Scan(&info.ID, &info.Rows, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Info{}, fmt.Errorf("%w: %s %s..%s", ErrNotFound, key.Country,
			key.Range.Start.Format(time.DateOnly), key.Range.End.Format(time.DateOnly))
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("load cube: %w", err)
	}
	if info.CreatedAt, err = parseTime(created); err != nil {
		return nil, Info{}, fmt.Errorf("load cube: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, station_id, latitude, longitude, elevation, vegetation_index,
			baseline_temperature, station_temperature, residual, day_of_year
		FROM cube_rows WHERE cube_id = ? ORDER BY seq`, info.ID)
	if err != nil {
		return nil, Info{}, fmt.Errorf("load cube rows: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TrainingExample, 0, info.Rows)
	for rows.Next() {
		var (
			e    domain.TrainingExample
			date string
		)
		if err := rows.Scan(&date, &e.StationID, &e.Latitude, &e.Longitude, &e.ElevationM,
			&e.VegetationIndex, &e.BaselineTemperature, &e.StationTemperature, &e.Residual, &e.DayOfYear); err != nil {
			return nil, Info{}, fmt.Errorf("scan cube row: %w", err)
		}
		if e.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, Info{}, fmt.Errorf("cube row date %q: %w", date, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, Info{}, fmt.Errorf("load cube rows: %w", err)
	}
	return out, info, nil
}

// RecordEvaluation assigns an id and timestamp to ev and stores it.
func (s *Store) RecordEvaluation(ctx context.Context, ev Evaluation) (Evaluation, error) {
	ev.ID = uuid.NewString()
	ev.CreatedAt = s.clock.Now().UTC()
	m := ev.Metrics
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, created_at, country, family, split, model_path, train_rows, test_rows,
			residual_rmse, residual_mae, residual_r2, temp_rmse, temp_mae, baseline_rmse, baseline_mae,
			improvement, improvement_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, formatTime(ev.CreatedAt), ev.Country, ev.Family, ev.Split, ev.ModelPath, ev.TrainRows, ev.TestRows,
		nullable(m.ResidualRMSE), nullable(m.ResidualMAE), nullable(m.ResidualR2), nullable(m.TempRMSE),
		nullable(m.TempMAE), nullable(m.BaselineRMSE), nullable(m.BaselineMAE), nullable(m.Improvement),
		nullable(m.ImprovementPct),
	); err != nil {
		return Evaluation{}, fmt.Errorf("record evaluation: %w", err)
	}
	return ev, nil
}

// ListEvaluations returns the newest evaluations first. limit <= 0 means all.
func (s *Store) ListEvaluations(ctx context.Context, limit int) ([]Evaluation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, country, family, split, COALESCE(model_path, ''), train_rows, test_rows,
			residual_rmse, residual_mae, residual_r2, temp_rmse, temp_mae, baseline_rmse, baseline_mae,
			improvement, improvement_pct
		FROM evaluations ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var (
			ev      Evaluation
			created string
		)
		var vals [9]sql.NullFloat64
		if err := rows.Scan(&ev.ID, &created, &ev.Country, &ev.Family, &ev.Split, &ev.ModelPath,
			&ev.TrainRows, &ev.TestRows, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4],
			&vals[5], &vals[6], &vals[7], &vals[8]); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		m := &ev.Metrics
		for i, dst := range []*float64{&m.ResidualRMSE, &m.ResidualMAE, &m.ResidualR2, &m.TempRMSE,
			&m.TempMAE, &m.BaselineRMSE, &m.BaselineMAE, &m.Improvement, &m.ImprovementPct} {
			*dst = math.NaN()
			if vals[i].Valid {
				*dst = vals[i].Float64
			}
		}
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		m.N = ev.TestRows
		out = append(out, ev)
	}
	return out, rows.Err()
}

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
