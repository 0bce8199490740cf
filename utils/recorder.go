package utils

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoActiveRun is returned when cycles are recorded outside BeginRun/EndRun.
var ErrNoActiveRun = errors.New("recorder: no active run")

// CycleRecord is one row of the cycles table.
type CycleRecord struct {
	Cycle        int
	TimeS        float64
	VelocityMPS  float64
	PositionM    float64
	ReferenceMPS float64
	Control      float64
	TorqueNm     float64
	BrakePct     float64
	Status       string
	Objective    float64
	Iterations   int
	SolveTime    time.Duration
	WarmStarted  bool
	Fallback     bool
	Suboptimal   bool
	Failures     int
	State        string
}

// RunSummary describes a recorded run.
type RunSummary struct {
	ID         string
	Scenario   string
	Mode       string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Outcome    sql.NullString
	Cycles     int
	Fallbacks  int
}

// Recorder stores closed-loop runs in a sqlite file, one row per cycle.
type Recorder struct {
	db  *sql.DB
	log *Logger

	mu     sync.Mutex
	runID  string
	insert *sql.Stmt
}

// OpenRecorder opens (or creates) the database at path and migrates it to
// the latest schema. log may be nil.
func OpenRecorder(path string, log *Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	r := &Recorder{db: db, log: log}
	if err := r.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if r.log != nil {
		m.Log = migrateLogger{r.log}
	}
	return m, nil
}

// migrateUp does not close the migrate instance: that would close r.db.
func (r *Recorder) migrateUp() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (r *Recorder) SchemaVersion() (uint, error) {
	m, err := r.newMigrate()
	if err != nil {
		return 0, err
	}
	v, dirty, err := m.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty", v)
	}
	return v, nil
}

// BeginRun creates a run row and returns its id. config is stored as JSON.
func (r *Recorder) BeginRun(scenario, mode string, config any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID != "" {
		return "", fmt.Errorf("recorder: run %s still active", r.runID)
	}

	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	id := uuid.NewString()
	_, err = r.db.Exec(
		`INSERT INTO runs (run_id, scenario, mode, config_json, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, scenario, mode, string(cfgJSON), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	stmt, err := r.db.Prepare(`INSERT INTO cycles (
		run_id, cycle, time_s, velocity_mps, position_m, reference_mps, control,
		torque_nm, brake_pct, status, objective, iterations, solve_us,
		warm_started, fallback, suboptimal, failures, state
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare cycle insert: %w", err)
	}
	r.runID = id
	r.insert = stmt
	if r.log != nil {
		r.log.Debug("recorder: run %s started (scenario=%s mode=%s)", id, scenario, mode)
	}
	return id, nil
}

// RecordCycle appends one cycle to the active run.
func (r *Recorder) RecordCycle(c CycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID == "" {
		return ErrNoActiveRun
	}
	_, err := r.insert.Exec(
		r.runID, c.Cycle, c.TimeS, c.VelocityMPS, c.PositionM, c.ReferenceMPS, c.Control,
		c.TorqueNm, c.BrakePct, c.Status, c.Objective, c.Iterations, c.SolveTime.Microseconds(),
		boolInt(c.WarmStarted), boolInt(c.Fallback), boolInt(c.Suboptimal), c.Failures, c.State,
	)
	if err != nil {
		return fmt.Errorf("insert cycle %d: %w", c.Cycle, err)
	}
	return nil
}

// EndRun stamps the active run with its outcome.
func (r *Recorder) EndRun(outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID == "" {
		return ErrNoActiveRun
	}
	_, err := r.db.Exec(`UPDATE runs SET finished_at = ?, outcome = ? WHERE run_id = ?`,
		time.Now().UTC(), outcome, r.runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.runID, err)
	}
	_ = r.insert.Close()
	r.insert = nil
	r.runID = ""
	return nil
}

// Run returns the summary of a recorded run.
func (r *Recorder) Run(runID string) (RunSummary, error) {
	var s RunSummary
	err := r.db.QueryRow(`
		SELECT r.run_id, r.scenario, r.mode, r.started_at, r.finished_at, r.outcome,
		       COUNT(c.cycle), COALESCE(SUM(c.fallback), 0)
		FROM runs r LEFT JOIN cycles c ON c.run_id = r.run_id
		WHERE r.run_id = ?
		GROUP BY r.run_id`, runID,
	).Scan(&s.ID, &s.Scenario, &s.Mode, &s.StartedAt, &s.FinishedAt, &s.Outcome, &s.Cycles, &s.Fallbacks)
	if err != nil {
		return RunSummary{}, fmt.Errorf("query run %s: %w", runID, err)
	}
	return s, nil
}

// Cycles returns every recorded cycle of a run in order.
func (r *Recorder) Cycles(runID string) ([]CycleRecord, error) {
	rows, err := r.db.Query(`
		SELECT cycle, time_s, velocity_mps, position_m, reference_mps, control,
		       torque_nm, brake_pct, status, COALESCE(objective, 0), iterations, solve_us,
		       warm_started, fallback, suboptimal, failures, state
		FROM cycles WHERE run_id = ? ORDER BY cycle`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var c CycleRecord
		var solveUS int64
		var warm, fallback, subopt int
		if err := rows.Scan(
			&c.Cycle, &c.TimeS, &c.VelocityMPS, &c.PositionM, &c.ReferenceMPS, &c.Control,
			&c.TorqueNm, &c.BrakePct, &c.Status, &c.Objective, &c.Iterations, &solveUS,
			&warm, &fallback, &subopt, &c.Failures, &c.State,
		); err != nil {
			return nil, err
		}
		c.SolveTime = time.Duration(solveUS) * time.Microsecond
		c.WarmStarted = warm != 0
		c.Fallback = fallback != 0
		c.Suboptimal = subopt != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close releases the database. An active run is left without an outcome.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insert != nil {
		_ = r.insert.Close()
		r.insert = nil
	}
	return r.db.Close()
}

// migrateLogger adapts Logger to migrate.Logger.
type migrateLogger struct{ log *Logger }

func (l migrateLogger) Printf(format string, v ...any) { l.log.Printf("[migrate] "+format, v...) }
func (l migrateLogger) Verbose() bool                  { return false }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
