// Package projection owns the per-user forward-looking memory database:
// future commitments ("projections") with time-, event-, and dependency-based
// activation.
package projection

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Projection statuses.
const (
	StatusPending   = "pending"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
	StatusPassed    = "passed" // auto-expired
)

// Resolution granularities for a projection's time anchor.
const (
	ResolutionExact   = "exact"
	ResolutionDay     = "day"
	ResolutionWeek    = "week"
	ResolutionMonth   = "month"
	ResolutionSomeday = "someday"
)

// Dependency condition types.
const (
	ConditionStatusChange = "status_change"
	ConditionLLM          = "llm" // stored but never satisfied (no evaluator yet)
)

// SQLTimeFormat is the layout of datetime('now') strings, kept so built-in
// SQL comparisons work against values we write from Go.
const SQLTimeFormat = "2006-01-02 15:04:05"

// maxChainDepth bounds the dependency DAG: no chain may exceed this length.
const maxChainDepth = 5

// InvariantError marks a rejected mutation (cycle, self-dependency, chain too
// deep, missing subject). Never retried; surfaced to the calling tool.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return e.Reason }

// IsInvariant reports whether err is an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// Projection is a durable future commitment.
type Projection struct {
	ID            string   `json:"id"`
	Summary       string   `json:"summary"`
	RawWhen       string   `json:"raw_when,omitempty"`
	ResolvedWhen  string   `json:"resolved_when,omitempty"` // UTC "YYYY-MM-DD HH:MM:SS" or date
	Resolution    string   `json:"resolution"`
	Recurrence    string   `json:"recurrence,omitempty"` // cron expression
	TriggerOnFact string   `json:"trigger_on_fact,omitempty"`
	Context       string   `json:"context,omitempty"`
	LinkedIDs     []string `json:"linked_ids,omitempty"`
	Status        string   `json:"status"`
	CreatedAt     string   `json:"created_at"`
	ResolvedAt    string   `json:"resolved_at,omitempty"`
}

// Dependency is a DAG edge: the observer stays pending until the subject
// satisfies the condition.
type Dependency struct {
	ID            int64  `json:"id"`
	ObserverID    string `json:"observer_id"`
	SubjectID     string `json:"subject_id"`
	Condition     string `json:"condition"`
	ConditionType string `json:"condition_type"`
	CreatedAt     string `json:"created_at"`
}

// DependencySpec describes a dependency to create alongside Add.
type DependencySpec struct {
	SubjectID     string
	Condition     string
	ConditionType string // empty = inferred from Condition
}

// AddParams are the inputs to Add. Summary is required, everything else
// optional.
type AddParams struct {
	Summary       string
	RawWhen       string
	ResolvedWhen  string
	Resolution    string
	Recurrence    string
	TriggerOnFact string
	Context       string
	LinkedIDs     []string
	DependsOn     []DependencySpec
}

// Store is the exclusive owner of one user's projection database.
type Store struct {
	db     *sql.DB
	userID string
	now    func() time.Time
}

// Open opens (creating if needed) the projection database at path.
// Base schema comes from the embedded migrations; later columns are handled
// by additive ALTERs that ignore "column exists" errors.
func Open(path, userID string) (*Store, error) {
	if err := runMigrations(path); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open projection db: %w", err)
	}
	// Single writer per user; the database serializes everything else.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}

	s := &Store{db: db, userID: userID, now: time.Now}
	if err := s.applyDriftColumns(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func runMigrations(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// applyDriftColumns adds columns introduced after the initial schema.
// ALTER failures for existing columns are expected and ignored.
func (s *Store) applyDriftColumns() error {
	alters := []string{
		"ALTER TABLE projections ADD COLUMN recurrence TEXT",
		"ALTER TABLE projections ADD COLUMN trigger_on_fact TEXT",
		"ALTER TABLE projections ADD COLUMN linked_ids TEXT NOT NULL DEFAULT '[]'",
	}
	for _, stmt := range alters {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("drift migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sqlNow() string {
	return s.now().UTC().Format(SQLTimeFormat)
}

// Add inserts a projection and its dependency rows in one transaction.
// Every entry in DependsOn is validated against the DAG invariants; any
// violation rolls the whole insert back.
func (s *Store) Add(p AddParams) (string, error) {
	if strings.TrimSpace(p.Summary) == "" {
		return "", &InvariantError{Reason: "projection summary must not be empty"}
	}
	if p.Resolution == "" {
		if p.ResolvedWhen != "" {
			p.Resolution = ResolutionDay
		} else {
			p.Resolution = ResolutionSomeday
		}
	}

	id := uuid.NewString()
	linked, err := json.Marshal(emptyIfNil(p.LinkedIDs))
	if err != nil {
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin add: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO projections
			(id, summary, raw_when, resolved_when, resolution, recurrence,
			 trigger_on_fact, context, linked_ids, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Summary, nullable(p.RawWhen), nullable(p.ResolvedWhen), p.Resolution,
		nullable(p.Recurrence), nullable(p.TriggerOnFact), nullable(p.Context),
		string(linked), StatusPending, s.sqlNow())
	if err != nil {
		return "", fmt.Errorf("insert projection: %w", err)
	}

	for _, dep := range p.DependsOn {
		if err := s.insertDependencyTx(tx, id, dep); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit add: %w", err)
	}
	slog.Debug("projection added", "user", s.userID, "id", id, "resolution", p.Resolution)
	return id, nil
}

// Get returns one projection by id.
func (s *Store) Get(id string) (*Projection, error) {
	rows, err := s.db.Query(selectProjection+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanProjections(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// GetUpcoming returns pending projections visible within the horizon:
// someday items, undated items, and anything due within horizonDays.
// Dated rows sort first (ascending), undated last.
func (s *Store) GetUpcoming(horizonDays int) ([]Projection, error) {
	horizon := s.now().UTC().AddDate(0, 0, horizonDays).Format(SQLTimeFormat)
	rows, err := s.db.Query(selectProjection+`
		WHERE status = ?
		  AND (resolution = ? OR resolved_when IS NULL OR resolved_when <= ?)
		ORDER BY resolved_when IS NULL, resolved_when ASC`,
		StatusPending, ResolutionSomeday, horizon)
	if err != nil {
		return nil, fmt.Errorf("get upcoming: %w", err)
	}
	defer rows.Close()
	return scanProjections(rows)
}

// GetExactDue returns pending exact projections due within windowMinutes.
// The 10-minute lower bound prevents re-firing an item whose resolved_at
// flush has not yet landed. windowMinutes must exceed the scheduler tick
// interval so nothing falls between ticks.
func (s *Store) GetExactDue(windowMinutes int) ([]Projection, error) {
	nowUTC := s.now().UTC()
	lower := nowUTC.Add(-10 * time.Minute).Format(SQLTimeFormat)
	upper := nowUTC.Add(time.Duration(windowMinutes) * time.Minute).Format(SQLTimeFormat)

	rows, err := s.db.Query(selectProjection+`
		WHERE status = ? AND resolution = ?
		  AND resolved_when > ? AND resolved_when <= ?
		ORDER BY resolved_when ASC`,
		StatusPending, ResolutionExact, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("get exact due: %w", err)
	}
	defer rows.Close()
	return scanProjections(rows)
}

// Resolve transitions a pending projection to done/cancelled/passed.
// Returns false when the row is missing or already terminal.
func (s *Store) Resolve(id, status string) (bool, error) {
	switch status {
	case StatusDone, StatusCancelled, StatusPassed:
	default:
		return false, &InvariantError{Reason: fmt.Sprintf("invalid resolve status %q", status)}
	}
	res, err := s.db.Exec(`
		UPDATE projections SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		status, s.sqlNow(), id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("resolve: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Rearm re-enters a fired recurring projection into pending with an advanced
// resolved_when and a cleared resolved_at. Cancelled and passed projections
// stay terminal; only pending and done rows can be rearmed.
func (s *Store) Rearm(id, nextResolvedWhen string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE projections
		SET status = ?, resolved_when = ?, resolved_at = NULL
		WHERE id = ? AND recurrence IS NOT NULL AND recurrence != ''
		  AND status IN (?, ?)`,
		StatusPending, nextResolvedWhen, id, StatusPending, StatusDone)
	if err != nil {
		return false, fmt.Errorf("rearm: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AutoExpire sweeps overdue pending projections into passed. Exact
// projections expire one hour after their time (already fired or missed);
// other resolutions use thresholdHours. Someday projections never expire.
// Returns the number of rows swept.
func (s *Store) AutoExpire(thresholdHours int) (int, error) {
	if thresholdHours <= 0 {
		thresholdHours = 24
	}
	nowUTC := s.now().UTC()
	exactCutoff := nowUTC.Add(-1 * time.Hour).Format(SQLTimeFormat)
	otherCutoff := nowUTC.Add(-time.Duration(thresholdHours) * time.Hour).Format(SQLTimeFormat)

	res, err := s.db.Exec(`
		UPDATE projections SET status = ?, resolved_at = ?
		WHERE status = ? AND resolution != ? AND resolved_when IS NOT NULL
		  AND ((resolution = ? AND resolved_when < ?)
		    OR (resolution != ? AND resolved_when < ?))`,
		StatusPassed, s.sqlNow(),
		StatusPending, ResolutionSomeday,
		ResolutionExact, exactCutoff,
		ResolutionExact, otherCutoff)
	if err != nil {
		return 0, fmt.Errorf("auto expire: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("projections auto-expired", "user", s.userID, "count", n)
	}
	return int(n), nil
}

// SetReflectionMeta stores a metadata value (e.g. last_reflection timestamp).
func (s *Store) SetReflectionMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO reflection_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetReflectionMeta returns a metadata value, "" when absent.
func (s *Store) GetReflectionMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM reflection_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

const selectProjection = `
	SELECT id, summary, raw_when, resolved_when, resolution, recurrence,
	       trigger_on_fact, context, linked_ids, status, created_at, resolved_at
	FROM projections`

func scanProjections(rows *sql.Rows) ([]Projection, error) {
	var out []Projection
	for rows.Next() {
		var p Projection
		var rawWhen, resolvedWhen, recurrence, trigger, pctx, resolvedAt sql.NullString
		var linked string
		if err := rows.Scan(&p.ID, &p.Summary, &rawWhen, &resolvedWhen, &p.Resolution,
			&recurrence, &trigger, &pctx, &linked, &p.Status, &p.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		p.RawWhen = rawWhen.String
		p.ResolvedWhen = resolvedWhen.String
		p.Recurrence = recurrence.String
		p.TriggerOnFact = trigger.String
		p.Context = pctx.String
		p.ResolvedAt = resolvedAt.String
		if linked != "" {
			_ = json.Unmarshal([]byte(linked), &p.LinkedIDs)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
