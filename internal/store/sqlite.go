package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

const schemaVersion = 1

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    campaign_id TEXT NOT NULL DEFAULT '',
    control_id TEXT NOT NULL,
    treatments TEXT NOT NULL,
    allocation TEXT NOT NULL,
    primary_metric TEXT NOT NULL DEFAULT 'conversion_rate',
    guardrail_metrics TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'draft',
    winner TEXT,
    feature_flag_id TEXT,
    created_by TEXT NOT NULL DEFAULT 'system',
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
    started_at INTEGER,
    ended_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_experiments_campaign ON experiments(campaign_id);

CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    experiment_name TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    conversions INTEGER NOT NULL,
    visits INTEGER NOT NULL,
    unsubscribe_rate REAL,
    complaint_rate REAL,
    recorded_at INTEGER NOT NULL DEFAULT (unixepoch()),
    FOREIGN KEY (experiment_name) REFERENCES experiments(name)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_experiment ON snapshots(experiment_name);
CREATE INDEX IF NOT EXISTS idx_snapshots_variant ON snapshots(experiment_name, variant_id, id);

CREATE TABLE IF NOT EXISTS decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    experiment_name TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    winner TEXT,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    FOREIGN KEY (experiment_name) REFERENCES experiments(name)
);

CREATE INDEX IF NOT EXISTS idx_decisions_experiment ON decisions(experiment_name, id);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection so the busy_timeout pragma holds for every caller;
	// concurrent writers queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// checkSchemaVersion stamps new databases and refuses ones written by
// a newer build.
func (s *SQLiteStore) checkSchemaVersion() error {
	ctx := context.Background()

	stored, err := s.GetSetting(ctx, "schema_version")
	if errors.Is(err, ErrNotFound) {
		return s.SetSetting(ctx, "schema_version", strconv.Itoa(schemaVersion))
	}
	if err != nil {
		return err
	}

	version, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("failed to parse schema version %q: %w", stored, err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	treatmentsJSON, err := json.Marshal(exp.Treatments)
	if err != nil {
		return fmt.Errorf("failed to marshal treatments: %w", err)
	}
	allocationJSON, err := json.Marshal(exp.Allocation)
	if err != nil {
		return fmt.Errorf("failed to marshal allocation: %w", err)
	}
	guardrailsJSON, err := json.Marshal(exp.GuardrailMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal guardrail metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, campaign_id, control_id, treatments, allocation,
		                          primary_metric, guardrail_metrics, status, winner, feature_flag_id,
		                          created_by, created_at, updated_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, exp.CampaignID, exp.ControlID, string(treatmentsJSON), string(allocationJSON),
		exp.PrimaryMetric, string(guardrailsJSON), string(exp.Status), nullable(exp.Winner), nullable(exp.FeatureFlagID),
		exp.CreatedBy, exp.CreatedAt.Unix(), exp.UpdatedAt.Unix(), nullableTime(exp.StartedAt), nullableTime(exp.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("experiment %q %w", exp.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert experiment: %w", err)
	}

	return nil
}

const experimentColumns = `id, name, campaign_id, control_id, treatments, allocation,
       primary_metric, guardrail_metrics, status, winner, feature_flag_id,
       created_by, created_at, updated_at, started_at, ended_at`

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	var treatmentsJSON, allocationJSON, guardrailsJSON string
	var winner, featureFlagID sql.NullString
	var createdAt, updatedAt int64
	var startedAt, endedAt sql.NullInt64

	err := row.Scan(&exp.ID, &exp.Name, &exp.CampaignID, &exp.ControlID, &treatmentsJSON, &allocationJSON,
		&exp.PrimaryMetric, &guardrailsJSON, &exp.Status, &winner, &featureFlagID,
		&exp.CreatedBy, &createdAt, &updatedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan experiment: %w", err)
	}

	if err := json.Unmarshal([]byte(treatmentsJSON), &exp.Treatments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal treatments: %w", err)
	}
	if err := json.Unmarshal([]byte(allocationJSON), &exp.Allocation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(guardrailsJSON), &exp.GuardrailMetrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guardrail metrics: %w", err)
	}

	exp.Winner = winner.String
	exp.FeatureFlagID = featureFlagID.String
	exp.CreatedAt = time.Unix(createdAt, 0)
	exp.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		exp.StartedAt = &t
	}
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		exp.EndedAt = &t
	}

	return &exp, nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name)
	return scanExperiment(row)
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var exps []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}

	return exps, rows.Err()
}

// UpdateExperimentStatus writes a new lifecycle status. The first move
// to active stamps started_at; completed and failed stamp ended_at.
// Transition rules live on experiment.Experiment; callers validate
// before persisting.
func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, name string, status experiment.Status) error {
	now := time.Now().Unix()

	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET
		     status = ?,
		     updated_at = ?,
		     started_at = CASE WHEN ? = 'active' AND started_at IS NULL THEN ? ELSE started_at END,
		     ended_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE ended_at END
		 WHERE name = ?`,
		string(status), now, string(status), now, string(status), now, name,
	)
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}

	return requireAffected(result)
}

// SetWinner records the winning variant and completes the experiment.
func (s *SQLiteStore) SetWinner(ctx context.Context, name, winner string) error {
	now := time.Now().Unix()

	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET winner = ?, status = 'completed', updated_at = ?,
		     ended_at = COALESCE(ended_at, ?)
		 WHERE name = ?`,
		nullable(winner), now, now, name,
	)
	if err != nil {
		return fmt.Errorf("failed to set winner: %w", err)
	}

	return requireAffected(result)
}

func (s *SQLiteStore) UpdateAllocation(ctx context.Context, name string, allocation []int) error {
	allocationJSON, err := json.Marshal(allocation)
	if err != nil {
		return fmt.Errorf("failed to marshal allocation: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET allocation = ?, updated_at = ? WHERE name = ?`,
		string(allocationJSON), time.Now().Unix(), name,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}

	return requireAffected(result)
}

func (s *SQLiteStore) DeleteExperiment(ctx context.Context, name string) error {
	// Delete dependents first
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE experiment_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE experiment_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete decisions: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}

	return requireAffected(result)
}

// RecordSnapshot appends one observation of a variant's cumulative
// metrics. RecordedAt defaults to now when zero.
func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	recordedAt := snap.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (experiment_name, variant_id, conversions, visits, unsubscribe_rate, complaint_rate, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ExperimentName, snap.VariantID, snap.Conversions, snap.Visits,
		nullableFloat(snap.UnsubscribeRate), nullableFloat(snap.ComplaintRate), recordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}

	return nil
}

const snapshotColumns = `id, experiment_name, variant_id, conversions, visits, unsubscribe_rate, complaint_rate, recorded_at`

func scanSnapshot(row scanner) (Snapshot, error) {
	var snap Snapshot
	var unsubscribeRate, complaintRate sql.NullFloat64
	var recordedAt int64

	err := row.Scan(&snap.ID, &snap.ExperimentName, &snap.VariantID, &snap.Conversions, &snap.Visits,
		&unsubscribeRate, &complaintRate, &recordedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	if unsubscribeRate.Valid {
		snap.UnsubscribeRate = &unsubscribeRate.Float64
	}
	if complaintRate.Valid {
		snap.ComplaintRate = &complaintRate.Float64
	}
	snap.RecordedAt = time.Unix(recordedAt, 0)

	return snap, nil
}

// LatestMetrics returns the most recent snapshot of every variant in
// the experiment, ordered by variant id.
func (s *SQLiteStore) LatestMetrics(ctx context.Context, experimentName string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE id IN (
			SELECT MAX(id) FROM snapshots WHERE experiment_name = ? GROUP BY variant_id
		)
		ORDER BY variant_id
	`, experimentName)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest metrics: %w", err)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// SnapshotHistory returns every snapshot of the experiment in
// insertion order.
func (s *SQLiteStore) SnapshotHistory(ctx context.Context, experimentName string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE experiment_name = ? ORDER BY id`,
		experimentName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot history: %w", err)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

func collectSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SaveDecision appends an engine decision to the experiment's audit
// trail.
func (s *SQLiteStore) SaveDecision(ctx context.Context, experimentName string, decision *engine.Decision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (experiment_name, recommendation, winner, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		experimentName, string(decision.Recommendation.Action), nullable(decision.SignificantWinner),
		string(payload), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}

	return nil
}

// LatestDecision returns the most recent decision for the experiment,
// or ErrNotFound when none was ever recorded.
func (s *SQLiteStore) LatestDecision(ctx context.Context, experimentName string) (*DecisionRecord, error) {
	var rec DecisionRecord
	var winner sql.NullString
	var payload string
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_name, recommendation, winner, payload, created_at
		 FROM decisions WHERE experiment_name = ? ORDER BY id DESC LIMIT 1`,
		experimentName,
	).Scan(&rec.ID, &rec.ExperimentName, &rec.Recommendation, &winner, &payload, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest decision: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &rec.Decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	rec.Winner = winner.String
	rec.CreatedAt = time.Unix(createdAt, 0)

	return &rec, nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
