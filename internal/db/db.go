// Package db persists trial outcomes and converged thresholds to SQLite.
// The trial runtime only depends on the trial.Sink interface; this package
// provides the default on-disk implementation plus the queries used by the
// session-report tool.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/percept-lab/hapticbench/internal/trial"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the results database at path.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			config            TEXT,
			started_at        TIMESTAMP,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS trials (
			session_id        TEXT,
			spec_name         TEXT,
			trial_index       BIGINT,
			reference         DOUBLE,
			test_stimulus     DOUBLE,
			offset            DOUBLE,
			reference_first   BOOLEAN,
			detected_raw      BOOLEAN,
			detected_reported BOOLEAN,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS thresholds (
			session_id        TEXT,
			spec_name         TEXT,
			threshold         DOUBLE,
			trials            BIGINT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db}, nil
}

// CreateSession registers a new measurement session.
func (db *DB) CreateSession(sessionID string, startedAt time.Time, configJSON string) error {
	_, err := db.Exec("INSERT INTO sessions (session_id, config, started_at) VALUES (?, ?, ?)",
		sessionID, configJSON, startedAt.UTC())
	return err
}

// RecordTrial stores one trial outcome.
func (db *DB) RecordTrial(sessionID string, r trial.Result) error {
	_, err := db.Exec(`INSERT INTO trials
		(session_id, spec_name, trial_index, reference, test_stimulus, offset,
		 reference_first, detected_raw, detected_reported)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.SpecName, r.TrialIndex, r.ReferenceStimulus, r.TestStimulus,
		r.Offset, r.ReferenceFirst, r.DetectedRaw, r.DetectedReported)
	return err
}

// RecordThreshold stores a converged threshold for a spec.
func (db *DB) RecordThreshold(sessionID, specName string, threshold float64, trials int) error {
	_, err := db.Exec(`INSERT INTO thresholds (session_id, spec_name, threshold, trials)
		VALUES (?, ?, ?, ?)`, sessionID, specName, threshold, trials)
	return err
}

// TrialRow is one stored trial outcome.
type TrialRow struct {
	SessionID        string
	SpecName         string
	TrialIndex       int
	Reference        float64
	TestStimulus     float64
	Offset           float64
	ReferenceFirst   bool
	DetectedRaw      bool
	DetectedReported bool
}

// SessionTrials returns the trials of a session ordered by trial index.
func (db *DB) SessionTrials(sessionID string) ([]TrialRow, error) {
	rows, err := db.Query(`SELECT session_id, spec_name, trial_index, reference,
		test_stimulus, offset, reference_first, detected_raw, detected_reported
		FROM trials WHERE session_id = ? ORDER BY trial_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrialRow
	for rows.Next() {
		var r TrialRow
		if err := rows.Scan(&r.SessionID, &r.SpecName, &r.TrialIndex, &r.Reference,
			&r.TestStimulus, &r.Offset, &r.ReferenceFirst, &r.DetectedRaw,
			&r.DetectedReported); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ThresholdRow is one converged threshold.
type ThresholdRow struct {
	SessionID string
	SpecName  string
	Threshold float64
	Trials    int
}

// SessionThresholds returns the thresholds recorded for a session.
func (db *DB) SessionThresholds(sessionID string) ([]ThresholdRow, error) {
	rows, err := db.Query(`SELECT session_id, spec_name, threshold, trials
		FROM thresholds WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThresholdRow
	for rows.Next() {
		var r ThresholdRow
		if err := rows.Scan(&r.SessionID, &r.SpecName, &r.Threshold, &r.Trials); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionIDs lists all known sessions, newest first.
func (db *DB) SessionIDs() ([]string, error) {
	rows, err := db.Query(`SELECT session_id FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SessionSink binds the store to one session ID and implements trial.Sink.
type SessionSink struct {
	db        *DB
	sessionID string
}

// Sink returns a trial.Sink writing into the given session.
func (db *DB) Sink(sessionID string) *SessionSink {
	return &SessionSink{db: db, sessionID: sessionID}
}

func (s *SessionSink) RecordTrial(r trial.Result) error {
	return s.db.RecordTrial(s.sessionID, r)
}

func (s *SessionSink) RecordThreshold(specName string, threshold float64, trials int) error {
	return s.db.RecordThreshold(s.sessionID, specName, threshold, trials)
}
