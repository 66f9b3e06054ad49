// Package store keeps a SQLite catalog of calibration runs so that images
// can be aligned later without re-running the calibration.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"camera-alignment/internal/alignment"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no calibration matches a query.
var ErrNotFound = errors.New("calibration not found")

// Store wraps SQLite-backed persistence for calibrations.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calibrations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            optical_control TEXT NOT NULL,
            magnification INTEGER NOT NULL,
            reference_channel TEXT NOT NULL,
            moving_channel TEXT NOT NULL,
            transform_json TEXT NOT NULL,
            pairs INTEGER,
            residual REAL,
            qc_passed BOOLEAN,
            qc_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_calibrations_control ON calibrations(optical_control, magnification);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// CalibrationRecord is one persisted calibration.
type CalibrationRecord struct {
	ID               int64
	OpticalControl   string
	Magnification    int
	ReferenceChannel string
	MovingChannel    string
	Transform        alignment.Transform
	Pairs            int
	Residual         float64
	QCPassed         *bool
	QC               map[string]any
	CreatedAt        time.Time
}

// SaveCalibration inserts rec and returns its id.
func (s *Store) SaveCalibration(rec CalibrationRecord) (int64, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	transformJSON, err := json.Marshal(rec.Transform)
	if err != nil {
		return 0, fmt.Errorf("marshal transform: %w", err)
	}
	var qcJSON sql.NullString
	if rec.QC != nil {
		data, err := json.Marshal(rec.QC)
		if err != nil {
			return 0, fmt.Errorf("marshal qc: %w", err)
		}
		qcJSON = sql.NullString{String: string(data), Valid: true}
	}
	var passed sql.NullBool
	if rec.QCPassed != nil {
		passed = sql.NullBool{Bool: *rec.QCPassed, Valid: true}
	}

	res, err := s.DB.Exec(`INSERT INTO calibrations (optical_control, magnification, reference_channel, moving_channel, transform_json, pairs, residual, qc_passed, qc_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.OpticalControl, rec.Magnification, rec.ReferenceChannel, rec.MovingChannel,
		string(transformJSON), rec.Pairs, rec.Residual, passed, qcJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const selectCalibration = `SELECT id, optical_control, magnification, reference_channel, moving_channel, transform_json, pairs, residual, qc_passed, qc_json, created_at FROM calibrations`

// Calibration fetches a calibration by id.
func (s *Store) Calibration(id int64) (*CalibrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return scanCalibration(s.DB.QueryRow(selectCalibration+` WHERE id=?;`, id))
}

// LatestCalibration returns the most recent calibration of an optical
// control at a magnification.
func (s *Store) LatestCalibration(control string, magnification int) (*CalibrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return scanCalibration(s.DB.QueryRow(selectCalibration+` WHERE optical_control=? AND magnification=? ORDER BY id DESC LIMIT 1;`,
		control, magnification))
}

// RecentCalibrations returns the latest calibrations up to limit.
func (s *Store) RecentCalibrations(limit int) ([]CalibrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(selectCalibration+` ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CalibrationRecord
	for rows.Next() {
		rec, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCalibration(row scanner) (*CalibrationRecord, error) {
	var (
		rec           CalibrationRecord
		transformJSON string
		pairs         sql.NullInt64
		residual      sql.NullFloat64
		passed        sql.NullBool
		qcJSON        sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.OpticalControl, &rec.Magnification, &rec.ReferenceChannel, &rec.MovingChannel,
		&transformJSON, &pairs, &residual, &passed, &qcJSON, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(transformJSON), &rec.Transform); err != nil {
		return nil, fmt.Errorf("unmarshal transform: %w", err)
	}
	rec.Pairs = int(pairs.Int64)
	rec.Residual = residual.Float64
	if passed.Valid {
		rec.QCPassed = &passed.Bool
	}
	if qcJSON.Valid {
		if err := json.Unmarshal([]byte(qcJSON.String), &rec.QC); err != nil {
			return nil, fmt.Errorf("unmarshal qc: %w", err)
		}
	}
	return &rec, nil
}
