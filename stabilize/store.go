package stabilize

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// ErrResultNotFound is returned for an unknown frame id
var ErrResultNotFound = errors.New("result not found")

// Store persists stabilization results in SQLite, keyed by frame id
type Store struct {
	DB *sql.DB
}

// ResultSummary is one row of the result listing
type ResultSummary struct {
	FrameID          string      `json:"frameId"`
	ReferenceFrameID string      `json:"referenceFrameId"`
	ContentType      ContentType `json:"contentType"`
	Mode             Mode        `json:"mode"`
	FinalScore       float64     `json:"finalScore"`
	Passes           int         `json:"passes"`
	Failed           bool        `json:"failed"`
	StopReason       string      `json:"stopReason"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// OpenStore opens (or creates) the database at path and ensures the schema
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	// SQLite allows a single writer; batch workers share one connection
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	log.Printf("[STORE] Opened result store at %s", path)
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stabilization_results (
            frame_id TEXT PRIMARY KEY,
            reference_frame_id TEXT,
            content_type TEXT NOT NULL,
            mode TEXT NOT NULL,
            final_score REAL,
            passes INTEGER,
            failed BOOLEAN DEFAULT FALSE,
            stop_reason TEXT,
            result_json TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS pass_failures (
            frame_id TEXT NOT NULL,
            pass INTEGER,
            stage TEXT,
            kind TEXT,
            message TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_results_reference ON stabilization_results(reference_frame_id);`,
		`CREATE INDEX IF NOT EXISTS idx_failures_frame ON pass_failures(frame_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SaveResult inserts or replaces a frame's result and its failure rows
func (s *Store) SaveResult(r *StabilizationResult) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO stabilization_results
        (frame_id, reference_frame_id, content_type, mode, final_score, passes, failed, stop_reason, result_json, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		r.FrameID, r.ReferenceFrameID, string(r.ContentType), string(r.Mode), storableScore(r.FinalScore.Value),
		r.Passes, r.Failed, r.StopReason, string(data)); err != nil {
		return fmt.Errorf("saving result %s: %w", r.FrameID, err)
	}
	if _, err := tx.Exec(`DELETE FROM pass_failures WHERE frame_id=?;`, r.FrameID); err != nil {
		return err
	}
	for _, f := range r.Diagnostics.Failures {
		if _, err := tx.Exec(`INSERT INTO pass_failures (frame_id, pass, stage, kind, message) VALUES (?, ?, ?, ?, ?);`,
			r.FrameID, f.Pass, string(f.Stage), f.Kind, f.Message); err != nil {
			return fmt.Errorf("saving failures for %s: %w", r.FrameID, err)
		}
	}
	return tx.Commit()
}

// GetResult loads one frame's full result
func (s *Store) GetResult(frameID string) (*StabilizationResult, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var data string
	err := s.DB.QueryRow(`SELECT result_json FROM stabilization_results WHERE frame_id=?;`, frameID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, frameID)
	}
	if err != nil {
		return nil, err
	}

	var r StabilizationResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", frameID, err)
	}
	return &r, nil
}

// ListResults returns summaries, most recently updated first
func (s *Store) ListResults(limit int) ([]ResultSummary, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(`SELECT frame_id, reference_frame_id, content_type, mode, final_score, passes, failed, stop_reason, updated_at
        FROM stabilization_results ORDER BY updated_at DESC, frame_id ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ResultSummary{}
	for rows.Next() {
		var rs ResultSummary
		var ref, stop sql.NullString
		var contentType, mode string
		var score sql.NullFloat64
		if err := rows.Scan(&rs.FrameID, &ref, &contentType, &mode, &score, &rs.Passes, &rs.Failed, &stop, &rs.UpdatedAt); err != nil {
			return nil, err
		}
		rs.ReferenceFrameID = ref.String
		rs.ContentType = ContentType(contentType)
		rs.Mode = Mode(mode)
		rs.FinalScore = score.Float64
		rs.StopReason = stop.String
		out = append(out, rs)
	}
	return out, rows.Err()
}

// FailureCounts tallies recorded pass failures by kind
func (s *Store) FailureCounts() (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT kind, COUNT(*) FROM pass_failures GROUP BY kind;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// DeleteResult removes a frame's result
func (s *Store) DeleteResult(frameID string) error {
	if s == nil {
		return nil
	}
	res, err := s.DB.Exec(`DELETE FROM stabilization_results WHERE frame_id=?;`, frameID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrResultNotFound, frameID)
	}
	_, err = s.DB.Exec(`DELETE FROM pass_failures WHERE frame_id=?;`, frameID)
	return err
}

// storableScore stores non-finite scores as -1
func storableScore(v float64) float64 {
	if !isFinite(v) {
		return -1
	}
	return v
}
