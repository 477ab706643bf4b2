package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/facescan/internal/types"
)

// Store persists scan sessions and their detection results in PostgreSQL.
// It holds a single connection and is not safe for concurrent use; the scan
// command only writes from the delivery lane.
type Store struct {
	conn *pgx.Conn
}

// SessionRecord is one row of scan_sessions.
type SessionRecord struct {
	ID         string
	Engine     string
	Source     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Total      int
	Faces      int
	Errors     int
	Cancelled  bool
}

// Summary is written when a session ends.
type Summary struct {
	Total     int
	Faces     int
	Errors    int
	Cancelled bool
}

// ResultRecord is one row of detection_results with its faces.
type ResultRecord struct {
	AssetID  string
	Location string
	Error    string
	Elapsed  time.Duration
	Faces    []types.Rect
	// Failed is true when no faces could be produced for the asset.
	Failed bool
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS scan_sessions (
			id TEXT PRIMARY KEY,
			engine TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			total INT NOT NULL DEFAULT 0,
			faces INT NOT NULL DEFAULT 0,
			errors INT NOT NULL DEFAULT 0,
			cancelled BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE TABLE IF NOT EXISTS detection_results (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES scan_sessions(id) ON DELETE CASCADE,
			asset_id TEXT NOT NULL,
			location TEXT NOT NULL,
			failed BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			elapsed_ms BIGINT NOT NULL,
			detected_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (session_id, asset_id)
		);
		CREATE TABLE IF NOT EXISTS faces (
			id BIGSERIAL PRIMARY KEY,
			result_id BIGINT NOT NULL REFERENCES detection_results(id) ON DELETE CASCADE,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			w DOUBLE PRECISION NOT NULL,
			h DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS detection_results_session_id_idx ON detection_results (session_id);
		CREATE INDEX IF NOT EXISTS faces_result_id_idx ON faces (result_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// CreateSession registers a new scan session.
func (s *Store) CreateSession(ctx context.Context, id, engine, source string, startedAt time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid session id %q: %w", id, err)
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO scan_sessions (id, engine, source, started_at)
		VALUES ($1, $2, $3, $4)
	`, id, engine, source, startedAt)
	return err
}

// FinishSession records the final counters of a session.
func (s *Store) FinishSession(ctx context.Context, id string, sum Summary) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE scan_sessions
		SET finished_at = NOW(), total = $2, faces = $3, errors = $4, cancelled = $5
		WHERE id = $1
	`, id, sum.Total, sum.Faces, sum.Errors, sum.Cancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// InsertResult saves one detection result and its faces atomically. A
// re-delivered asset replaces its earlier row.
func (s *Store) InsertResult(ctx context.Context, sessionID, location string, r types.Result) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	faces, ok := r.Faces()
	errText := ""
	if err := r.Err(); err != nil {
		errText = err.Error()
	}

	var resultID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO detection_results (session_id, asset_id, location, failed, error, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, asset_id) DO UPDATE
		SET location = EXCLUDED.location, failed = EXCLUDED.failed, error = EXCLUDED.error,
			elapsed_ms = EXCLUDED.elapsed_ms, detected_at = NOW()
		RETURNING id
	`, sessionID, r.Identifier(), location, !ok, errText, r.Elapsed().Milliseconds()).Scan(&resultID)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM faces WHERE result_id = $1", resultID); err != nil {
		return err
	}
	if len(faces) > 0 {
		rows := make([][]any, 0, len(faces))
		for _, f := range faces {
			rows = append(rows, []any{resultID, f.Box.X, f.Box.Y, f.Box.W, f.Box.H})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"faces"}, []string{"result_id", "x", "y", "w", "h"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("failed to insert faces: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, engine, source, started_at, finished_at, total, faces, errors, cancelled
		FROM scan_sessions
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.Engine, &r.Source, &r.StartedAt, &r.FinishedAt, &r.Total, &r.Faces, &r.Errors, &r.Cancelled); err != nil {
			return nil, err
		}
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

// Results returns the stored results of a session ordered by asset ID.
func (s *Store) Results(ctx context.Context, sessionID string) ([]ResultRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT r.id, r.asset_id, r.location, r.failed, r.error, r.elapsed_ms,
			f.x, f.y, f.w, f.h
		FROM detection_results r
		LEFT JOIN faces f ON f.result_id = r.id
		WHERE r.session_id = $1
		ORDER BY r.asset_id, f.id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRecord
	lastID := int64(-1)
	for rows.Next() {
		var (
			id         int64
			rec        ResultRecord
			elapsedMS  int64
			x, y, w, h *float64
		)
		if err := rows.Scan(&id, &rec.AssetID, &rec.Location, &rec.Failed, &rec.Error, &elapsedMS, &x, &y, &w, &h); err != nil {
			return nil, err
		}
		if id != lastID {
			rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
			out = append(out, rec)
			lastID = id
		}
		if x != nil {
			cur := &out[len(out)-1]
			cur.Faces = append(cur.Faces, types.Rect{X: *x, Y: *y, W: *w, H: *h})
		}
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS faces CASCADE;
		DROP TABLE IF EXISTS detection_results CASCADE;
		DROP TABLE IF EXISTS scan_sessions CASCADE;
	`)
	return err
}
