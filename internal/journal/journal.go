// Package journal records scan sessions, frame verdicts and state
// transitions in a SQLite database for post-run inspection.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	startedAt REAL NOT NULL,
	endedAt REAL,
	state TEXT NOT NULL,
	frameCount INTEGER NOT NULL DEFAULT 0,
	maxFrames INTEGER NOT NULL,
	method TEXT NOT NULL,
	outputDir TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS frames (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	attempt INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	accepted INTEGER NOT NULL,
	sharpness REAL NOT NULL,
	brightness REAL NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	capturedAt REAL NOT NULL,
	PRIMARY KEY (sessionId, attempt)
);

CREATE TABLE IF NOT EXISTS transitions (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	at REAL NOT NULL,
	fromState TEXT NOT NULL,
	event TEXT NOT NULL,
	toState TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(sessionId, at);
`

// Session is one scan run.
type Session struct {
	ID         string
	StartedAt  time.Time
	EndedAt    *time.Time
	State      string
	FrameCount int
	MaxFrames  int
	Method     string
	OutputDir  string
}

// Frame is one evaluated capture, accepted or not.
type Frame struct {
	SessionID  string
	Seq        int // sequence index the capture was taken for
	Accepted   bool
	Sharpness  float64
	Brightness float64
	Reason     string
	Path       string
	CapturedAt time.Time
}

// Transition is one FSM state change.
type Transition struct {
	SessionID string
	At        time.Time
	From      string
	Event     string
	To        string
}

// Store is a read-write journal. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path. ":memory:" gives a
// private in-memory journal.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// a single connection keeps an in-memory database alive and serialises writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession inserts a new session row.
func (s *Store) BeginSession(sess Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, startedAt, state, frameCount, maxFrames, method, outputDir)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, unixFromTime(sess.StartedAt), sess.State, sess.FrameCount, sess.MaxFrames, sess.Method, sess.OutputDir)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession records the final state of a session.
func (s *Store) EndSession(id, state string, frameCount int, ended time.Time) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET endedAt = ?, state = ?, frameCount = ?
		WHERE id = ?
	`, unixFromTime(ended), state, frameCount, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session: %s not found", id)
	}
	return nil
}

// RecordFrame appends a frame verdict to a session.
func (s *Store) RecordFrame(f Frame) error {
	_, err := s.db.Exec(`
		INSERT INTO frames (sessionId, attempt, seq, accepted, sharpness, brightness, reason, path, capturedAt)
		VALUES (?, (SELECT COUNT(*) FROM frames WHERE sessionId = ?), ?, ?, ?, ?, ?, ?, ?)
	`, f.SessionID, f.SessionID, f.Seq, f.Accepted, f.Sharpness, f.Brightness, f.Reason, f.Path, unixFromTime(f.CapturedAt))
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return nil
}

// RecordTransition appends a state change to a session.
func (s *Store) RecordTransition(t Transition) error {
	_, err := s.db.Exec(`
		INSERT INTO transitions (sessionId, at, fromState, event, toState)
		VALUES (?, ?, ?, ?, ?)
	`, t.SessionID, unixFromTime(t.At), t.From, t.Event, t.To)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Sessions returns the most recent sessions first, at most limit (0 = all).
func (s *Store) Sessions(limit int) ([]Session, error) {
	query := `
		SELECT id, startedAt, endedAt, state, frameCount, maxFrames, method, outputDir
		FROM sessions
		ORDER BY startedAt DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// GetSession returns one session, or nil if it does not exist.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, startedAt, endedAt, state, frameCount, maxFrames, method, outputDir
		FROM sessions
		WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(r scanner) (*Session, error) {
	var sess Session
	var startedAt float64
	var endedAt sql.NullFloat64
	if err := r.Scan(&sess.ID, &startedAt, &endedAt, &sess.State,
		&sess.FrameCount, &sess.MaxFrames, &sess.Method, &sess.OutputDir); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = timeFromUnix(startedAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// Frames returns every frame verdict of a session in capture order.
func (s *Store) Frames(sessionID string) ([]Frame, error) {
	rows, err := s.db.Query(`
		SELECT sessionId, seq, accepted, sharpness, brightness, reason, path, capturedAt
		FROM frames
		WHERE sessionId = ?
		ORDER BY attempt ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		var capturedAt float64
		if err := rows.Scan(&f.SessionID, &f.Seq, &f.Accepted, &f.Sharpness,
			&f.Brightness, &f.Reason, &f.Path, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.CapturedAt = timeFromUnix(capturedAt)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Transitions returns the state changes of a session in order.
func (s *Store) Transitions(sessionID string) ([]Transition, error) {
	rows, err := s.db.Query(`
		SELECT sessionId, at, fromState, event, toState
		FROM transitions
		WHERE sessionId = ?
		ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at float64
		if err := rows.Scan(&t.SessionID, &at, &t.From, &t.Event, &t.To); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At = timeFromUnix(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
