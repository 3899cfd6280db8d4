package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ziadkadry99/clarify/internal/db"
)

// Store persists sessions. Ambiguities, rounds and the confidence breakdown
// are stored as JSON blobs; the scalar columns exist for filtering.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	ambiguities, rounds, breakdown, err := marshalBlobs(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clarification_sessions
			(id, user_scope, original_query, state, ambiguities, rounds,
			 current_confidence, breakdown, pattern_support, terminal_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserScope, sess.OriginalQuery, string(sess.State),
		ambiguities, rounds, sess.CurrentConfidence, breakdown, sess.PatternSupport,
		nullable(sess.TerminalReason),
		sess.CreatedAt.Format(time.DateTime), sess.UpdatedAt.Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Update overwrites the mutable state of an existing session.
func (s *Store) Update(ctx context.Context, sess *Session) error {
	ambiguities, rounds, breakdown, err := marshalBlobs(sess)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE clarification_sessions SET
			state = ?, ambiguities = ?, rounds = ?, current_confidence = ?,
			breakdown = ?, pattern_support = ?, terminal_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(sess.State), ambiguities, rounds, sess.CurrentConfidence,
		breakdown, sess.PatternSupport, nullable(sess.TerminalReason),
		sess.UpdatedAt.Format(time.DateTime), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_scope, original_query, state, ambiguities, rounds,
		       current_confidence, breakdown, pattern_support, terminal_reason, created_at, updated_at
		FROM clarification_sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

// List returns sessions, newest first, optionally filtered by state and
// user scope.
func (s *Store) List(ctx context.Context, state State, userScope string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_scope, original_query, state, ambiguities, rounds,
		       current_confidence, breakdown, pattern_support, terminal_reason, created_at, updated_at
		FROM clarification_sessions WHERE 1=1`
	var args []interface{}
	if state != "" {
		query += " AND state = ?"
		args = append(args, string(state))
	}
	if userScope != "" {
		query += " AND user_scope = ?"
		args = append(args, userScope)
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// IdleSince returns ids of active sessions whose last update predates the
// cutoff.
func (s *Store) IdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM clarification_sessions
		WHERE state IN ('created', 'awaiting_answers', 'evaluating') AND updated_at < ?`,
		cutoff.Format(time.DateTime))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats summarizes the session archive.
type Stats struct {
	TotalSessions         int           `json:"total_sessions"`
	ByState               map[State]int `json:"by_state"`
	AvgResolvedConfidence float64       `json:"avg_resolved_confidence"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByState: make(map[State]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM clarification_sessions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.ByState[State(state)] = count
		stats.TotalSessions += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(current_confidence), 0) FROM clarification_sessions
		WHERE state = 'resolved'`).Scan(&stats.AvgResolvedConfidence)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var state, ambiguities, rounds, breakdown, createdAt, updatedAt string
	var reason sql.NullString

	err := row.Scan(&sess.ID, &sess.UserScope, &sess.OriginalQuery, &state,
		&ambiguities, &rounds, &sess.CurrentConfidence, &breakdown,
		&sess.PatternSupport, &reason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sess.State = State(state)
	sess.TerminalReason = reason.String
	if err := json.Unmarshal([]byte(ambiguities), &sess.Ambiguities); err != nil {
		return nil, fmt.Errorf("decoding ambiguities: %w", err)
	}
	if err := json.Unmarshal([]byte(rounds), &sess.Rounds); err != nil {
		return nil, fmt.Errorf("decoding rounds: %w", err)
	}
	if err := json.Unmarshal([]byte(breakdown), &sess.Breakdown); err != nil {
		return nil, fmt.Errorf("decoding breakdown: %w", err)
	}
	if t, err := time.Parse(time.DateTime, createdAt); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.DateTime, updatedAt); err == nil {
		sess.UpdatedAt = t
	}

	// JSON round-trips a nil answers map to null.
	for i := range sess.Rounds {
		if sess.Rounds[i].Answers == nil {
			sess.Rounds[i].Answers = make(map[string]Answer)
		}
	}
	return &sess, nil
}

func marshalBlobs(sess *Session) (ambiguities, rounds, breakdown string, err error) {
	a, err := json.Marshal(sess.Ambiguities)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding ambiguities: %w", err)
	}
	r, err := json.Marshal(sess.Rounds)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding rounds: %w", err)
	}
	b, err := json.Marshal(sess.Breakdown)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding breakdown: %w", err)
	}
	return string(a), string(r), string(b), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
