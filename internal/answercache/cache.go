package answercache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/ziadkadry99/clarify/internal/db"
	"github.com/ziadkadry99/clarify/internal/embeddings"
)

const collectionName = "answers"

// Record is one cached question→answer pair. Records are append-only: a
// record is never mutated, newer records simply outrank older ones at lookup
// time through their decay weight.
type Record struct {
	ID               string    `json:"id"`
	QuestionText     string    `json:"question_text"`
	AnswerText       string    `json:"answer_text"`
	SelectedEntities []string  `json:"selected_entities,omitempty"`
	UserScope        string    `json:"user_scope"`
	CreatedAt        time.Time `json:"created_at"`
}

// Match is a cache hit with its ranking components.
type Match struct {
	Record
	Similarity  float64 `json:"similarity"`
	DecayWeight float64 `json:"decay_weight"`
	Weight      float64 `json:"weight"` // similarity * decay
}

// Config tunes lookup ranking.
type Config struct {
	SimilarityThreshold float64
	DecayFactor         float64 // applied per day of record age
	MinWeight           float64
}

// Store is the semantic answer-reuse cache: a chromem collection for
// nearest-neighbor retrieval plus a SQLite table as the bookkeeping record of
// truth (listing, compaction).
type Store struct {
	db         *db.DB
	vdb        *chromem.DB
	collection *chromem.Collection
	embedFunc  chromem.EmbeddingFunc
	cfg        Config
	now        func() time.Time
}

// NewStore creates an answer cache backed by the given database and embedder.
func NewStore(database *db.DB, embedder embeddings.Embedder, cfg Config) (*Store, error) {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.75
	}
	if cfg.DecayFactor == 0 {
		cfg.DecayFactor = 0.98
	}

	vdb := chromem.NewDB()
	ef := embeddings.ToChromemFunc(embedder)

	col, err := vdb.GetOrCreateCollection(collectionName, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Store{
		db:         database,
		vdb:        vdb,
		collection: col,
		embedFunc:  ef,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// Put appends a record to the cache. Callers only store answers from sessions
// that resolved, so abandoned and escalated Q&A pairs never reinforce lookups.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	entities, err := json.Marshal(rec.SelectedEntities)
	if err != nil {
		return fmt.Errorf("marshalling entities: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_answers (id, user_scope, question_text, answer_text, selected_entities, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserScope, rec.QuestionText, rec.AnswerText, string(entities),
		rec.CreatedAt.Format(time.DateTime),
	); err != nil {
		return fmt.Errorf("recording cached answer: %w", err)
	}

	doc := chromem.Document{
		ID:      rec.ID,
		Content: rec.QuestionText,
		Metadata: map[string]string{
			"user_scope":        rec.UserScope,
			"answer_text":       rec.AnswerText,
			"selected_entities": string(entities),
			"created_at":        rec.CreatedAt.Format(time.RFC3339),
		},
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		// Roll the row back so the table never lists a record the index
		// cannot return.
		if _, delErr := s.db.ExecContext(ctx, `DELETE FROM cached_answers WHERE id = ?`, rec.ID); delErr != nil {
			return fmt.Errorf("indexing cached answer: %w (row cleanup: %v)", err, delErr)
		}
		return fmt.Errorf("indexing cached answer: %w", err)
	}
	return nil
}

// FindSimilar returns the best-weighted cached answer for a near-duplicate
// question within the same user scope, or nil when nothing clears both the
// similarity threshold and the decayed minimum weight.
func (s *Store) FindSimilar(ctx context.Context, questionText, userScope string) (*Match, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	limit := 10
	if limit > count {
		limit = count
	}

	where := map[string]string{"user_scope": userScope}
	results, err := s.collection.Query(ctx, questionText, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("cache query: %w", err)
	}

	now := s.now().UTC()
	var best *Match
	for _, r := range results {
		similarity := float64(r.Similarity)
		if similarity < s.cfg.SimilarityThreshold {
			continue
		}

		createdAt, _ := time.Parse(time.RFC3339, r.Metadata["created_at"])
		ageDays := now.Sub(createdAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Pow(s.cfg.DecayFactor, ageDays)

		weight := similarity * decay
		if weight < s.cfg.MinWeight {
			continue
		}
		if best != nil && weight <= best.Weight {
			continue
		}

		var entities []string
		if raw := r.Metadata["selected_entities"]; raw != "" {
			json.Unmarshal([]byte(raw), &entities)
		}

		best = &Match{
			Record: Record{
				ID:               r.ID,
				QuestionText:     r.Content,
				AnswerText:       r.Metadata["answer_text"],
				SelectedEntities: entities,
				UserScope:        userScope,
				CreatedAt:        createdAt,
			},
			Similarity:  similarity,
			DecayWeight: decay,
			Weight:      weight,
		}
	}

	return best, nil
}

// List returns cached records for a scope, newest first. An empty scope
// returns all records.
func (s *Store) List(ctx context.Context, userScope string, limit int) ([]Record, error) {
	query := `SELECT id, user_scope, question_text, answer_text, selected_entities, created_at FROM cached_answers`
	var args []interface{}
	if userScope != "" {
		query += ` WHERE user_scope = ?`
		args = append(args, userScope)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var entities, createdAt string
		if err := rows.Scan(&rec.ID, &rec.UserScope, &rec.QuestionText, &rec.AnswerText, &entities, &createdAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(entities), &rec.SelectedEntities)
		if t, err := time.Parse(time.DateTime, createdAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Compact removes records older than maxAge from both the table and the
// vector index. Lookups keep serving the previous index state while the
// deletes run. Returns the number of removed records.
func (s *Store) Compact(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge).Format(time.DateTime)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM cached_answers WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("deleting from index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_answers WHERE created_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("deleting cached answers: %w", err)
	}

	return len(ids), nil
}

// Count returns the number of indexed records.
func (s *Store) Count() int {
	return s.collection.Count()
}

// Persist saves the vector index to the given directory.
func (s *Store) Persist(ctx context.Context, dir string) error {
	return s.vdb.ExportToFile(dir+"/answercache.gob.gz", true, "")
}

// Load restores the vector index from the given directory.
func (s *Store) Load(ctx context.Context, dir string) error {
	if err := s.vdb.ImportFromFile(dir+"/answercache.gob.gz", ""); err != nil {
		return fmt.Errorf("import from file: %w", err)
	}

	// Re-acquire collection reference after import.
	col := s.vdb.GetCollection(collectionName, s.embedFunc)
	if col == nil {
		return fmt.Errorf("collection %q not found after import", collectionName)
	}
	s.collection = col
	return nil
}
