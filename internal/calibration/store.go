package calibration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/clarify/internal/confidence"
	"github.com/ziadkadry99/clarify/internal/db"
)

// Outcome is the observed result of a resolved automation downstream of a
// clarification session.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeModified Outcome = "modified"
)

var validOutcomes = map[Outcome]bool{
	OutcomeApproved: true,
	OutcomeRejected: true,
	OutcomeModified: true,
}

// Valid reports whether the outcome is one of the enumerated values.
func (o Outcome) Valid() bool {
	return validOutcomes[o]
}

// Sample pairs a session's predicted confidence with its actual outcome.
// The log is append-only per session: reporting twice overwrites the sample
// rather than duplicating it.
type Sample struct {
	ID                  string            `json:"id"`
	SessionID           string            `json:"session_id"`
	PredictedConfidence float64           `json:"predicted_confidence"`
	ActualOutcome       Outcome           `json:"actual_outcome"`
	ContextFeatures     map[string]string `json:"context_features,omitempty"`
	RecordedAt          time.Time         `json:"recorded_at"`
}

// Config tunes the recalibration batch job.
type Config struct {
	WindowSize int
	MaxStep    float64
}

// Bands used to classify miscalibrated samples.
const (
	highConfidence = 0.8
	lowConfidence  = 0.6
)

// Store records calibration samples and maintains the versioned weight sets
// the confidence calculator reads. The current weight set is swapped
// atomically so a computation never observes a partial update.
type Store struct {
	db      *db.DB
	cfg     Config
	current atomic.Pointer[confidence.WeightSet]
}

// NewStore creates a calibration store and loads the latest committed
// weight set (or the defaults when none has been committed yet).
func NewStore(database *db.DB, cfg Config) (*Store, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 0.05
	}

	s := &Store{db: database, cfg: cfg}
	if err := s.loadLatest(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// CurrentWeights returns the latest committed weight set.
func (s *Store) CurrentWeights() confidence.WeightSet {
	return *s.current.Load()
}

// RecordOutcome upserts the sample for a session. Idempotent per session id:
// a repeated report replaces the previous sample.
func (s *Store) RecordOutcome(ctx context.Context, sessionID string, predicted float64, outcome Outcome, features map[string]string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !validOutcomes[outcome] {
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("marshalling features: %w", err)
	}
	if features == nil {
		raw = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calibration_samples (id, session_id, predicted_confidence, actual_outcome, context_features, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			predicted_confidence = excluded.predicted_confidence,
			actual_outcome = excluded.actual_outcome,
			context_features = excluded.context_features,
			recorded_at = excluded.recorded_at`,
		uuid.NewString(), sessionID, predicted, string(outcome), string(raw),
		time.Now().UTC().Format(time.DateTime),
	)
	return err
}

// Stats aggregates the recorded samples.
type Stats struct {
	TotalSamples  int             `json:"total_samples"`
	ByOutcome     map[Outcome]int `json:"by_outcome"`
	AvgPredicted  float64         `json:"avg_predicted"`
	WeightVersion int64           `json:"weight_version"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByOutcome: make(map[Outcome]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT actual_outcome, COUNT(*) FROM calibration_samples GROUP BY actual_outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		stats.ByOutcome[Outcome(outcome)] = count
		stats.TotalSamples += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(predicted_confidence), 0) FROM calibration_samples`).Scan(&stats.AvgPredicted)
	if err != nil {
		return nil, err
	}

	stats.WeightVersion = s.CurrentWeights().Version
	return stats, nil
}

// Samples returns the most recent samples, newest first.
func (s *Store) Samples(ctx context.Context, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = s.cfg.WindowSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, predicted_confidence, actual_outcome, context_features, recorded_at
		FROM calibration_samples
		ORDER BY recorded_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var smp Sample
		var outcome, features, recordedAt string
		if err := rows.Scan(&smp.ID, &smp.SessionID, &smp.PredictedConfidence, &outcome, &features, &recordedAt); err != nil {
			return nil, err
		}
		smp.ActualOutcome = Outcome(outcome)
		json.Unmarshal([]byte(features), &smp.ContextFeatures)
		if t, err := time.Parse(time.DateTime, recordedAt); err == nil {
			smp.RecordedAt = t
		}
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// Recalibrate recomputes weight adjustments from the rolling sample window
// and commits a new weight set version. The adjustment is additive and
// bounded by MaxStep per batch to prevent oscillation. Sessions that
// predicted high confidence but were rejected push the critical-coverage
// weight up; low-confidence sessions that were approved loosen it.
func (s *Store) Recalibrate(ctx context.Context) (confidence.WeightSet, error) {
	samples, err := s.Samples(ctx, s.cfg.WindowSize)
	if err != nil {
		return confidence.WeightSet{}, fmt.Errorf("loading samples: %w", err)
	}

	current := s.CurrentWeights()
	if len(samples) == 0 {
		return current, nil
	}

	var overconfident, underconfident int
	for _, smp := range samples {
		if smp.PredictedConfidence >= highConfidence && smp.ActualOutcome == OutcomeRejected {
			overconfident++
		}
		if smp.PredictedConfidence <= lowConfidence && smp.ActualOutcome == OutcomeApproved {
			underconfident++
		}
	}

	n := float64(len(samples))
	delta := s.cfg.MaxStep * (float64(overconfident) - float64(underconfident)) / n

	next := current
	next.Critical = clampRange(current.Critical+delta, 0.3, 0.7)
	next.Important = clampRange(current.Important-delta/2, 0.1, 0.3)
	next.Quality = clampRange(current.Quality-delta/2, 0.05, 0.2)
	next.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO weight_sets (critical_weight, important_weight, quality_weight, pattern_weight, adjustment, sample_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		next.Critical, next.Important, next.Quality, next.Pattern,
		delta, len(samples), next.CreatedAt.Format(time.DateTime),
	)
	if err != nil {
		return confidence.WeightSet{}, fmt.Errorf("committing weight set: %w", err)
	}
	version, err := res.LastInsertId()
	if err != nil {
		return confidence.WeightSet{}, err
	}
	next.Version = version

	s.current.Store(&next)
	return next, nil
}

// Run recalibrates on a fixed interval until the context is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration, logf func(format string, args ...interface{})) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws, err := s.Recalibrate(ctx); err != nil {
				logf("calibration: recalibrate: %v", err)
			} else {
				logf("calibration: committed weight set v%d (critical=%.3f)", ws.Version, ws.Critical)
			}
		}
	}
}

func (s *Store) loadLatest(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, critical_weight, important_weight, quality_weight, pattern_weight, created_at
		FROM weight_sets ORDER BY version DESC LIMIT 1`)

	var ws confidence.WeightSet
	var createdAt string
	err := row.Scan(&ws.Version, &ws.Critical, &ws.Important, &ws.Quality, &ws.Pattern, &createdAt)
	if err == sql.ErrNoRows {
		defaults := confidence.DefaultWeights()
		s.current.Store(&defaults)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading weight set: %w", err)
	}
	if t, err := time.Parse(time.DateTime, createdAt); err == nil {
		ws.CreatedAt = t
	}

	s.current.Store(&ws)
	return nil
}

func clampRange(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
