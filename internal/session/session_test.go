package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ziadkadry99/clarify/internal/ambiguity"
	"github.com/ziadkadry99/clarify/internal/answercache"
	"github.com/ziadkadry99/clarify/internal/calibration"
	"github.com/ziadkadry99/clarify/internal/db"
	"github.com/ziadkadry99/clarify/internal/embeddings"
	"github.com/ziadkadry99/clarify/internal/questions"
)

// echoEmbedder produces deterministic vectors from character trigrams so
// cache tests behave the same on every run.
type echoEmbedder struct{}

func (echoEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 64)
		lower := strings.ToLower(text)
		for j := 0; j+3 <= len(lower); j++ {
			h := 0
			for _, c := range lower[j : j+3] {
				h = h*31 + int(c)
			}
			if h < 0 {
				h = -h
			}
			vec[h%64]++
		}
		var norm float32
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			inv := 1 / float32(sqrt64(float64(norm)))
			for k := range vec {
				vec[k] *= inv
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (echoEmbedder) Dimensions() int { return 64 }
func (echoEmbedder) Name() string    { return "echo" }

func sqrt64(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 24; i++ {
		x = (x + v/x) / 2
	}
	return x
}

var _ embeddings.Embedder = echoEmbedder{}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *calibration.Store) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	calib, err := calibration.NewStore(database, calibration.Config{})
	if err != nil {
		t.Fatalf("creating calibration store: %v", err)
	}
	return NewEngine(NewStore(database), nil, calib, nil, nil, cfg), calib
}

func newTestEngineWithCache(t *testing.T, cfg Config) *Engine {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	calib, err := calibration.NewStore(database, calibration.Config{})
	if err != nil {
		t.Fatalf("creating calibration store: %v", err)
	}
	cache, err := answercache.NewStore(database, echoEmbedder{}, answercache.Config{
		SimilarityThreshold: 0.9,
		DecayFactor:         0.98,
		MinWeight:           0.1,
	})
	if err != nil {
		t.Fatalf("creating answer cache: %v", err)
	}
	return NewEngine(NewStore(database), cache, calib, nil, nil, cfg)
}

func qptr(v float64) *float64 { return &v }

func criticalAmb(id, label string) ambiguity.Ambiguity {
	return ambiguity.Ambiguity{
		ID:       id,
		Kind:     ambiguity.KindEntity,
		Severity: ambiguity.SeverityCritical,
		Candidates: []ambiguity.CandidateResolution{
			{EntityID: id + "-a", Label: label + " A"},
			{EntityID: id + "-b", Label: label + " B"},
		},
	}
}

func optionalAmb(id, label string) ambiguity.Ambiguity {
	a := criticalAmb(id, label)
	a.Severity = ambiguity.SeverityOptional
	return a
}

func answerAll(t *testing.T, engine *Engine, sess *Session, quality float64) *Session {
	t.Helper()
	round := sess.currentRound()
	var inputs []AnswerInput
	for _, q := range round.Questions {
		if _, done := round.Answers[q.ID]; done {
			continue
		}
		inputs = append(inputs, AnswerInput{QuestionID: q.ID, AnswerText: q.Options[0], Quality: qptr(quality)})
	}
	updated, err := engine.Apply(context.Background(), sess.ID, inputs)
	if err != nil {
		t.Fatalf("applying answers: %v", err)
	}
	return updated
}

func TestStartRendersFallbackQuestions(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	if sess.State != StateAwaitingAnswers {
		t.Errorf("expected awaiting_answers, got %s", sess.State)
	}
	round := sess.currentRound()
	if round == nil || len(round.Questions) != 1 {
		t.Fatalf("expected one question, got %+v", sess.Rounds)
	}
	q := round.Questions[0]
	if !q.Fallback {
		t.Error("expected template fallback question without a renderer")
	}
	if len(q.Options) != 2 {
		t.Errorf("expected candidate labels as options, got %v", q.Options)
	}
}

func TestStartRejectsMalformedAmbiguity(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})

	bad := criticalAmb("amb-1", "light")
	bad.Candidates = nil
	_, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{bad},
	})
	if !errors.Is(err, ambiguity.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	sessions, err := engine.List(context.Background(), "", "", 10)
	if err != nil {
		t.Fatalf("listing sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("malformed start must not create a session, found %d", len(sessions))
	}
}

func TestStartWithoutAmbiguitiesResolvesImmediately(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})

	sess, err := engine.Start(context.Background(), StartRequest{OriginalQuery: "turn on the kitchen light"})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}
	if sess.State != StateResolved {
		t.Errorf("expected resolved, got %s", sess.State)
	}
	if sess.CurrentConfidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %.3f", sess.CurrentConfidence)
	}
}

func TestConfidenceBaselineScenario(t *testing.T) {
	// Two answered criticals at quality 0.9 plus one open optional:
	// 0.5*1.0 + 0.2*0 + 0.15*0.9 + 0 = 0.635.
	engine, _ := newTestEngine(t, Config{ProceedThreshold: 0.85})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "dim the lights at sunset",
		Ambiguities: []ambiguity.Ambiguity{
			criticalAmb("amb-1", "light"),
			criticalAmb("amb-2", "room"),
			optionalAmb("amb-3", "brightness"),
		},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	round := sess.currentRound()
	var inputs []AnswerInput
	for _, q := range round.Questions {
		if q.AmbiguityID == "amb-3" {
			continue
		}
		inputs = append(inputs, AnswerInput{QuestionID: q.ID, AnswerText: q.Options[0], Quality: qptr(0.9)})
	}
	sess, err = engine.Apply(context.Background(), sess.ID, inputs)
	if err != nil {
		t.Fatalf("applying answers: %v", err)
	}

	if got := sess.CurrentConfidence; got < 0.6349 || got > 0.6351 {
		t.Errorf("expected confidence 0.635, got %.4f", got)
	}
	if sess.State != StateAwaitingAnswers {
		t.Errorf("expected session to continue below threshold, got %s", sess.State)
	}

	// Answering the optional question closes the coverage gap but the
	// 0.9-quality mean keeps the score at 0.84, just short of the
	// threshold. With nothing left to ask the session escalates.
	sess = answerAll(t, engine, sess, 1.0)
	if got := sess.CurrentConfidence; got < 0.8399 || got > 0.8401 {
		t.Errorf("expected confidence 0.84, got %.4f", got)
	}
	if sess.State != StateEscalated {
		t.Fatalf("expected escalated, got %s", sess.State)
	}
	if sess.TerminalReason != ReasonStalled {
		t.Errorf("expected reason %q, got %q", ReasonStalled, sess.TerminalReason)
	}
}

func TestExactThresholdResolves(t *testing.T) {
	// Full coverage at perfect quality lands exactly on the default
	// threshold: 0.5 + 0.2 + 0.15 = 0.85.
	engine, _ := newTestEngine(t, Config{ProceedThreshold: 0.85})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "dim the lights at sunset",
		Ambiguities: []ambiguity.Ambiguity{
			criticalAmb("amb-1", "light"),
			optionalAmb("amb-2", "brightness"),
		},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	sess = answerAll(t, engine, sess, 1.0)
	if sess.State != StateResolved {
		t.Fatalf("expected resolved at the threshold, got %s (%.3f)", sess.State, sess.CurrentConfidence)
	}
	if sess.TerminalReason != ReasonThresholdMet {
		t.Errorf("expected reason %q, got %q", ReasonThresholdMet, sess.TerminalReason)
	}
}

func TestApplyRejectsUnknownQuestionWithoutMutation(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	good := sess.currentRound().Questions[0]
	_, err = engine.Apply(context.Background(), sess.ID, []AnswerInput{
		{QuestionID: good.ID, AnswerText: good.Options[0]},
		{QuestionID: "nope", AnswerText: "whatever"},
	})
	if !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("expected ErrUnknownQuestion, got %v", err)
	}

	reloaded, err := engine.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("reloading session: %v", err)
	}
	if len(reloaded.currentRound().Answers) != 0 {
		t.Error("rejected batch must not mutate the session")
	}
	if reloaded.State != StateAwaitingAnswers {
		t.Errorf("state changed on rejected batch: %s", reloaded.State)
	}
}

func TestApplyDuplicateQuestionLastWriteWins(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light"), criticalAmb("amb-2", "room")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	q := sess.currentRound().Questions[0]
	sess, err = engine.Apply(context.Background(), sess.ID, []AnswerInput{
		{QuestionID: q.ID, AnswerText: "first"},
		{QuestionID: q.ID, AnswerText: "second"},
	})
	if err != nil {
		t.Fatalf("applying answers: %v", err)
	}

	// The batch left one question open, so the answer rolled into the
	// next round under the same ambiguity.
	got := sess.latestAnswers()["amb-1"]
	if got.AnswerText != "second" {
		t.Errorf("expected later duplicate to win, got %q", got.AnswerText)
	}
}

func TestMonotonicityOnAddOnlyBatch(t *testing.T) {
	engine, _ := newTestEngine(t, Config{ProceedThreshold: 0.99, MaxRounds: 5})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "dim the lights",
		Ambiguities: []ambiguity.Ambiguity{
			criticalAmb("amb-1", "light"),
			optionalAmb("amb-2", "brightness"),
		},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	round := sess.currentRound()
	var first AnswerInput
	var secondQ Question
	for _, q := range round.Questions {
		if q.AmbiguityID == "amb-1" {
			first = AnswerInput{QuestionID: q.ID, AnswerText: q.Options[0], Quality: qptr(1.0)}
		} else {
			secondQ = q
		}
	}

	sess, err = engine.Apply(context.Background(), sess.ID, []AnswerInput{first})
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	before := sess.CurrentConfidence

	// A terrible answer to the optional question adds coverage but drags
	// the quality mean down. Confidence must not decrease.
	var carried Question
	for _, q := range sess.currentRound().Questions {
		if q.AmbiguityID == secondQ.AmbiguityID {
			carried = q
		}
	}
	sess, err = engine.Apply(context.Background(), sess.ID, []AnswerInput{
		{QuestionID: carried.ID, AnswerText: "umm maybe", Quality: qptr(0.05)},
	})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if sess.CurrentConfidence < before {
		t.Errorf("confidence dropped on add-only batch: %.4f -> %.4f", before, sess.CurrentConfidence)
	}
}

func TestMaxRoundsEscalation(t *testing.T) {
	engine, _ := newTestEngine(t, Config{ProceedThreshold: 0.99, MaxRounds: 3})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "set the scene",
		Ambiguities: []ambiguity.Ambiguity{
			criticalAmb("amb-1", "scene"),
			criticalAmb("amb-2", "room"),
			criticalAmb("amb-3", "time"),
			criticalAmb("amb-4", "device"),
		},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	// One low-quality answer per exchange never reaches the threshold and
	// burns through the round budget.
	for i := 0; i < 3; i++ {
		if sess.State != StateAwaitingAnswers {
			t.Fatalf("exchange %d: expected awaiting_answers, got %s", i, sess.State)
		}
		q := sess.currentRound().Questions[0]
		sess, err = engine.Apply(context.Background(), sess.ID, []AnswerInput{
			{QuestionID: q.ID, AnswerText: "hmm", Quality: qptr(0.1)},
		})
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
	}

	if sess.State != StateEscalated {
		t.Fatalf("expected escalated after round budget, got %s", sess.State)
	}
	if sess.TerminalReason != ReasonMaxRounds {
		t.Errorf("expected reason %q, got %q", ReasonMaxRounds, sess.TerminalReason)
	}
}

func TestStallEscalationWhenNothingLeftToAsk(t *testing.T) {
	engine, _ := newTestEngine(t, Config{ProceedThreshold: 0.99, MaxRounds: 5})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	sess = answerAll(t, engine, sess, 0.2)
	if sess.State != StateEscalated {
		t.Fatalf("expected escalated, got %s", sess.State)
	}
	if sess.TerminalReason != ReasonStalled {
		t.Errorf("expected reason %q, got %q", ReasonStalled, sess.TerminalReason)
	}
}

func TestApplyOnTerminalSessionConflicts(t *testing.T) {
	engine, _ := newTestEngine(t, Config{ProceedThreshold: 0.5})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}
	q := sess.currentRound().Questions[0]
	sess = answerAll(t, engine, sess, 1.0)
	if sess.State != StateResolved {
		t.Fatalf("expected resolved, got %s", sess.State)
	}

	_, err = engine.Apply(context.Background(), sess.ID, []AnswerInput{
		{QuestionID: q.ID, AnswerText: "again"},
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelAbandonsActiveSession(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	sess, err = engine.Cancel(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("cancelling: %v", err)
	}
	if sess.State != StateAbandoned || sess.TerminalReason != ReasonCancelled {
		t.Errorf("expected abandoned/cancelled, got %s/%s", sess.State, sess.TerminalReason)
	}

	if _, err := engine.Cancel(context.Background(), sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestResolvedContextRequiresResolution(t *testing.T) {
	engine, _ := newTestEngine(t, Config{ProceedThreshold: 0.5})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the porch light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	if _, err := engine.ResolvedContext(context.Background(), sess.ID); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("expected ErrNotResolved before resolution, got %v", err)
	}

	sess = answerAll(t, engine, sess, 1.0)
	rc, err := engine.ResolvedContext(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("resolved context: %v", err)
	}
	if rc.OriginalQuery != "turn on the porch light" {
		t.Errorf("unexpected original query %q", rc.OriginalQuery)
	}
	if len(rc.Resolutions) != 1 {
		t.Fatalf("expected one resolution, got %d", len(rc.Resolutions))
	}
	if rc.Resolutions[0].AmbiguityID != "amb-1" {
		t.Errorf("unexpected resolution %+v", rc.Resolutions[0])
	}
	if rc.Confidence != sess.CurrentConfidence {
		t.Errorf("context confidence %.3f does not match session %.3f", rc.Confidence, sess.CurrentConfidence)
	}
}

func TestReportOutcomeFeedsCalibration(t *testing.T) {
	engine, calib := newTestEngine(t, Config{ProceedThreshold: 0.5})
	ctx := context.Background()

	sess, err := engine.Start(ctx, StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	if err := engine.ReportOutcome(ctx, sess.ID, calibration.OutcomeApproved, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for active session, got %v", err)
	}

	sess = answerAll(t, engine, sess, 1.0)
	if err := engine.ReportOutcome(ctx, sess.ID, calibration.OutcomeApproved, map[string]string{"room": "porch"}); err != nil {
		t.Fatalf("reporting outcome: %v", err)
	}

	samples, err := calib.Samples(ctx, 10)
	if err != nil {
		t.Fatalf("listing samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected one sample, got %d", len(samples))
	}
	if samples[0].SessionID != sess.ID {
		t.Errorf("sample for wrong session: %+v", samples[0])
	}
	if samples[0].PredictedConfidence != sess.CurrentConfidence {
		t.Errorf("sample predicted %.3f, session had %.3f", samples[0].PredictedConfidence, sess.CurrentConfidence)
	}
}

func TestResolutionWritesAnswerCache(t *testing.T) {
	engine := newTestEngineWithCache(t, Config{ProceedThreshold: 0.5})
	ctx := context.Background()

	sess, err := engine.Start(ctx, StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}
	sess = answerAll(t, engine, sess, 1.0)
	if sess.State != StateResolved {
		t.Fatalf("expected resolved, got %s", sess.State)
	}

	if engine.cache.Count() != 1 {
		t.Errorf("expected one cached answer after resolution, got %d", engine.cache.Count())
	}
}

func TestCachePrefillSuggestsAndAutoAppliesOptional(t *testing.T) {
	engine := newTestEngineWithCache(t, Config{ProceedThreshold: 0.95, AutoApplyOptional: true, MaxRounds: 3})
	ctx := context.Background()

	// Resolve a first session so its answers land in the cache. Pattern
	// support lifts it over the strict threshold.
	first, err := engine.Start(ctx, StartRequest{
		UserScope:      "user-1",
		OriginalQuery:  "dim the lights at sunset",
		PatternSupport: 0.75,
		Ambiguities:    []ambiguity.Ambiguity{criticalAmb("amb-1", "light"), optionalAmb("amb-2", "brightness")},
	})
	if err != nil {
		t.Fatalf("starting first session: %v", err)
	}
	first = answerAll(t, engine, first, 1.0)
	if first.State != StateResolved {
		t.Fatalf("first session did not resolve: %s (%.3f)", first.State, first.CurrentConfidence)
	}

	// Identical ambiguities render identical template questions, so the
	// lookup is an exact match.
	second, err := engine.Start(ctx, StartRequest{
		UserScope:     "user-1",
		OriginalQuery: "dim the lights at sunset",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light"), optionalAmb("amb-2", "brightness")},
	})
	if err != nil {
		t.Fatalf("starting second session: %v", err)
	}

	round := second.currentRound()
	for _, q := range round.Questions {
		if q.Suggested == nil {
			t.Errorf("question %s for %s has no cache suggestion", q.ID, q.AmbiguityID)
			continue
		}
		if q.AmbiguityID == "amb-2" {
			if !q.Suggested.AutoApplied {
				t.Error("optional suggestion was not auto-applied")
			}
			if _, ok := round.Answers[q.ID]; !ok {
				t.Error("auto-applied suggestion did not record an answer")
			}
		}
		if q.AmbiguityID == "amb-1" {
			if q.Suggested.AutoApplied {
				t.Error("critical suggestion must stay editable, not auto-applied")
			}
		}
	}
}

func TestCachePrefillRespectsUserScope(t *testing.T) {
	engine := newTestEngineWithCache(t, Config{ProceedThreshold: 0.5, AutoApplyOptional: true})
	ctx := context.Background()

	first, err := engine.Start(ctx, StartRequest{
		UserScope:     "user-1",
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting first session: %v", err)
	}
	answerAll(t, engine, first, 1.0)

	second, err := engine.Start(ctx, StartRequest{
		UserScope:     "user-2",
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting second session: %v", err)
	}
	if q := second.currentRound().Questions[0]; q.Suggested != nil {
		t.Errorf("cache suggestion leaked across user scopes: %+v", q.Suggested)
	}
}

func TestAbandonIdleExpiresStaleSessions(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	calib, err := calibration.NewStore(database, calibration.Config{})
	if err != nil {
		t.Fatalf("creating calibration store: %v", err)
	}
	engine := NewEngine(NewStore(database), nil, calib, nil, nil, Config{IdleTTL: time.Minute})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	// Backdate the session past the TTL.
	if _, err := database.Exec(`UPDATE clarification_sessions SET updated_at = datetime('now', '-1 hour')`); err != nil {
		t.Fatalf("backdating session: %v", err)
	}

	n, err := engine.AbandonIdle(context.Background())
	if err != nil {
		t.Fatalf("abandoning idle: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one abandoned session, got %d", n)
	}

	reloaded, err := engine.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("reloading session: %v", err)
	}
	if reloaded.State != StateAbandoned || reloaded.TerminalReason != ReasonIdleExpired {
		t.Errorf("expected abandoned/idle_ttl_expired, got %s/%s", reloaded.State, reloaded.TerminalReason)
	}
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})

	sess, err := engine.Start(context.Background(), StartRequest{
		UserScope:      "user-1",
		OriginalQuery:  "dim the lights",
		PatternSupport: 0.4,
		Ambiguities:    []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	reloaded, err := engine.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if reloaded.UserScope != "user-1" || reloaded.PatternSupport != 0.4 {
		t.Errorf("scalar fields lost: %+v", reloaded)
	}
	if len(reloaded.Ambiguities) != 1 || reloaded.Ambiguities[0].ID != "amb-1" {
		t.Errorf("ambiguities lost: %+v", reloaded.Ambiguities)
	}
	if got := reloaded.currentRound(); got == nil || len(got.Questions) != 1 {
		t.Errorf("rounds lost: %+v", reloaded.Rounds)
	}
}

func TestListFiltersByStateAndScope(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Start(ctx, StartRequest{
			UserScope:     fmt.Sprintf("user-%d", i%2),
			OriginalQuery: "turn on the light",
			Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
		})
		if err != nil {
			t.Fatalf("starting session %d: %v", i, err)
		}
	}

	active, err := engine.List(ctx, StateAwaitingAnswers, "", 10)
	if err != nil {
		t.Fatalf("listing by state: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("expected 3 awaiting sessions, got %d", len(active))
	}

	scoped, err := engine.List(ctx, "", "user-1", 10)
	if err != nil {
		t.Fatalf("listing by scope: %v", err)
	}
	if len(scoped) != 1 {
		t.Errorf("expected 1 session for user-1, got %d", len(scoped))
	}
}

var _ questions.Renderer = (*failingRenderer)(nil)

type failingRenderer struct{}

func (failingRenderer) Render(ctx context.Context, originalQuery string, amb ambiguity.Ambiguity) (questions.Rendered, error) {
	return questions.Rendered{}, errors.New("provider unavailable")
}

// flakyRenderer fails for one ambiguity and renders the rest normally.
type flakyRenderer struct{ failID string }

func (r flakyRenderer) Render(ctx context.Context, originalQuery string, amb ambiguity.Ambiguity) (questions.Rendered, error) {
	if amb.ID == r.failID {
		return questions.Rendered{}, errors.New("provider unavailable")
	}
	var options []string
	for _, c := range amb.Candidates {
		options = append(options, c.Label)
	}
	return questions.Rendered{Text: "Which one did you mean?", Options: options}, nil
}

func newRendererEngine(t *testing.T, renderer questions.Renderer) *Engine {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	calib, err := calibration.NewStore(database, calibration.Config{})
	if err != nil {
		t.Fatalf("creating calibration store: %v", err)
	}
	return NewEngine(NewStore(database), nil, calib, renderer, nil, Config{})
}

func TestRenderFailureFallsBackToTemplate(t *testing.T) {
	engine := newRendererEngine(t, flakyRenderer{failID: "amb-1"})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities: []ambiguity.Ambiguity{
			criticalAmb("amb-1", "light"),
			criticalAmb("amb-2", "room"),
		},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	if sess.State != StateAwaitingAnswers {
		t.Fatalf("expected awaiting_answers, got %s", sess.State)
	}
	var fallbacks int
	for _, q := range sess.currentRound().Questions {
		if q.Text == "" {
			t.Errorf("question for %s has no text", q.AmbiguityID)
		}
		if q.Fallback {
			fallbacks++
		}
	}
	if fallbacks != 1 {
		t.Errorf("expected exactly one template fallback, got %d", fallbacks)
	}
}

func TestTotalRenderOutageEscalates(t *testing.T) {
	engine := newRendererEngine(t, failingRenderer{})

	sess, err := engine.Start(context.Background(), StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities: []ambiguity.Ambiguity{
			criticalAmb("amb-1", "light"),
			criticalAmb("amb-2", "room"),
		},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	if sess.State != StateEscalated {
		t.Fatalf("expected escalated, got %s", sess.State)
	}
	if sess.TerminalReason != ReasonRenderFailed {
		t.Errorf("terminal reason = %s, want %s", sess.TerminalReason, ReasonRenderFailed)
	}

	// The session is terminal; answers against its questions are rejected.
	q := sess.Rounds[0].Questions[0]
	_, err = engine.Apply(context.Background(), sess.ID, []AnswerInput{
		{QuestionID: q.ID, AnswerText: q.Options[0]},
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestExplicitZeroQualityKept(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	sess, err := engine.Start(ctx, StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}

	q := sess.currentRound().Questions[0]
	sess, err = engine.Apply(ctx, sess.ID, []AnswerInput{
		{QuestionID: q.ID, AnswerText: q.Options[0], Quality: qptr(0)},
	})
	if err != nil {
		t.Fatalf("applying answer: %v", err)
	}

	ans := sess.Rounds[0].Answers[q.ID]
	if ans.Quality != 0 {
		t.Errorf("quality = %v, want explicit 0 kept over option-match derivation", ans.Quality)
	}
	// 0.5 coverage + 0.2 important + 0 quality contribution.
	if diff := sess.CurrentConfidence - 0.7; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("confidence = %v, want 0.7", sess.CurrentConfidence)
	}
}

func TestStatsCountsSessionsByState(t *testing.T) {
	engine, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	resolved, err := engine.Start(ctx, StartRequest{
		OriginalQuery: "turn on the light",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-1", "light")},
	})
	if err != nil {
		t.Fatalf("starting session: %v", err)
	}
	resolved = answerAll(t, engine, resolved, 1.0)
	if resolved.State != StateResolved {
		t.Fatalf("expected resolved, got %s", resolved.State)
	}

	if _, err := engine.Start(ctx, StartRequest{
		OriginalQuery: "dim the bedroom",
		Ambiguities:   []ambiguity.Ambiguity{criticalAmb("amb-2", "bedroom")},
	}); err != nil {
		t.Fatalf("starting second session: %v", err)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSessions != 2 {
		t.Errorf("total = %d, want 2", stats.TotalSessions)
	}
	if stats.ByState[StateResolved] != 1 || stats.ByState[StateAwaitingAnswers] != 1 {
		t.Errorf("by state = %v", stats.ByState)
	}
	if diff := stats.AvgResolvedConfidence - resolved.CurrentConfidence; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("avg resolved confidence = %v, want %v", stats.AvgResolvedConfidence, resolved.CurrentConfidence)
	}
}
