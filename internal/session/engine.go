package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/clarify/internal/ambiguity"
	"github.com/ziadkadry99/clarify/internal/answercache"
	"github.com/ziadkadry99/clarify/internal/calibration"
	"github.com/ziadkadry99/clarify/internal/confidence"
	"github.com/ziadkadry99/clarify/internal/questions"
)

// Answer quality assigned when the user types free text instead of picking
// one of the offered options.
const freeTextQuality = 0.7

// Config tunes the session state machine.
type Config struct {
	ProceedThreshold  float64
	MaxRounds         int
	IdleTTL           time.Duration
	AutoApplyOptional bool
}

// StartRequest opens a new clarification session.
type StartRequest struct {
	UserScope      string                `json:"user_scope"`
	OriginalQuery  string                `json:"original_query"`
	Ambiguities    []ambiguity.Ambiguity `json:"ambiguities"`
	PatternSupport float64               `json:"pattern_support"`
}

// AnswerInput is one submitted answer. Quality is optional; when absent it is
// derived from whether the answer matches an offered option. An explicit zero
// is a legal score and is kept as given.
type AnswerInput struct {
	QuestionID       string   `json:"question_id"`
	AnswerText       string   `json:"answer_text"`
	SelectedEntities []string `json:"selected_entities,omitempty"`
	Quality          *float64 `json:"quality,omitempty"`
}

// Engine drives clarification sessions through their lifecycle. All
// mutations of one session are serialized through a per-session lock; the
// store is the record of truth between calls.
type Engine struct {
	store    *Store
	cache    *answercache.Store // nil disables answer reuse
	calib    *calibration.Store
	renderer questions.Renderer // nil forces template questions
	hub      *Hub
	cfg      Config

	locks sync.Map // session id -> *sync.Mutex
}

// NewEngine wires the session engine. cache and renderer may be nil.
func NewEngine(store *Store, cache *answercache.Store, calib *calibration.Store, renderer questions.Renderer, hub *Hub, cfg Config) *Engine {
	if cfg.ProceedThreshold <= 0 {
		cfg.ProceedThreshold = 0.85
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	return &Engine{store: store, cache: cache, calib: calib, renderer: renderer, hub: hub, cfg: cfg}
}

// Start validates the detector payload, renders the first round of
// questions, pre-fills them from the answer cache and persists the new
// session. Malformed ambiguities fail synchronously without creating
// anything.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if strings.TrimSpace(req.OriginalQuery) == "" {
		return nil, fmt.Errorf("%w: original query is required", ambiguity.ErrMalformed)
	}
	if err := ambiguity.ValidateAll(req.Ambiguities); err != nil {
		return nil, err
	}
	if req.UserScope == "" {
		req.UserScope = "default"
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		UserScope:      req.UserScope,
		OriginalQuery:  req.OriginalQuery,
		State:          StateCreated,
		Ambiguities:    req.Ambiguities,
		PatternSupport: req.PatternSupport,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if len(req.Ambiguities) == 0 {
		// Nothing to clarify. The session resolves immediately so the
		// caller gets a uniform interface for every request.
		sess.CurrentConfidence = 1.0
		sess.Breakdown = confidence.Compute(sess.snapshot(), e.weights())
		sess.Breakdown.TotalScore = 1.0
		sess.State = StateResolved
		sess.TerminalReason = ReasonThresholdMet
		if err := e.store.Create(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}

	round := Round{Index: 0, Answers: make(map[string]Answer), OpenedAt: now}
	renderFailures := 0
	for _, amb := range req.Ambiguities {
		q, failed := e.renderQuestion(ctx, req.OriginalQuery, amb, 0)
		if failed {
			renderFailures++
		}
		round.Questions = append(round.Questions, q)
	}
	sess.Rounds = []Round{round}

	// A single failed render degrades to its template question, but when the
	// wording generator is down for the whole round the session escalates to
	// manual review instead of proceeding on templates alone.
	if renderFailures == len(req.Ambiguities) && renderFailures > 0 {
		e.evaluate(sess, true)
		sess.State = StateEscalated
		sess.TerminalReason = ReasonRenderFailed
		if err := e.store.Create(ctx, sess); err != nil {
			return nil, err
		}
		e.publish(sess, "state_changed")
		return sess, nil
	}

	sess.State = StateAwaitingAnswers

	e.prefillFromCache(ctx, sess)
	e.evaluate(sess, true)

	// Cache pre-fill may already push the session over the threshold.
	if sess.CurrentConfidence >= e.cfg.ProceedThreshold && sess.criticalsAnswered() {
		sess.State = StateResolved
		sess.TerminalReason = ReasonThresholdMet
	}

	if err := e.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	e.publish(sess, "round_opened")
	return sess, nil
}

// Get loads a session by id.
func (e *Engine) Get(ctx context.Context, id string) (*Session, error) {
	return e.store.Get(ctx, id)
}

// List returns sessions filtered by state and scope.
func (e *Engine) List(ctx context.Context, state State, userScope string, limit int) ([]*Session, error) {
	return e.store.List(ctx, state, userScope, limit)
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	return e.store.Stats(ctx)
}

// Apply submits a batch of answers. The whole batch is validated before any
// answer lands: one unknown question id rejects the batch without mutating
// the session. Duplicate question ids within the batch collapse to the last
// occurrence.
func (e *Engine) Apply(ctx context.Context, sessionID string, inputs []AnswerInput) (*Session, error) {
	unlock := e.lock(sessionID)
	defer unlock()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateAwaitingAnswers {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, sess.State)
	}

	round := sess.currentRound()

	// Last write wins for duplicated question ids.
	deduped := make([]AnswerInput, 0, len(inputs))
	seen := make(map[string]int)
	for _, in := range inputs {
		if idx, dup := seen[in.QuestionID]; dup {
			log.Printf("session %s: duplicate answer for question %s, keeping the later one", sessionID, in.QuestionID)
			deduped[idx] = in
			continue
		}
		seen[in.QuestionID] = len(deduped)
		deduped = append(deduped, in)
	}

	for _, in := range deduped {
		if sess.findQuestion(in.QuestionID) == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, in.QuestionID)
		}
	}

	// The monotonicity floor only holds when the batch strictly adds
	// answers. Replacing an existing answer re-scores from scratch.
	addOnly := true
	for _, in := range deduped {
		if _, exists := round.Answers[in.QuestionID]; exists {
			addOnly = false
			break
		}
	}

	now := time.Now().UTC()
	for _, in := range deduped {
		q := sess.findQuestion(in.QuestionID)
		round.Answers[in.QuestionID] = Answer{
			QuestionID:       in.QuestionID,
			AnswerText:       in.AnswerText,
			SelectedEntities: in.SelectedEntities,
			Quality:          answerQuality(in, *q),
			AnsweredAt:       now,
		}
	}

	sess.State = StateEvaluating
	e.evaluate(sess, !addOnly)
	e.transition(ctx, sess, round)

	sess.UpdatedAt = now
	if err := e.store.Update(ctx, sess); err != nil {
		return nil, err
	}

	e.publish(sess, "answers_applied")
	if sess.State.Terminal() {
		e.publish(sess, "state_changed")
	} else if sess.currentRound().Index > round.Index {
		e.publish(sess, "round_opened")
	}
	return sess, nil
}

// Cancel abandons an active session. Terminal sessions are left untouched.
func (e *Engine) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	unlock := e.lock(sessionID)
	defer unlock()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, sess.State)
	}

	sess.State = StateAbandoned
	sess.TerminalReason = ReasonCancelled
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	e.publish(sess, "state_changed")
	return sess, nil
}

// ResolvedContext assembles the final disambiguated context of a resolved
// session. Any other state returns ErrNotResolved.
func (e *Engine) ResolvedContext(ctx context.Context, sessionID string) (*ResolvedContext, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateResolved {
		return nil, fmt.Errorf("%w: session is %s", ErrNotResolved, sess.State)
	}

	questionsByID := make(map[string]Question)
	for _, round := range sess.Rounds {
		for _, q := range round.Questions {
			questionsByID[q.ID] = q
		}
	}

	answers := sess.latestAnswers()
	rc := &ResolvedContext{
		SessionID:      sess.ID,
		OriginalQuery:  sess.OriginalQuery,
		Confidence:     sess.CurrentConfidence,
		Breakdown:      sess.Breakdown,
		TerminalReason: sess.TerminalReason,
	}
	for _, amb := range sess.Ambiguities {
		ans, ok := answers[amb.ID]
		if !ok {
			continue
		}
		res := Resolution{
			AmbiguityID:      amb.ID,
			Kind:             amb.Kind,
			Severity:         amb.Severity,
			AnswerText:       ans.AnswerText,
			SelectedEntities: ans.SelectedEntities,
			FromCache:        ans.FromCache,
		}
		if q, ok := questionsByID[ans.QuestionID]; ok {
			res.QuestionText = q.Text
		}
		rc.Resolutions = append(rc.Resolutions, res)
	}
	return rc, nil
}

// ReportOutcome records how the resolved automation actually fared, feeding
// the calibration loop. Only terminal sessions can report.
func (e *Engine) ReportOutcome(ctx context.Context, sessionID string, outcome calibration.Outcome, features map[string]string) error {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.State.Terminal() {
		return fmt.Errorf("%w: outcome requires a terminal session, got %s", ErrInvalidState, sess.State)
	}
	if e.calib == nil {
		return nil
	}
	if features == nil {
		features = map[string]string{}
	}
	features["state"] = string(sess.State)
	features["user_scope"] = sess.UserScope
	return e.calib.RecordOutcome(ctx, sess.ID, sess.CurrentConfidence, outcome, features)
}

// AbandonIdle expires active sessions that have not been touched within the
// idle TTL. Returns the number of sessions abandoned.
func (e *Engine) AbandonIdle(ctx context.Context) (int, error) {
	if e.cfg.IdleTTL <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-e.cfg.IdleTTL)
	ids, err := e.store.IdleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var abandoned int
	for _, id := range ids {
		if err := e.abandonIdleOne(ctx, id); err != nil {
			log.Printf("session %s: expiring idle session: %v", id, err)
			continue
		}
		abandoned++
	}
	return abandoned, nil
}

func (e *Engine) abandonIdleOne(ctx context.Context, id string) error {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return nil
	}
	sess.State = StateAbandoned
	sess.TerminalReason = ReasonIdleExpired
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, sess); err != nil {
		return err
	}
	e.publish(sess, "state_changed")
	return nil
}

// transition applies the post-evaluation state rules after an answer batch.
// Each batch consumes the open round: questions left unanswered roll forward
// into the next round, and the round budget caps how many exchanges a
// session gets before it escalates.
func (e *Engine) transition(ctx context.Context, sess *Session, round *Round) {
	if sess.CurrentConfidence >= e.cfg.ProceedThreshold && sess.criticalsAnswered() {
		sess.State = StateResolved
		sess.TerminalReason = ReasonThresholdMet
		e.writeCache(ctx, sess)
		return
	}

	open := sess.unresolvedAmbiguities()
	switch {
	case len(open) == 0:
		// Everything is answered and confidence still falls short.
		// Another round would ask the same questions again.
		sess.State = StateEscalated
		sess.TerminalReason = ReasonStalled
	case len(sess.Rounds) >= e.cfg.MaxRounds:
		sess.State = StateEscalated
		sess.TerminalReason = ReasonMaxRounds
	default:
		next := Round{Index: round.Index + 1, Answers: make(map[string]Answer), OpenedAt: time.Now().UTC()}
		for _, amb := range open {
			next.Questions = append(next.Questions, e.carryQuestion(ctx, sess, amb, round, next.Index))
		}
		sess.Rounds = append(sess.Rounds, next)
		sess.State = StateAwaitingAnswers
	}
}

// carryQuestion rolls an unanswered ambiguity into the next round. The
// existing wording is reused under a fresh question id; rendering only runs
// for ambiguities that somehow never got a question.
func (e *Engine) carryQuestion(ctx context.Context, sess *Session, amb ambiguity.Ambiguity, prev *Round, roundIndex int) Question {
	for _, q := range prev.Questions {
		if q.AmbiguityID == amb.ID {
			q.ID = uuid.NewString()
			q.RoundIndex = roundIndex
			return q
		}
	}
	q, _ := e.renderQuestion(ctx, sess.OriginalQuery, amb, roundIndex)
	return q
}

// evaluate recomputes confidence. Unless fresh is set, the score never drops
// below its previous value: an added answer may not lower confidence even
// when its quality drags the mean down.
func (e *Engine) evaluate(sess *Session, fresh bool) {
	previous := sess.CurrentConfidence
	sess.Breakdown = confidence.Compute(sess.snapshot(), e.weights())
	sess.CurrentConfidence = sess.Breakdown.TotalScore
	if !fresh && sess.CurrentConfidence < previous {
		sess.CurrentConfidence = previous
		sess.Breakdown.TotalScore = previous
	}
}

func (e *Engine) weights() confidence.WeightSet {
	if e.calib == nil {
		return confidence.DefaultWeights()
	}
	return e.calib.CurrentWeights()
}

// renderQuestion asks the LLM for question wording and falls back to a
// deterministic template when rendering fails, so one flaky render never
// blocks a round. The second return reports a failed render; a nil renderer
// is a configuration choice, not a failure.
func (e *Engine) renderQuestion(ctx context.Context, originalQuery string, amb ambiguity.Ambiguity, roundIndex int) (Question, bool) {
	var rendered questions.Rendered
	var failed bool
	if e.renderer != nil {
		var err error
		rendered, err = e.renderer.Render(ctx, originalQuery, amb)
		if err != nil {
			log.Printf("ambiguity %s: rendering question: %v, using template", amb.ID, err)
			rendered = questions.TemplateFallback(amb)
			failed = true
		}
	} else {
		rendered = questions.TemplateFallback(amb)
	}

	return Question{
		ID:          uuid.NewString(),
		AmbiguityID: amb.ID,
		Text:        rendered.Text,
		Options:     rendered.Options,
		RoundIndex:  roundIndex,
		Fallback:    rendered.Fallback,
	}, failed
}

// prefillFromCache attaches cached-answer suggestions to the first round's
// questions, auto-applying them for optional ambiguities when configured.
// Cache failures are logged and ignored; the session just starts cold.
func (e *Engine) prefillFromCache(ctx context.Context, sess *Session) {
	if e.cache == nil {
		return
	}

	severities := make(map[string]ambiguity.Severity, len(sess.Ambiguities))
	for _, amb := range sess.Ambiguities {
		severities[amb.ID] = amb.Severity
	}

	round := sess.currentRound()
	for i := range round.Questions {
		q := &round.Questions[i]
		match, err := e.cache.FindSimilar(ctx, q.Text, sess.UserScope)
		if err != nil {
			log.Printf("session %s: cache lookup for question %s: %v", sess.ID, q.ID, err)
			continue
		}
		if match == nil {
			continue
		}

		sug := &Suggestion{
			AnswerText:       match.AnswerText,
			SelectedEntities: match.SelectedEntities,
			Similarity:       match.Similarity,
			Weight:           match.Weight,
		}
		if e.cfg.AutoApplyOptional && severities[q.AmbiguityID] == ambiguity.SeverityOptional {
			sug.AutoApplied = true
			round.Answers[q.ID] = Answer{
				QuestionID:       q.ID,
				AnswerText:       match.AnswerText,
				SelectedEntities: match.SelectedEntities,
				Quality:          match.Weight,
				FromCache:        true,
				AnsweredAt:       time.Now().UTC(),
			}
		}
		q.Suggested = sug
	}
}

// writeCache stores the session's user-provided answers for reuse. Answers
// that came from the cache are not written back.
func (e *Engine) writeCache(ctx context.Context, sess *Session) {
	if e.cache == nil {
		return
	}

	questionsByID := make(map[string]Question)
	for _, round := range sess.Rounds {
		for _, q := range round.Questions {
			questionsByID[q.ID] = q
		}
	}

	for _, ans := range sess.latestAnswers() {
		if ans.FromCache {
			continue
		}
		q, ok := questionsByID[ans.QuestionID]
		if !ok {
			continue
		}
		rec := answercache.Record{
			QuestionText:     q.Text,
			AnswerText:       ans.AnswerText,
			SelectedEntities: ans.SelectedEntities,
			UserScope:        sess.UserScope,
		}
		if err := e.cache.Put(ctx, rec); err != nil {
			log.Printf("session %s: caching answer for question %s: %v", sess.ID, ans.QuestionID, err)
		}
	}
}

func (e *Engine) publish(sess *Session, event string) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(sess.ID, event, sess)
}

func (e *Engine) lock(sessionID string) func() {
	v, _ := e.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// answerQuality derives the quality score for an answer. An explicit score
// from the caller wins; otherwise picking an offered option scores higher
// than free text.
func answerQuality(in AnswerInput, q Question) float64 {
	if in.Quality != nil {
		switch v := *in.Quality; {
		case v < 0:
			return 0
		case v > 1:
			return 1
		default:
			return v
		}
	}
	for _, opt := range q.Options {
		if strings.EqualFold(strings.TrimSpace(in.AnswerText), strings.TrimSpace(opt)) {
			return 0.9
		}
	}
	return freeTextQuality
}
