package session

import (
	"errors"
	"time"

	"github.com/ziadkadry99/clarify/internal/ambiguity"
	"github.com/ziadkadry99/clarify/internal/confidence"
)

// State is the lifecycle phase of a clarification session.
type State string

const (
	StateCreated         State = "created"
	StateAwaitingAnswers State = "awaiting_answers"
	StateEvaluating      State = "evaluating"
	StateResolved        State = "resolved"
	StateEscalated       State = "escalated"
	StateAbandoned       State = "abandoned"
)

// Terminal reasons recorded when a session leaves the active states.
const (
	ReasonThresholdMet = "confidence_threshold_met"
	ReasonMaxRounds    = "max_rounds_exhausted"
	ReasonStalled      = "confidence_stalled"
	ReasonRenderFailed = "question_generation_failed"
	ReasonIdleExpired  = "idle_ttl_expired"
	ReasonCancelled    = "cancelled"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrInvalidState    = errors.New("operation not valid in current session state")
	ErrUnknownQuestion = errors.New("answer references unknown question")
	ErrNotResolved     = errors.New("session is not resolved")
)

// Terminal reports whether the state accepts no further answers.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateEscalated || s == StateAbandoned
}

// Suggestion is a cached answer offered alongside a question. The user can
// always override it; optional-severity suggestions may be applied without
// asking when configured to.
type Suggestion struct {
	AnswerText       string   `json:"answer_text"`
	SelectedEntities []string `json:"selected_entities,omitempty"`
	Similarity       float64  `json:"similarity"`
	Weight           float64  `json:"weight"`
	AutoApplied      bool     `json:"auto_applied,omitempty"`
}

// Question is one clarification question presented to the user.
type Question struct {
	ID          string      `json:"id"`
	AmbiguityID string      `json:"ambiguity_id"`
	Text        string      `json:"text"`
	Options     []string    `json:"options,omitempty"`
	RoundIndex  int         `json:"round_index"`
	Fallback    bool        `json:"fallback,omitempty"`
	Suggested   *Suggestion `json:"suggested,omitempty"`
}

// Answer is the user's (or the cache's) response to one question.
type Answer struct {
	QuestionID       string    `json:"question_id"`
	AnswerText       string    `json:"answer_text"`
	SelectedEntities []string  `json:"selected_entities,omitempty"`
	Quality          float64   `json:"quality"`
	FromCache        bool      `json:"from_cache,omitempty"`
	AnsweredAt       time.Time `json:"answered_at"`
}

// Round groups the questions asked together and the answers received for
// them. Answers are keyed by question id; within a round the last write for
// a question id wins.
type Round struct {
	Index     int               `json:"index"`
	Questions []Question        `json:"questions"`
	Answers   map[string]Answer `json:"answers"`
	OpenedAt  time.Time         `json:"opened_at"`
}

// Session is a multi-round clarification dialogue for one ambiguous request.
type Session struct {
	ID                string                `json:"id"`
	UserScope         string                `json:"user_scope"`
	OriginalQuery     string                `json:"original_query"`
	State             State                 `json:"state"`
	Ambiguities       []ambiguity.Ambiguity `json:"ambiguities"`
	Rounds            []Round               `json:"rounds"`
	CurrentConfidence float64               `json:"current_confidence"`
	Breakdown         confidence.Breakdown  `json:"breakdown"`
	PatternSupport    float64               `json:"pattern_support"`
	TerminalReason    string                `json:"terminal_reason,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Resolution is one disambiguated reference in the final context.
type Resolution struct {
	AmbiguityID      string             `json:"ambiguity_id"`
	Kind             ambiguity.Kind     `json:"kind"`
	Severity         ambiguity.Severity `json:"severity"`
	QuestionText     string             `json:"question_text"`
	AnswerText       string             `json:"answer_text"`
	SelectedEntities []string           `json:"selected_entities,omitempty"`
	FromCache        bool               `json:"from_cache,omitempty"`
}

// ResolvedContext is the deliverable of a resolved session: the original
// query plus every resolution, ready to hand to the downstream executor.
type ResolvedContext struct {
	SessionID      string               `json:"session_id"`
	OriginalQuery  string               `json:"original_query"`
	Resolutions    []Resolution         `json:"resolutions"`
	Confidence     float64              `json:"confidence"`
	Breakdown      confidence.Breakdown `json:"breakdown"`
	TerminalReason string               `json:"terminal_reason"`
}

// currentRound returns the open round, or nil when none has been opened.
func (s *Session) currentRound() *Round {
	if len(s.Rounds) == 0 {
		return nil
	}
	return &s.Rounds[len(s.Rounds)-1]
}

// findQuestion locates a question in the open round.
func (s *Session) findQuestion(questionID string) *Question {
	round := s.currentRound()
	if round == nil {
		return nil
	}
	for i := range round.Questions {
		if round.Questions[i].ID == questionID {
			return &round.Questions[i]
		}
	}
	return nil
}

// latestAnswers maps each ambiguity id to its most recent answer across all
// rounds.
func (s *Session) latestAnswers() map[string]Answer {
	byQuestion := make(map[string]Question)
	for _, round := range s.Rounds {
		for _, q := range round.Questions {
			byQuestion[q.ID] = q
		}
	}

	// Rounds are ordered, so a later round's answer for the same ambiguity
	// supersedes an earlier one. Within a round there is at most one
	// question per ambiguity.
	answers := make(map[string]Answer)
	for _, round := range s.Rounds {
		for qid, ans := range round.Answers {
			if q, ok := byQuestion[qid]; ok {
				answers[q.AmbiguityID] = ans
			}
		}
	}
	return answers
}

// snapshot builds the confidence input from the session's current answers.
func (s *Session) snapshot() confidence.Snapshot {
	answers := s.latestAnswers()

	var snap confidence.Snapshot
	snap.PatternSupport = s.PatternSupport
	for _, amb := range s.Ambiguities {
		_, answered := answers[amb.ID]
		if amb.Severity == ambiguity.SeverityCritical {
			snap.CriticalTotal++
			if answered {
				snap.CriticalAnswered++
			}
		} else {
			snap.ImportantTotal++
			if answered {
				snap.ImportantAnswered++
			}
		}
	}
	for _, ans := range answers {
		snap.AnswerQualities = append(snap.AnswerQualities, ans.Quality)
	}
	return snap
}

// criticalsAnswered reports whether every critical ambiguity has an answer.
func (s *Session) criticalsAnswered() bool {
	answers := s.latestAnswers()
	for _, amb := range s.Ambiguities {
		if amb.Severity != ambiguity.SeverityCritical {
			continue
		}
		if _, ok := answers[amb.ID]; !ok {
			return false
		}
	}
	return true
}

// unresolvedAmbiguities lists the ambiguities that still have no answer.
func (s *Session) unresolvedAmbiguities() []ambiguity.Ambiguity {
	answers := s.latestAnswers()
	var open []ambiguity.Ambiguity
	for _, amb := range s.Ambiguities {
		if _, ok := answers[amb.ID]; !ok {
			open = append(open, amb)
		}
	}
	return open
}
