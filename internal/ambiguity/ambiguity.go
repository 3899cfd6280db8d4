package ambiguity

import (
	"errors"
	"fmt"
)

// ErrMalformed indicates an ambiguity that violates the detector contract.
// Sessions reject malformed ambiguities synchronously at start.
var ErrMalformed = errors.New("malformed ambiguity")

// Kind identifies what part of the request is unresolved.
type Kind string

const (
	KindEntity    Kind = "entity"
	KindAction    Kind = "action"
	KindParameter Kind = "parameter"
	KindScope     Kind = "scope"
)

// Severity is the priority tier of an ambiguity. Critical ambiguities block
// resolution; optional ones only contribute to confidence.
type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityImportant Severity = "important"
	SeverityOptional  Severity = "optional"
)

// CandidateResolution is one possible interpretation of an ambiguous reference.
type CandidateResolution struct {
	EntityID string  `json:"entity_id"`
	Label    string  `json:"label"`
	Score    float64 `json:"score,omitempty"`
}

// SourceSpan marks where in the original query the ambiguous reference appears.
type SourceSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Ambiguity is an unresolved reference in a parsed automation request.
// Immutable within a session round; a later round may supersede it only with
// a new Ambiguity carrying the same ID.
type Ambiguity struct {
	ID         string                `json:"id"`
	Kind       Kind                  `json:"kind"`
	Severity   Severity              `json:"severity"`
	Candidates []CandidateResolution `json:"candidates"`
	Span       SourceSpan            `json:"source_span"`
}

var validKinds = map[Kind]bool{
	KindEntity:    true,
	KindAction:    true,
	KindParameter: true,
	KindScope:     true,
}

var validSeverities = map[Severity]bool{
	SeverityCritical:  true,
	SeverityImportant: true,
	SeverityOptional:  true,
}

// Validate checks the detector contract: non-empty id, enumerated kind and
// severity, and at least one candidate resolution.
func (a Ambiguity) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty id", ErrMalformed)
	}
	if !validKinds[a.Kind] {
		return fmt.Errorf("%w: unknown kind %q for %s", ErrMalformed, a.Kind, a.ID)
	}
	if !validSeverities[a.Severity] {
		return fmt.Errorf("%w: unknown severity %q for %s", ErrMalformed, a.Severity, a.ID)
	}
	if len(a.Candidates) == 0 {
		return fmt.Errorf("%w: %s has no candidate resolutions", ErrMalformed, a.ID)
	}
	return nil
}

// ValidateAll validates a detector batch. Duplicate ids are a detector defect.
func ValidateAll(ambs []Ambiguity) error {
	seen := make(map[string]bool, len(ambs))
	for _, a := range ambs {
		if err := a.Validate(); err != nil {
			return err
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrMalformed, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}
