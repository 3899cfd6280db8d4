package confidence

import "time"

// WeightSet holds the scoring weights used by Compute. Weight sets are
// versioned: the calibration loop commits a new set atomically and the
// calculator reads exactly one committed version per invocation.
type WeightSet struct {
	Version   int64     `json:"version"`
	Critical  float64   `json:"critical_weight"`
	Important float64   `json:"important_weight"`
	Quality   float64   `json:"quality_weight"`
	Pattern   float64   `json:"pattern_weight"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultWeights returns the baseline weights used before any calibration
// feedback has been recorded.
func DefaultWeights() WeightSet {
	return WeightSet{
		Version:   0,
		Critical:  0.5,
		Important: 0.2,
		Quality:   0.15,
		Pattern:   0.2,
	}
}

// Snapshot is the per-session input to the calculator: coverage counts per
// severity tier, the self-reported quality of each live answer, and the
// optional external pattern-support signal.
type Snapshot struct {
	CriticalAnswered int
	CriticalTotal    int
	// Important counts cover all non-critical ambiguities (important and
	// optional tiers), which share the coverage weight.
	ImportantAnswered int
	ImportantTotal    int
	AnswerQualities   []float64
	PatternSupport    float64
}

// Breakdown decomposes a confidence score into its contributions. It is
// always derivable from the session's answers and never persisted on its own.
type Breakdown struct {
	CriticalAnswered    int     `json:"critical_answered"`
	CriticalTotal       int     `json:"critical_total"`
	ImportantAnswered   int     `json:"important_answered"`
	ImportantTotal      int     `json:"important_total"`
	AnswerQualityAvg    float64 `json:"answer_quality_avg"`
	PatternSupportBoost float64 `json:"pattern_support_boost"`
	TotalScore          float64 `json:"total_score"`
	WeightVersion       int64   `json:"weight_version"`
}

// Compute scores a session snapshot with the given weight set.
//
// The critical coverage ratio carries the largest weight, non-critical
// coverage a smaller one, the mean self-reported answer quality a small one,
// and an external pattern-support signal may add a bounded boost. A tier
// with zero questions counts as fully satisfied rather than undefined.
// The result is clamped to [0,1].
func Compute(s Snapshot, w WeightSet) Breakdown {
	criticalRatio := 1.0
	if s.CriticalTotal > 0 {
		criticalRatio = float64(s.CriticalAnswered) / float64(s.CriticalTotal)
	}

	importantRatio := 1.0
	if s.ImportantTotal > 0 {
		importantRatio = float64(s.ImportantAnswered) / float64(s.ImportantTotal)
	}

	qualityAvg := 0.0
	if len(s.AnswerQualities) > 0 {
		var sum float64
		for _, q := range s.AnswerQualities {
			sum += clamp01(q)
		}
		qualityAvg = sum / float64(len(s.AnswerQualities))
	}

	boost := clamp01(s.PatternSupport) * w.Pattern

	total := w.Critical*criticalRatio + w.Important*importantRatio + w.Quality*qualityAvg + boost
	if total > 1 {
		total = 1
	}
	if total < 0 {
		total = 0
	}

	return Breakdown{
		CriticalAnswered:    s.CriticalAnswered,
		CriticalTotal:       s.CriticalTotal,
		ImportantAnswered:   s.ImportantAnswered,
		ImportantTotal:      s.ImportantTotal,
		AnswerQualityAvg:    qualityAvg,
		PatternSupportBoost: boost,
		TotalScore:          total,
		WeightVersion:       w.Version,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
