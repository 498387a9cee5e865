package rolecheck

// applyAnswer accumulates the selected delta into the running score and
// evaluates the soft-exit rule: a delta of exactly 0 on either of the
// final two questions flags the run for a forced enjoy-only outcome.
// The returned flag is only ever raised here - once a session records
// it, it stays set for the rest of the run.
func applyAnswer(score, delta, index, total int) (newScore int, forceOverride bool) {
	return score + delta, delta == 0 && index >= total-2
}

// Classification is the final outcome of a diagnostic run.
type Classification struct {
	// Label is the human-facing result string
	Label string

	// Enjoy / Gachi indicate which of the two candidate roles the member
	// should end up holding. Both may be true.
	Enjoy bool
	Gachi bool

	// ForceOverride records whether the soft-exit rule decided the outcome
	ForceOverride bool
}

// classify maps a total score onto a classification. Score >= high is
// gachi-only, score <= low is enjoy-only, strictly between is both;
// both boundary comparisons are inclusive (high checked first). A raised
// override forces enjoy-only regardless of score.
func classify(score, low, high int, override bool, labels resultLabels) Classification {
	if override {
		return Classification{
			Label:         labels.enjoy,
			Enjoy:         true,
			ForceOverride: true,
		}
	}
	switch {
	case score >= high:
		return Classification{Label: labels.gachi, Gachi: true}
	case score <= low:
		return Classification{Label: labels.enjoy, Enjoy: true}
	default:
		return Classification{Label: labels.both, Enjoy: true, Gachi: true}
	}
}

type resultLabels struct {
	enjoy string
	gachi string
	both  string
}
