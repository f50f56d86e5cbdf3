package pipeline

// MatchConfig carries the per-call matching policy. It is passed explicitly
// so concurrent sessions can run under different thresholds.
type MatchConfig struct {
	// Threshold is the minimum cosine similarity for an accept.
	Threshold float64
	// Margin is the minimum lead over the runner-up student. Probes that
	// score close to two different students stay unknown.
	Margin float64
}

// MatchResult is the decision for one probe. Confidence always carries the
// best score considered, matched or not, for audit.
type MatchResult struct {
	Matched    bool
	Student    EnrolledStudent
	Confidence float64
}

// Match scores one probe against a unit's enrolled students.
//
// A student's score is the maximum cosine similarity over their enrollment
// embeddings; pose-specific templates are not expected to all match equally
// well, so one good match suffices. The globally best student wins iff their
// score reaches cfg.Threshold and leads the runner-up by at least cfg.Margin.
// Ties within the margin are never broken arbitrarily; the probe stays
// unknown. An empty enrolled set is always unknown.
func Match(probe Vector, enrolled []EnrolledStudent, cfg MatchConfig) (MatchResult, error) {
	if err := probe.Validate(); err != nil {
		return MatchResult{}, err
	}
	if len(enrolled) == 0 {
		return MatchResult{}, nil
	}

	best, runnerUp := -1.0, -1.0
	var bestStudent EnrolledStudent
	for _, student := range enrolled {
		score := -1.0
		for _, emb := range student.Embeddings {
			if err := emb.Vector.Validate(); err != nil {
				continue // skip corrupt templates, never fail the probe on them
			}
			if s := Cosine(probe, emb.Vector); s > score {
				score = s
			}
		}
		if score > best {
			runnerUp = best
			best = score
			bestStudent = student
		} else if score > runnerUp {
			runnerUp = score
		}
	}

	confidence := best
	if confidence < 0 {
		confidence = 0
	}
	if best < cfg.Threshold {
		return MatchResult{Confidence: confidence}, nil
	}
	if runnerUp >= 0 && best-runnerUp < cfg.Margin {
		return MatchResult{Confidence: confidence}, nil
	}
	return MatchResult{Matched: true, Student: bestStudent, Confidence: best}, nil
}
