package domain

// DefaultContextWindow is the number of recent observations fed to the coach.
const DefaultContextWindow = 3

// RollingContext keeps every observation of a session in arrival order and
// exposes a bounded view of the most recent ones. History is never evicted;
// only the view is bounded.
//
// RollingContext is not safe for concurrent use; it is owned by a Session and
// guarded by the session lock.
type RollingContext struct {
	observations []Observation
}

// Append records an observation as the most recent one.
func (rc *RollingContext) Append(obs Observation) {
	rc.observations = append(rc.observations, obs.clone())
}

// Last returns copies of the last k observations, oldest first.
func (rc *RollingContext) Last(k int) []Observation {
	if k <= 0 || len(rc.observations) == 0 {
		return []Observation{}
	}
	start := len(rc.observations) - k
	if start < 0 {
		start = 0
	}
	out := make([]Observation, 0, len(rc.observations)-start)
	for _, obs := range rc.observations[start:] {
		out = append(out, obs.clone())
	}
	return out
}

// Len returns the number of retained observations.
func (rc *RollingContext) Len() int {
	return len(rc.observations)
}

// All returns copies of every retained observation.
func (rc *RollingContext) All() []Observation {
	return rc.Last(len(rc.observations))
}

func (rc *RollingContext) clone() RollingContext {
	return RollingContext{observations: rc.All()}
}
