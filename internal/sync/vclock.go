package sync

// VectorClock maps agent ids to monotonically increasing counters, one per
// known agent, establishing a partial order over independently generated
// message sequences.
type VectorClock map[string]int64

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment advances the counter for an agent and returns the new value
func (vc VectorClock) Increment(agentID string) int64 {
	vc[agentID]++
	return vc[agentID]
}

// Merge folds another clock into this one by component-wise maximum.
// Merging never decreases any component.
func (vc VectorClock) Merge(other VectorClock) {
	for agent, counter := range other {
		if counter > vc[agent] {
			vc[agent] = counter
		}
	}
}

// ConflictsWith reports whether an incoming clock is stale relative to this
// one: any agent whose incoming counter is lower than the locally known
// value indicates an out-of-order or conflicting update.
func (vc VectorClock) ConflictsWith(incoming VectorClock) bool {
	for agent, counter := range incoming {
		if local, known := vc[agent]; known && counter < local {
			return true
		}
	}
	return false
}

// Copy returns an independent copy of the clock
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for agent, counter := range vc {
		out[agent] = counter
	}
	return out
}
