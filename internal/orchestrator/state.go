package orchestrator

import (
	"sync"
	"time"
)

// TierState is the mutable runtime record for one tier.
type TierState struct {
	Name        string
	Loaded      bool
	LoadedAt    time.Time
	LastUsed    time.Time
	Generations uint64
	Errors      uint64

	// EWMA of generation latency in milliseconds, weight 0.1 to new
	// samples.
	LatencyEWMAms float64
}

const ewmaAlpha = 0.1

// stateMap tracks per-tier runtime state behind one mutex.
type stateMap struct {
	mu    sync.RWMutex
	tiers map[string]*TierState
}

func newStateMap() *stateMap {
	return &stateMap{tiers: map[string]*TierState{}}
}

// observe records one generation outcome, creating the state on first
// use of a tier.
func (m *stateMap) observe(name string, latency time.Duration, success bool) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.tiers[name]
	if st == nil {
		st = &TierState{Name: name, Loaded: true, LoadedAt: now}
		m.tiers[name] = st
	}
	if !st.Loaded {
		st.Loaded = true
		st.LoadedAt = now
	}

	st.LastUsed = now
	st.Generations++

	if !success {
		st.Errors++
		return
	}

	ms := float64(latency.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	if st.LatencyEWMAms == 0 {
		st.LatencyEWMAms = ms
	} else {
		st.LatencyEWMAms = ewmaAlpha*ms + (1-ewmaAlpha)*st.LatencyEWMAms
	}
}

func (m *stateMap) get(name string) (TierState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.tiers[name]
	if st == nil {
		return TierState{}, false
	}
	return *st, true
}

func (m *stateMap) snapshot() []TierState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TierState, 0, len(m.tiers))
	for _, st := range m.tiers {
		out = append(out, *st)
	}
	return out
}

func (m *stateMap) markUnloaded(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.tiers[name]
	if st == nil || !st.Loaded {
		return false
	}
	st.Loaded = false
	return true
}
