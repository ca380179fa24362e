// Package tempcache skips redundant denoising steps by recognizing
// latent states the model has already processed. It is an optimization
// only: every failure path degrades to "recompute".
package tempcache

import (
	"fmt"
	"math"
	"sync"
)

type Config struct {
	// EdgeSteps is the number of leading and trailing steps that are
	// always recomputed. Default 3.
	EdgeSteps int

	// BaseThreshold is the similarity tolerance at the widest point of
	// the bell curve. Default 0.1.
	BaseThreshold float64

	// MaxCachedFrames bounds the number of live entries. Default 64.
	MaxCachedFrames int

	// FingerprintSize is the down-sampled vector length. Default 64.
	FingerprintSize int

	// CachedCostFraction approximates the residual cost of reusing a
	// cached result, relative to recomputing it. Default 0.05.
	CachedCostFraction float64
}

func (c Config) withDefaults() Config {
	if c.EdgeSteps <= 0 {
		c.EdgeSteps = 3
	}
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = 0.1
	}
	if c.MaxCachedFrames <= 0 {
		c.MaxCachedFrames = 64
	}
	if c.FingerprintSize <= 0 {
		c.FingerprintSize = 64
	}
	if c.CachedCostFraction <= 0 {
		c.CachedCostFraction = 0.05
	}
	return c
}

type entry struct {
	key    string
	fp     fingerprint
	output []float32
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits          uint64
	Misses        uint64
	SkippedSteps  uint64
	Entries       int
	HitRate       float64
	SimilarityAvg float64
	SimilarityMin float64
	SimilarityMax float64
	SimilarityStd float64
	// EstimatedSpeedup is 1/(1 - hitRate*(1-cachedCostFraction)).
	EstimatedSpeedup float64
}

type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // insertion order, oldest first

	// step -> key of the entry matched by the last ShouldCompute hit,
	// so Lookup can resolve reuse for steps that were never recorded.
	aliases map[int]string

	hits   uint64
	misses uint64

	simCount float64
	simSum   float64
	simSqSum float64
	simMin   float64
	simMax   float64
}

func New(cfg Config) *Cache {
	return &Cache{
		cfg:     cfg.withDefaults(),
		entries: map[string]*entry{},
		aliases: map[int]string{},
		simMin:  math.Inf(1),
		simMax:  math.Inf(-1),
	}
}

func key(step, frame int) string {
	return fmt.Sprintf("%d:%d", step, frame)
}

// ShouldCompute reports whether the given step must be recomputed. The
// first and last EdgeSteps steps always compute; intermediate steps are
// compared against cached states under an adaptive threshold. Any error
// while fingerprinting fails open and forces a recompute.
func (c *Cache) ShouldCompute(step, totalSteps int, state []float32) bool {
	if totalSteps <= 0 || step < 0 || step >= totalSteps {
		return true
	}
	if step < c.cfg.EdgeSteps || step >= totalSteps-c.cfg.EdgeSteps {
		return true
	}

	fp, err := newFingerprint(state, c.cfg.FingerprintSize)
	if err != nil {
		return true
	}

	threshold := c.adaptiveThreshold(step, totalSteps)

	c.mu.Lock()
	defer c.mu.Unlock()

	bestSim := math.Inf(-1)
	var bestKey string
	for _, k := range c.order {
		e := c.entries[k]
		var sim float64
		if e.fp.digest == fp.digest {
			sim = 1.0
		} else {
			sim = cosine(e.fp.vec, fp.vec)
		}
		if sim > bestSim {
			bestSim = sim
			bestKey = k
		}
	}

	if bestKey != "" && bestSim > 1-threshold {
		c.hits++
		c.observeSimilarityLocked(bestSim)
		c.aliases[step] = bestKey
		return false
	}

	c.misses++
	if !math.IsInf(bestSim, -1) {
		c.observeSimilarityLocked(bestSim)
	}
	return true
}

// adaptiveThreshold scales the base tolerance by a bell curve over the
// normalized step position: widest mid-sequence, near zero at the
// edges.
func (c *Cache) adaptiveThreshold(step, totalSteps int) float64 {
	p := float64(step) / float64(totalSteps-1)
	bell := 4 * p * (1 - p)
	return c.cfg.BaseThreshold * bell
}

// Record stores the computed output for (step, frame). The oldest entry
// is evicted once capacity is exceeded. Unfingerprintable states are
// dropped silently; the cache must never surface an error to the
// denoising loop.
func (c *Cache) Record(step, frame int, state, output []float32) {
	fp, err := newFingerprint(state, c.cfg.FingerprintSize)
	if err != nil {
		return
	}

	out := make([]float32, len(output))
	copy(out, output)

	k := key(step, frame)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists {
		c.order = append(c.order, k)
	}
	c.entries[k] = &entry{key: k, fp: fp, output: out}

	for len(c.order) > c.cfg.MaxCachedFrames {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		for s, alias := range c.aliases {
			if alias == oldest {
				delete(c.aliases, s)
			}
		}
	}
}

// Lookup returns the cached output for (step, frame), following the
// alias left by a ShouldCompute hit when the exact key was never
// recorded.
func (c *Cache) Lookup(step, frame int) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key(step, frame)]
	if !ok {
		if alias, found := c.aliases[step]; found {
			e, ok = c.entries[alias]
		}
	}
	if !ok || e == nil {
		return nil, false
	}

	out := make([]float32, len(e.output))
	copy(out, e.output)
	return out, true
}

// Reset drops all entries and counters. Called between generations.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[string]*entry{}
	c.order = nil
	c.aliases = map[int]string{}
	c.hits = 0
	c.misses = 0
	c.simCount = 0
	c.simSum = 0
	c.simSqSum = 0
	c.simMin = math.Inf(1)
	c.simMax = math.Inf(-1)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		SkippedSteps: c.hits,
		Entries:      len(c.entries),
	}

	total := c.hits + c.misses
	if total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}

	if c.simCount > 0 {
		s.SimilarityAvg = c.simSum / c.simCount
		s.SimilarityMin = c.simMin
		s.SimilarityMax = c.simMax
		variance := c.simSqSum/c.simCount - s.SimilarityAvg*s.SimilarityAvg
		if variance > 0 {
			s.SimilarityStd = math.Sqrt(variance)
		}
	}

	s.EstimatedSpeedup = 1 / (1 - s.HitRate*(1-c.cfg.CachedCostFraction))
	return s
}

func (c *Cache) observeSimilarityLocked(sim float64) {
	c.simCount++
	c.simSum += sim
	c.simSqSum += sim * sim
	if sim < c.simMin {
		c.simMin = sim
	}
	if sim > c.simMax {
		c.simMax = sim
	}
}
