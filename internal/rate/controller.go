package rate

import (
	"sync"

	"pulseq/internal/config"
	"pulseq/internal/domain"
)

// Controller computes per-beat release capacities. Stages under critical
// load speed up toward a ceiling, backlogged stages get a moderate boost,
// and stages that sit near-empty for several consecutive beats shrink
// toward the floor. Results are cached per beat by pressure profile, so
// stages under similar load share one computation.
type Controller struct {
	cfg config.Heart

	mu        sync.Mutex
	idleBeats map[string]int
	cache     map[cacheKey]int
	cacheBeat uint64
}

type cacheKey struct {
	bucket   int
	critical bool
	backlog  bool
	idle     bool
}

func NewController(cfg config.Heart) *Controller {
	return &Controller{
		cfg:       cfg,
		idleBeats: make(map[string]int),
		cache:     make(map[cacheKey]int),
	}
}

// Capacity returns how many items the stage may release this beat.
// Always >= 0; 0 means skip the stage. A non-empty stage never gets less
// than 1.
func (c *Controller) Capacity(beat uint64, stage string, depths map[domain.Priority]int) int {
	total := 0
	for _, n := range depths {
		total += n
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if beat != c.cacheBeat {
		clear(c.cache)
		c.cacheBeat = beat
	}

	if total <= c.cfg.NearIdleDepth {
		c.idleBeats[stage]++
	} else {
		c.idleBeats[stage] = 0
	}
	if total == 0 {
		return 0
	}

	key := cacheKey{
		bucket:   total / max(c.cfg.BaseCapacity, 1),
		critical: depths[domain.PriorityCritical] > 0,
		backlog:  float64(total) > float64(c.cfg.BaseCapacity)*c.cfg.BacklogMultiplier,
		idle:     c.cfg.IdleShrinkAfter > 0 && c.idleBeats[stage] >= c.cfg.IdleShrinkAfter,
	}
	if n, ok := c.cache[key]; ok {
		return n
	}

	n := c.compute(key)
	c.cache[key] = n
	return n
}

func (c *Controller) compute(key cacheKey) int {
	n := c.cfg.BaseCapacity

	if key.critical {
		n = int(float64(n) * c.cfg.CriticalBoost)
	}
	if key.backlog {
		n = int(float64(n) * c.cfg.BacklogBoost)
	}
	if key.idle && !key.critical && !key.backlog {
		n = c.cfg.CapacityFloor
	}

	if c.cfg.BoostCeiling > 0 && n > c.cfg.BoostCeiling {
		n = c.cfg.BoostCeiling
	}
	if n < 1 {
		n = 1 // stage is non-empty
	}
	return n
}
