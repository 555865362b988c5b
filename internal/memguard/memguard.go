// Package memguard temporarily raises the process memory ceiling around a
// large (de)compression and restores it afterward.
//
// The ceiling is process-wide state. All changes made through this package
// are serialized, and a Guard restores the ceiling it observed on its first
// Acquire exactly once.
package memguard

import (
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"runtime/metrics"
	"sync"
)

// Margin is the headroom kept free below the ceiling.
const Margin = 512 << 10

// Unlimited is the ceiling value meaning "no limit".
const Unlimited int64 = math.MaxInt64

// ErrRefused is returned when the ceiling cannot be raised far enough.
var ErrRefused = errors.New("memguard: memory ceiling raise refused")

// Limiter reads and changes a memory ceiling.
type Limiter interface {
	// Limit returns the current ceiling in bytes.
	Limit() int64
	// SetLimit changes the ceiling. It returns an error if the new value is refused.
	SetLimit(limit int64) error
	// Usage returns the bytes currently counted against the ceiling.
	Usage() int64
}

// Runtime is a Limiter over the Go runtime soft memory limit.
type Runtime struct {
	// Max is the largest ceiling Runtime will set. Zero means no maximum.
	Max int64
}

// Limit returns the runtime soft memory limit.
func (r Runtime) Limit() int64 {
	return debug.SetMemoryLimit(-1)
}

// SetLimit sets the runtime soft memory limit.
func (r Runtime) SetLimit(limit int64) error {
	if limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrRefused, limit)
	}
	if r.Max > 0 && limit > r.Max && limit != Unlimited {
		return fmt.Errorf("%w: %d exceeds maximum %d", ErrRefused, limit, r.Max)
	}
	debug.SetMemoryLimit(limit)
	return nil
}

var usageSamples = []string{
	"/memory/classes/total:bytes",
	"/memory/classes/heap/released:bytes",
}

// Usage returns memory mapped by the runtime minus memory returned to the OS,
// which is the quantity the soft limit is compared against.
func (r Runtime) Usage() int64 {
	samples := make([]metrics.Sample, len(usageSamples))
	for i, name := range usageSamples {
		samples[i].Name = name
	}
	metrics.Read(samples)
	var total, released uint64
	if samples[0].Value.Kind() == metrics.KindUint64 {
		total = samples[0].Value.Uint64()
	}
	if samples[1].Value.Kind() == metrics.KindUint64 {
		released = samples[1].Value.Uint64()
	}
	if released > total {
		return 0
	}
	used := total - released
	if used > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(used)
}

// mu serializes every ceiling change made by any Guard.
var mu sync.Mutex

// Guard raises the ceiling on demand for one session and restores it on Release.
// A Guard is not safe for concurrent use; distinct Guards may be used concurrently.
type Guard struct {
	limiter  Limiter
	saved    int64
	acquired bool
	released bool
}

// New returns a Guard over l. A nil l uses Runtime{}.
func New(l Limiter) *Guard {
	if l == nil {
		l = Runtime{}
	}
	return &Guard{limiter: l}
}

// Acquire makes sure at least need bytes of headroom remain below the
// ceiling, raising it by exactly the shortfall if necessary. It does nothing
// when the ceiling is unlimited.
func (g *Guard) Acquire(need int64) error {
	if need <= 0 {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()

	limit := g.limiter.Limit()
	if !g.acquired {
		g.saved = limit
		g.acquired = true
	}
	if limit == Unlimited {
		return nil
	}
	headroom := limit - g.limiter.Usage() - Margin
	if headroom >= need {
		return nil
	}
	shortfall := need - headroom
	if shortfall > Unlimited-limit {
		return fmt.Errorf("%w: need %d bytes", ErrRefused, need)
	}
	if err := g.limiter.SetLimit(limit + shortfall); err != nil {
		if errors.Is(err, ErrRefused) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRefused, err)
	}
	return nil
}

// Release restores the ceiling recorded by the first Acquire. Calls after
// the first, or without a prior Acquire, do nothing.
func (g *Guard) Release() error {
	mu.Lock()
	defer mu.Unlock()

	if !g.acquired || g.released {
		return nil
	}
	g.released = true
	if g.limiter.Limit() == g.saved {
		return nil
	}
	return g.limiter.SetLimit(g.saved)
}
