package engine

import (
	"runtime"
	"sync"
	"time"

	"github.com/packlabel/dateocr/internal/logging"
)

// guardCallInterval and guardTimeInterval bound how often the guard
// reads memory statistics, whichever comes first.
const (
	guardCallInterval = 10
	guardTimeInterval = time.Minute
)

// resourceGuard watches process heap usage and triggers backend
// reconstruction when it crosses the ceiling. Checks are rate limited
// so the MemStats read does not tax the hot path.
type resourceGuard struct {
	ceiling uint64
	readMem func() uint64

	mu        sync.Mutex
	calls     int
	lastCheck time.Time
}

func newResourceGuard(ceiling uint64) *resourceGuard {
	return &resourceGuard{
		ceiling:   ceiling,
		readMem:   heapInUse,
		lastCheck: time.Now(),
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// maybeInspect counts one recognition call and, when a check is due,
// compares heap usage against the ceiling and rebuilds the engine's
// backend on breach.
func (g *resourceGuard) maybeInspect(e *Engine) {
	g.mu.Lock()
	g.calls++
	due := g.calls >= guardCallInterval || time.Since(g.lastCheck) >= guardTimeInterval
	if due {
		g.calls = 0
		g.lastCheck = time.Now()
	}
	g.mu.Unlock()

	if !due {
		return
	}
	used := g.readMem()
	if used > g.ceiling {
		logging.New("guard").Warn().
			Uint64("heap_bytes", used).
			Uint64("ceiling_bytes", g.ceiling).
			Msg("memory ceiling breached")
		e.rebuildBackend()
	}
}
