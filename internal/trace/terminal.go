package trace

import (
	"sync"
	"time"

	"github.com/cognihq/graphcore/internal/run"
)

// Terminal is the verdict the guard records for a run.
type Terminal struct {
	Outcome Outcome
	Code    run.ErrorCode
	Content string
}

// terminalGuard admits exactly one verdict per run. The countdown to
// finalization_lost arms when the stream ends without one.
type terminalGuard struct {
	mu       sync.Mutex
	resolved bool
	timer    *time.Timer
	onFirst  func(Terminal)
}

func newTerminalGuard(onFirst func(Terminal)) *terminalGuard {
	return &terminalGuard{onFirst: onFirst}
}

// resolve applies the first verdict; later calls report false.
func (g *terminalGuard) resolve(t Terminal) bool {
	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return false
	}
	g.resolved = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()

	g.onFirst(t)
	return true
}

// armLost starts the countdown once. content is read at fire time so
// the lost verdict carries whatever the stream had produced.
func (g *terminalGuard) armLost(d time.Duration, content func() string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved || g.timer != nil {
		return
	}
	g.timer = time.AfterFunc(d, func() {
		g.resolve(Terminal{Outcome: OutcomeFinalizationLost, Content: content()})
	})
}
