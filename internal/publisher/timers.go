package publisher

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
)

// afterFunc arms a timer for the wait-state s. When it fires after s was
// left, fire is not called.
func (p *Publisher) afterFunc(d time.Duration, s state, fire func(ctx context.Context)) clockwork.Timer {
	return p.clock.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				p.fail(fmt.Errorf("panic in %s timeout: %v\n%s", s, r, debug.Stack()))
			}
		}()

		if p.state != s {
			p.log.Debug(p.runCtx, "late timer ignored", "armed_in", s.String(), "state", p.state)
			return
		}
		p.log.Debug(p.runCtx, "timeout", "state", s.String(), "after", d)
		fire(p.runCtx)
	})
}
