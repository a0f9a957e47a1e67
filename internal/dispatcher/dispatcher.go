// Package dispatcher is the stateless delivery primitive that spans the
// trust boundary: given a routed set of target listeners, it invokes each
// target's handler in its own goroutine and returns results as they
// complete.
//
// The trust boundary (spec.md §4.4) means no pump-side state is exposed to
// the handler beyond a minimal HandlerMeta. The caller is responsible for
// capturing the authoritative routing metadata (sender, parent thread,
// peer set) in its own local scope before calling Dispatch — none of it is
// threaded through this package, and a handler panic here is recovered and
// converted into a diagnostic rather than allowed to unwind past the
// dispatcher.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/xmlpipeline/agentserver/internal/registry"
)

// Result is one target's handler outcome.
type Result struct {
	Target *registry.Record
	Bytes  []byte
	Err    error
}

// Dispatch spawns one goroutine per target, invoking its handler with
// payload and meta, and streams results back on the returned channel as
// each completes (spec.md §4.5 "as-completed semantics"). Handlers are
// launched in the order targets are given — registration order, per
// registry.LookupByRoot — but their completion order is not guaranteed.
// The channel is closed once every target has reported.
func Dispatch(ctx context.Context, targets []*registry.Record, payload any, meta registry.HandlerMeta) <-chan Result {
	out := make(chan Result, len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))

	for _, target := range targets {
		go func(target *registry.Record) {
			defer wg.Done()
			out <- invoke(ctx, target, payload, meta)
		}(target)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func invoke(ctx context.Context, target *registry.Record, payload any, meta registry.HandlerMeta) (result Result) {
	result.Target = target
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("handler %q panicked: %v", target.Name, r)
			result.Bytes = nil
		}
	}()

	bytes, err := target.Handler(ctx, payload, meta)
	result.Bytes = bytes
	result.Err = err
	return result
}
