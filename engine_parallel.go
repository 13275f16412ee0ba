package spindex

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	spirt "github.com/jward/spindex/internal/runtime"
)

// decodeAll decodes every pending unit, filling in its types. With parallel
// decoding enabled the work is spread over a worker pool where each worker
// owns its Runtime, since tree-sitter parsers and the script source store
// are not goroutine-safe. Results land in the items themselves, so the
// caller still sees them in path order.
//
// A unit that cannot be decoded is logged and treated as declaring nothing.
// Only context cancellation fails the whole call.
func (e *Engine) decodeAll(ctx context.Context, items []*unitInput) error {
	if len(items) == 0 {
		return nil
	}

	numWorkers := 1
	if e.useParallel {
		numWorkers = min(runtime.NumCPU(), len(items))
	}
	if numWorkers < 2 {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.decodeUnit(ctx, e.decoder, item)
		}
		return ctx.Err()
	}

	workCh := make(chan *unitInput, len(items))
	for _, item := range items {
		workCh <- item
	}
	close(workCh)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec := e.newDecoder()
			for item := range workCh {
				if ctx.Err() != nil {
					return
				}
				e.decodeUnit(ctx, dec, item)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// decodeUnit decodes one unit through the shared LRU cache.
func (e *Engine) decodeUnit(ctx context.Context, dec *spirt.Decoder, item *unitInput) {
	key := fmt.Sprintf("%d:%s", item.kind, item.hash)
	if types, ok := e.cache.Get(key); ok {
		item.types = types
		item.content = nil
		return
	}

	types, err := dec.Decode(ctx, item.path, item.content)
	item.content = nil
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("cannot decode unit, treating it as declaring no providers", "unit", item.path, "err", err)
		item.types = nil
		return
	}
	item.types = types
	e.cache.Add(key, types)
}
