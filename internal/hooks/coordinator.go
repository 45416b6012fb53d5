package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const postExecutionConcurrency = 4

// GatherMode selects how data-gathering hooks are coordinated.
type GatherMode int

const (
	// GatherSequential runs modules one after another against the shared
	// context. Default: later modules may read earlier modules' writes.
	GatherSequential GatherMode = iota

	// GatherParallel runs each module against an isolated deep copy and
	// merges the copies afterwards. Trades cross-module visibility for
	// latency.
	GatherParallel
)

// Coordinator runs capability hooks with per-module failure isolation:
// one failing hook never blocks or fails its siblings.
type Coordinator struct {
	mode   GatherMode
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator with the given data-gathering mode.
func NewCoordinator(mode GatherMode) *Coordinator {
	return &Coordinator{mode: mode, logger: slog.Default()}
}

// RunDataGathering enriches the exchange context through every module's
// GatherContext hook and returns the enriched context. A module failure
// is logged with the module name and skipped.
func (c *Coordinator) RunDataGathering(ctx context.Context, modules []Capability, ec *ExchangeContext) *ExchangeContext {
	if c.mode == GatherParallel {
		return c.gatherParallel(ctx, modules, ec)
	}

	for _, m := range modules {
		if err := m.GatherContext(ctx, ec); err != nil {
			c.logger.Warn("data-gathering hook failed", "module", m.Name(), "error", err)
		}
	}
	return ec
}

// gatherParallel gives each module an isolated copy of the context,
// runs them concurrently, and merges the copies in module order: note
// lists concatenate, fact maps merge with the earlier module winning a
// key conflict, scalar slots take the first non-empty value.
func (c *Coordinator) gatherParallel(ctx context.Context, modules []Capability, ec *ExchangeContext) *ExchangeContext {
	copies := make([]*ExchangeContext, len(modules))
	errs := make([]error, len(modules))

	var wg sync.WaitGroup
	for i, m := range modules {
		copies[i] = ec.Clone()
		wg.Add(1)
		go func(i int, m Capability) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			errs[i] = m.GatherContext(ctx, copies[i])
		}(i, m)
	}
	wg.Wait()

	baseNotes := len(ec.Notes)
	merged := ec.Clone()
	for i, m := range modules {
		if errs[i] != nil {
			c.logger.Warn("data-gathering hook failed", "module", m.Name(), "error", errs[i])
			continue
		}
		mergeInto(merged, copies[i], baseNotes)
	}
	return merged
}

// mergeInto folds one module's isolated copy into the merged context.
// baseNotes is the note count before any module ran, so only the notes
// the module actually appended are carried over.
func mergeInto(merged, isolated *ExchangeContext, baseNotes int) {
	if merged.Summary == "" {
		merged.Summary = isolated.Summary
	}
	if len(isolated.Notes) > baseNotes {
		merged.Notes = append(merged.Notes, isolated.Notes[baseNotes:]...)
	}
	if isolated.Facts != nil {
		if merged.Facts == nil {
			merged.Facts = make(map[string]string, len(isolated.Facts))
		}
		for k, v := range isolated.Facts {
			if _, exists := merged.Facts[k]; !exists {
				merged.Facts[k] = v
			}
		}
	}
}

// RunPostExecution runs every bound module's AfterExecution hook
// concurrently and collects the completion signals. Only hooks that
// both succeeded and returned a non-nil result contribute; a failing
// hook is logged with its name and cause and excluded from the
// aggregate.
func (c *Coordinator) RunPostExecution(ctx context.Context, modules []Bound, p Params) []CallbackResult {
	if len(modules) == 0 {
		return nil
	}

	// Buffered to the module count so a send never blocks.
	results := make(chan CallbackResult, len(modules))

	// Hooks always return nil from the group function: a hook failure is
	// logged and excluded, never allowed to cancel its siblings.
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(postExecutionConcurrency)
	for _, m := range modules {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("post-execution hook panicked", "module", m.Capability.Name(), "panic", r)
				}
			}()

			mp := p
			mp.InstanceID = m.InstanceID
			res, err := m.Capability.AfterExecution(gCtx, mp)
			if err != nil {
				c.logger.Warn("post-execution hook failed", "module", m.Capability.Name(), "error", err)
				return nil
			}
			if res != nil {
				if res.InstanceID == "" {
					res.InstanceID = m.InstanceID
				}
				results <- *res
			}
			return nil
		})
	}
	g.Wait()
	close(results)

	var collected []CallbackResult
	for res := range results {
		collected = append(collected, res)
	}
	return collected
}
