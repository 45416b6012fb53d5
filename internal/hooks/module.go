package hooks

import (
	"context"
)

// ExchangeContext is the shared mutable context data-gathering hooks
// enrich before execution. Later modules may read what earlier modules
// wrote, which is why sequential is the default coordination mode.
type ExchangeContext struct {
	Query       string
	NarrativeID string
	AgentID     string
	UserID      string

	// Summary is a scalar enrichment slot: in parallel mode the first
	// non-empty value across modules wins.
	Summary string

	// Notes concatenate across modules in parallel mode.
	Notes []string

	// Facts deep-merge across modules in parallel mode; on key conflict
	// the earlier module's value is kept.
	Facts map[string]string
}

// Clone returns a deep copy so a parallel data-gathering module cannot
// observe or race a sibling's writes.
func (ec *ExchangeContext) Clone() *ExchangeContext {
	cp := *ec
	cp.Notes = append([]string(nil), ec.Notes...)
	if ec.Facts != nil {
		cp.Facts = make(map[string]string, len(ec.Facts))
		for k, v := range ec.Facts {
			cp.Facts[k] = v
		}
	}
	return &cp
}

// Params carries the completed exchange into post-execution hooks.
// InstanceID is filled in per module by the coordinator so a capability
// can emit an instance-scoped completion signal.
type Params struct {
	NarrativeID string
	EventID     string
	InstanceID  string
	Input       string
	Output      string
}

// Bound pairs a capability with the module instance it runs as for this
// exchange. Post-execution hooks run bound; data-gathering hooks don't
// need the instance identity.
type Bound struct {
	InstanceID string
	Capability Capability
}

// CallbackResult is the completion signal a post-execution hook emits
// for its module instance. It feeds dependency propagation and is never
// persisted as its own entity.
type CallbackResult struct {
	InstanceID   string
	Status       string // storage.InstanceCompleted or storage.InstanceFailed
	Output       string
	Notification string
}

// Capability is the explicit interface every pluggable capability
// implements. Conformance is checked at registration time, not probed
// per call; embed NoOpCapability for hooks a capability doesn't need.
type Capability interface {
	// Name identifies the capability class in logs and registration.
	Name() string

	// GatherContext enriches the shared context before execution.
	GatherContext(ctx context.Context, ec *ExchangeContext) error

	// AfterExecution runs after the exchange completes. A nil result
	// means the hook has no completion signal to report.
	AfterExecution(ctx context.Context, p Params) (*CallbackResult, error)
}

// NoOpCapability is an embeddable base whose hooks do nothing.
type NoOpCapability struct{}

func (NoOpCapability) GatherContext(context.Context, *ExchangeContext) error { return nil }

func (NoOpCapability) AfterExecution(context.Context, Params) (*CallbackResult, error) {
	return nil, nil
}
