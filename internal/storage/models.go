package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Narrative is a persistent conversation thread that events attach to.
// A narrative carries an optional routing vector used for similarity
// search; the vector is refreshed after enough events accumulate.
type Narrative struct {
	ID                 string
	AgentID            string
	OwnerUserID        string
	Title              string
	Hint               string
	Keywords           []string
	Participants       []string
	RoutingVector      []float32 // nil until first embedding succeeds
	Special            bool
	DefaultCode        string
	EventsSinceRefresh int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Event is one user/agent exchange. Input is set at request start and
// Output at completion; after both are set the event is immutable except
// for duplication onto a second narrative.
type Event struct {
	ID          string
	NarrativeID string
	Origin      string
	Input       string
	Output      string
	Embedding   []float32 // nil until the exchange is embedded
	CreatedAt   time.Time
}

// Module instance statuses.
const (
	InstanceActive    = "active"
	InstanceBlocked   = "blocked"
	InstanceCompleted = "completed"
	InstanceFailed    = "failed"
)

// Instance link states.
const (
	LinkActive  = "active"
	LinkHistory = "history"
)

// ModuleInstance is a runtime unit of one pluggable capability. It is
// attached to narratives through InstanceLink rows so a single instance
// can serve multiple narratives and survive being unlinked.
type ModuleInstance struct {
	ID        string
	Class     string
	AgentID   string
	UserID    string
	Shared    bool
	Status    string
	DependsOn []string
	Config    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceLink associates a module instance with a narrative.
type InstanceLink struct {
	InstanceID  string
	NarrativeID string
	State       string
	UpdatedAt   time.Time
}

// Job types.
const (
	JobOnce      = "once"
	JobScheduled = "scheduled"
	JobOngoing   = "ongoing"
)

// Job statuses. Pending and active are the only claimable states;
// paused and cancelled block claiming until an operator intervenes.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobActive    = "active"
	JobPaused    = "paused"
	JobCancelled = "cancelled"
)

// Job is a deferred or periodic unit of background work.
type Job struct {
	ID          string
	Type        string // "once", "scheduled", "ongoing"
	Trigger     string // cron expression or Go duration, empty for once
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	Iterations  int
	InstanceID  string
	Monitored   []string
	NextRunAt   time.Time
	LastRunAt   time.Time
	StartedAt   time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Claimable reports whether the job status permits claiming.
func (j Job) Claimable() bool {
	return j.Status == JobPending || j.Status == JobActive
}

// Recurring reports whether the job reschedules itself after a run.
func (j Job) Recurring() bool {
	return j.Type == JobScheduled || j.Type == JobOngoing
}

// encodeList serializes a string slice as a JSON array for a TEXT column.
// nil encodes as "[]" so columns never hold SQL NULL.
func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeList parses a JSON array TEXT column into a string slice.
// Malformed data decodes as empty rather than failing the row.
func decodeList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// encodeMap serializes a string map as a JSON object for a TEXT column.
func encodeMap(v map[string]string) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// decodeMap parses a JSON object TEXT column into a string map.
func decodeMap(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
