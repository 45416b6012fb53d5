package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/loom/internal/engine"
	"github.com/kalambet/loom/internal/storage"
)

const judgmentTimeout = 5 * time.Second

// Judgment pools.
const (
	PoolSearch      = "search"
	PoolDefault     = "default"
	PoolParticipant = "participant"
	PoolNone        = "none"
)

// Judgment is the structured disambiguation result: which pool matched
// and the index within it, or "none".
type Judgment struct {
	Pool   string `json:"pool"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Disambiguator asks the judgment model to pick the narrative a query
// belongs to, across search hits, default fallback threads, and threads
// the requester participates in.
type Disambiguator struct {
	engine engine.Engine
	model  string
}

// NewDisambiguator creates a Disambiguator using the given engine and model.
func NewDisambiguator(e engine.Engine, model string) *Disambiguator {
	return &Disambiguator{engine: e, model: model}
}

// Disambiguate returns the judgment for a query over the three pools.
// Errors are returned to the caller, which treats them as "none".
func (d *Disambiguator) Disambiguate(ctx context.Context, query string, hits, defaults, participants []storage.Narrative) (Judgment, error) {
	ctx, cancel := context.WithTimeout(ctx, judgmentTimeout)
	defer cancel()

	prompt := buildJudgmentPrompt(query, hits, defaults, participants)

	raw, err := d.engine.Chat(ctx, d.model, []engine.Message{
		{Role: "user", Content: prompt},
	}, judgmentSchema())
	if err != nil {
		return Judgment{}, fmt.Errorf("judgment chat: %w", err)
	}

	var j Judgment
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Judgment{}, fmt.Errorf("unmarshaling judgment %q: %w", raw, err)
	}
	switch j.Pool {
	case PoolSearch, PoolDefault, PoolParticipant, PoolNone:
	default:
		return Judgment{}, fmt.Errorf("judgment returned unknown pool %q", j.Pool)
	}
	return j, nil
}

func buildJudgmentPrompt(query string, hits, defaults, participants []storage.Narrative) string {
	var b strings.Builder
	b.WriteString("You route a user's message to an ongoing conversation thread.\n")
	b.WriteString("Pick the single thread the message belongs to, or \"none\" if no thread fits.\n")
	b.WriteString("Default threads have deliberately narrow scope: any concrete follow-up item belongs elsewhere.\n\n")
	b.WriteString("Message: " + query + "\n")

	writePool := func(name string, pool []storage.Narrative) {
		if len(pool) == 0 {
			return
		}
		b.WriteString("\nPool \"" + name + "\":\n")
		for i, n := range pool {
			b.WriteString(fmt.Sprintf("  %d. %s", i, n.Title))
			if n.Hint != "" && n.Hint != n.Title {
				b.WriteString(": " + n.Hint)
			}
			if len(n.Keywords) > 0 {
				b.WriteString(" [" + strings.Join(n.Keywords, ", ") + "]")
			}
			b.WriteString("\n")
		}
	}
	writePool(PoolSearch, hits)
	writePool(PoolDefault, defaults)
	writePool(PoolParticipant, participants)

	b.WriteString("\nAnswer with the pool name, the zero-based index within that pool, and a one-sentence reason.\n")
	return b.String()
}

func judgmentSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"pool":   {Type: "string", Description: "Matched pool", Enum: []string{PoolSearch, PoolDefault, PoolParticipant, PoolNone}},
			"index":  {Type: "integer", Description: "Zero-based index within the matched pool; ignored for none"},
			"reason": {Type: "string", Description: "One-sentence justification"},
		},
		Required: []string{"pool", "index", "reason"},
	}
}
