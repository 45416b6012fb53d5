package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/loom/internal/engine"
	"github.com/kalambet/loom/internal/storage"
)

const continuityTimeout = 5 * time.Second

// Continuity is the classifier verdict on whether a new query stays on
// the current thread. Continuous means same topic, a stricter condition
// than conversational continuity.
type Continuity struct {
	IsContinuous bool    `json:"is_continuous"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// ContinuityDetector classifies topic continuity with the judgment
// model. It is state-free; all context arrives per call.
type ContinuityDetector struct {
	engine engine.Engine
	model  string
	logger *slog.Logger
}

// NewContinuityDetector creates a detector using the given engine and model.
func NewContinuityDetector(e engine.Engine, model string) *ContinuityDetector {
	return &ContinuityDetector{engine: e, model: model, logger: slog.Default()}
}

// Detect classifies whether currentQuery continues the topic of the
// previous exchange on the given narrative. Any failure (timeout,
// malformed JSON, engine error) yields not-continuous so the request is
// re-routed rather than silently pinned to a stale thread.
func (d *ContinuityDetector) Detect(ctx context.Context, prevQuery, prevResponse, currentQuery string, elapsed time.Duration, current storage.Narrative) Continuity {
	ctx, cancel := context.WithTimeout(ctx, continuityTimeout)
	defer cancel()

	prompt := buildContinuityPrompt(prevQuery, prevResponse, currentQuery, elapsed, current)

	raw, err := d.engine.Chat(ctx, d.model, []engine.Message{
		{Role: "user", Content: prompt},
	}, continuitySchema())
	if err != nil {
		d.logger.Warn("continuity detection failed, forcing re-route", "error", err)
		return Continuity{Reason: "classification unavailable"}
	}

	var c Continuity
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		d.logger.Warn("continuity response unmarshaling failed, forcing re-route", "error", err, "response", raw)
		return Continuity{Reason: "classification unavailable"}
	}
	return c
}

func buildContinuityPrompt(prevQuery, prevResponse, currentQuery string, elapsed time.Duration, current storage.Narrative) string {
	var b strings.Builder
	b.WriteString("Decide whether the new message continues the SAME TOPIC as the previous exchange.\n")
	b.WriteString("A conversation can continue in time while switching topics; answer about the topic only.\n\n")
	b.WriteString("Current thread: " + current.Title)
	if current.Hint != "" && current.Hint != current.Title {
		b.WriteString(", " + current.Hint)
	}
	b.WriteString("\n")
	if current.Special {
		b.WriteString("This is a default thread with especially narrow scope: any concrete follow-up item is expected to leave it.\n")
	}
	fmt.Fprintf(&b, "Elapsed since previous message: %s\n\n", elapsed.Round(time.Second))
	b.WriteString("Previous message: " + prevQuery + "\n")
	b.WriteString("Previous response: " + prevResponse + "\n")
	b.WriteString("New message: " + currentQuery + "\n")
	return b.String()
}

func continuitySchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"is_continuous": {Type: "boolean", Description: "Whether the new message stays on the same topic"},
			"confidence":    {Type: "number", Description: "Confidence 0.0-1.0"},
			"reason":        {Type: "string", Description: "One-sentence justification"},
		},
		Required: []string{"is_continuous", "confidence", "reason"},
	}
}
