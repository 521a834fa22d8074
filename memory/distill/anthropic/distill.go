// Package anthropic implements memory.Distiller over the Anthropic
// Messages API: before persistence, a memory candidate is summarized
// and its entities extracted by a small model. Failures degrade to
// persisting the memory without entities.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/ecelabs/tiermem/memory"
)

const systemPrompt = `You extract structured facts from assistant memory content.
Reply with a single JSON object and nothing else:
{"summary": "<one-sentence summary>",
 "importance": <1-10>,
 "entities": [{"name": "<name>", "type": "person|project|concept|organization|tool|location|event"}]}
Only include entities actually named in the content.`

// Distiller calls the Messages API for entity/summary extraction.
type Distiller struct {
	client    *sdk.Client
	model     string
	maxTokens int64
}

// New creates a Distiller. model may be empty to use a small default.
func New(client *sdk.Client, model string) *Distiller {
	if model == "" {
		model = string(sdk.ModelClaude3_5HaikuLatest)
	}
	return &Distiller{client: client, model: model, maxTokens: 1024}
}

// Distill extracts a summary, importance estimate, and entities from
// content. A response that fails to parse yields an empty distillate
// rather than an error, so the write path never blocks on model output
// shape.
func (d *Distiller) Distill(ctx context.Context, content, category string) (*memory.Distillate, error) {
	resp, err := d.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(d.model),
		MaxTokens: d.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(fmt.Sprintf("Category: %s\n\n%s", category, content))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("distill request: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseDistillate(text.String()), nil
}

// parseDistillate tolerantly pulls the JSON object out of the model
// reply, accepting surrounding prose or code fences.
func parseDistillate(text string) *memory.Distillate {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		log.Printf("[DISTILL] No JSON object in model reply, skipping entities")
		return &memory.Distillate{}
	}

	var parsed struct {
		Summary    string `json:"summary"`
		Importance int    `json:"importance"`
		Entities   []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"entities"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		log.Printf("[DISTILL] Unparseable model reply, skipping entities: %v", err)
		return &memory.Distillate{}
	}

	dist := &memory.Distillate{
		Summary:    parsed.Summary,
		Importance: parsed.Importance,
	}
	for _, ent := range parsed.Entities {
		if strings.TrimSpace(ent.Name) == "" {
			continue
		}
		dist.Entities = append(dist.Entities, memory.Entity{
			Name: ent.Name,
			Type: strings.ToLower(ent.Type),
		})
	}
	return dist
}
