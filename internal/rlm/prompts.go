package rlm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/relm/pkg/models"
)

// DefaultSystemPrompt instructs the root model how to drive the REPL.
// Callers may replace it wholesale with a custom prompt; query metadata
// is appended either way.
const DefaultSystemPrompt = `You are a language model with access to a persistent REPL environment.

The user's payload is loaded into the REPL as a variable named ` + "`context`" + `. It may be
large; explore it with code instead of guessing at its contents.

To run code, write an ECMAScript fragment in a fenced block tagged repl:

` + "```repl" + `
var lines = context.split("\n");
print(lines.length);
` + "```" + `

Each block is executed in order and its output is shown to you on the next turn.
Variables persist between turns. Inside the REPL you can also call:

- llm_query(prompt, model) — ask a language model a sub-question and get its reply
  as a string. Omit model to use the default.
- llm_query_batched(prompts, model) — issue a list of sub-questions concurrently;
  returns replies in the same order.
- FINAL_VAR(name) — read a variable's string form (used with the marker below).

Rules:
- Do not nest fences inside a repl block.
- When you know the final answer, emit exactly one marker at the start of a line:
  FINAL(your answer here) for a literal answer, or FINAL_VAR(variable_name) to
  return a variable you built in the REPL.
- Until you emit a marker, every response should make progress: inspect the
  context, compute, or issue sub-queries.`

// QueryMetadata summarizes the request payload for the system prompt:
// its shape, size, and structural hints, without inlining the payload.
type QueryMetadata struct {
	PayloadType string
	Length      int
	Hints       []string
}

// QueryMetadataOf inspects a prompt payload.
func QueryMetadataOf(prompt models.Prompt) QueryMetadata {
	md := QueryMetadata{
		PayloadType: string(prompt.Kind()),
		Length:      prompt.Len(),
	}
	switch prompt.Kind() {
	case models.PromptMessages:
		md.Hints = append(md.Hints, fmt.Sprintf("%d messages", len(prompt.Messages())))
	case models.PromptData:
		var top map[string]json.RawMessage
		if err := json.Unmarshal(prompt.Data(), &top); err == nil {
			md.Hints = append(md.Hints, fmt.Sprintf("object with %d top-level keys", len(top)))
			break
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(prompt.Data(), &arr); err == nil {
			md.Hints = append(md.Hints, fmt.Sprintf("array of %d elements", len(arr)))
		}
	case models.PromptText:
		md.Hints = append(md.Hints, fmt.Sprintf("%d lines", 1+strings.Count(prompt.Text(), "\n")))
	}
	return md
}

// BuildSystemPrompt composes the initial message history: one system
// message holding the rendered system prompt plus query metadata.
func BuildSystemPrompt(systemPrompt string, md QueryMetadata) []models.Message {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nQuery metadata: the `context` variable is ")
	b.WriteString(md.PayloadType)
	b.WriteString(fmt.Sprintf(", %d characters", md.Length))
	if len(md.Hints) > 0 {
		b.WriteString(" (" + strings.Join(md.Hints, "; ") + ")")
	}
	b.WriteString(".")
	return []models.Message{{Role: models.RoleSystem, Content: b.String()}}
}

// BuildUserPrompt builds the per-turn suffix message derived from the
// root prompt and the turn index. This is the only turn-dependent
// message; history itself is never mutated by prompt assembly.
func BuildUserPrompt(rootPrompt string, iteration int) models.Message {
	var b strings.Builder
	if iteration == 0 {
		b.WriteString("You have not interacted with the REPL yet. Start by exploring `context`.")
	} else {
		b.WriteString(fmt.Sprintf("This is iteration %d. Continue working toward the answer; emit FINAL(...) or FINAL_VAR(...) when done.", iteration+1))
	}
	if rootPrompt != "" {
		b.WriteString("\n\nThe user's question: ")
		b.WriteString(rootPrompt)
	}
	return models.Message{Role: models.RoleUser, Content: b.String()}
}

// synthesisPrompt asks the model to wrap up when iterations run out.
const synthesisPrompt = "Please provide a final answer to the user's question based on the information provided."
