// Package parsing locates fenced code blocks and final-answer markers in
// model output, and formats executed iterations back into chat messages.
package parsing

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/relm/pkg/models"
)

// MaxResultLength caps the formatted REPL output appended to the message
// history; longer results are truncated with a dropped-character suffix.
const MaxResultLength = 20000

var (
	codeBlockRe = regexp.MustCompile("(?s)```repl[ \t]*\n(.*?)\n```")

	finalVarRe = regexp.MustCompile(`(?ms)^\s*FINAL_VAR\((.*?)\)`)
	finalRe    = regexp.MustCompile(`(?ms)^\s*FINAL\((.*?)\)`)

	truncMarkerRe = regexp.MustCompile(`\.\.\. \+ \[\d+ chars\.\.\.\]$`)
)

// Executor resolves FINAL_VAR markers by running code in the completion's
// environment.
type Executor interface {
	ExecuteCode(ctx context.Context, code string) models.REPLResult
}

// FindCodeBlocks returns the contents of all ```repl fenced blocks in
// text, trimmed, in source order.
func FindCodeBlocks(text string) []string {
	var blocks []string
	for _, match := range codeBlockRe.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, strings.TrimSpace(match[1]))
	}
	return blocks
}

// FindFinalAnswer looks for a FINAL_VAR(...) or FINAL(...) marker at the
// start of some line and returns the resolved final answer, or nil when
// no marker is present.
//
// FINAL_VAR is resolved by executing print(FINAL_VAR(<name>)) in the
// environment and returning the captured stdout (stderr when stdout is
// empty). FINAL returns the literal text inside the parentheses, trimmed.
func FindFinalAnswer(ctx context.Context, text string, exec Executor) *string {
	if match := finalVarRe.FindStringSubmatch(text); match != nil {
		if exec == nil {
			return nil
		}
		name := stripQuotes(strings.TrimSpace(match[1]))
		result := exec.ExecuteCode(ctx, fmt.Sprintf("print(FINAL_VAR(%q))", name))
		answer := strings.TrimSpace(result.Stdout)
		if answer == "" {
			answer = strings.TrimSpace(result.Stderr)
		}
		return &answer
	}

	if match := finalRe.FindStringSubmatch(text); match != nil {
		answer := strings.TrimSpace(match[1])
		return &answer
	}

	return nil
}

// stripQuotes removes one pair of surrounding quotes, if present.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// FormatIteration produces the messages appended to history for one
// iteration: an assistant message with the raw response, then one user
// message per executed code block, in source order. Exactly
// 1+len(code_blocks) messages are returned.
func FormatIteration(iteration models.Iteration) []models.Message {
	messages := []models.Message{
		{Role: models.RoleAssistant, Content: iteration.Response},
	}

	for _, block := range iteration.CodeBlocks {
		result := Truncate(FormatExecutionResult(block.Result), MaxResultLength)
		messages = append(messages, models.Message{
			Role: models.RoleUser,
			Content: fmt.Sprintf(
				"Code executed:\n```repl\n%s\n```\n\nREPL output:\n%s",
				block.Code, result,
			),
		})
	}
	return messages
}

// FormatExecutionResult renders a REPL result for the next prompt:
// non-empty stdout and stderr blank-line separated, then a single-line
// enumeration of notable binding names. Values are omitted from the
// enumeration; only names whose current value is a simple scalar or
// composite appear (the snapshot already excludes internal and
// underscore-prefixed names).
func FormatExecutionResult(result models.REPLResult) string {
	var parts []string

	if result.Stdout != "" {
		parts = append(parts, "\n"+result.Stdout)
	}
	if result.Stderr != "" {
		parts = append(parts, "\n"+result.Stderr)
	}

	if len(result.Locals) > 0 {
		names := make([]string, 0, len(result.Locals))
		for name := range result.Locals {
			if strings.HasPrefix(name, "__") {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) > 0 {
			parts = append(parts, fmt.Sprintf("REPL variables: [%s]\n", strings.Join(names, ", ")))
		}
	}

	if len(parts) == 0 {
		return "No output"
	}
	return strings.Join(parts, "\n\n")
}

// Truncate caps s at max characters, appending a suffix with the dropped
// character count. Truncation is idempotent for an unchanged cap: a
// string already carrying the marker at the cap boundary passes through.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if loc := truncMarkerRe.FindStringIndex(s); loc != nil && loc[0] == max {
		return s
	}
	return s[:max] + fmt.Sprintf("... + [%d chars...]", len(s)-max)
}
