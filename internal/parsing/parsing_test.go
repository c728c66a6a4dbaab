package parsing

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/relm/pkg/models"
)

// scriptedExecutor resolves FINAL_VAR lookups from a fixed table.
type scriptedExecutor struct {
	vars     map[string]string
	executed []string
}

func (s *scriptedExecutor) ExecuteCode(_ context.Context, code string) models.REPLResult {
	s.executed = append(s.executed, code)
	for name, value := range s.vars {
		if strings.Contains(code, fmt.Sprintf("FINAL_VAR(%q)", name)) {
			return models.REPLResult{Stdout: value + "\n"}
		}
	}
	return models.REPLResult{Stderr: "Error: variable not found\n"}
}

func TestFindCodeBlocks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single block",
			text: "Let me check.\n```repl\nvar x = 1;\nprint(x);\n```\nDone.",
			want: []string{"var x = 1;\nprint(x);"},
		},
		{
			name: "multiple blocks in order",
			text: "```repl\nfirst\n```\ntext\n```repl\nsecond\n```",
			want: []string{"first", "second"},
		},
		{
			name: "untagged fence ignored",
			text: "```\nnot repl\n```",
			want: nil,
		},
		{
			name: "no blocks",
			text: "Just prose.",
			want: nil,
		},
		{
			name: "trailing spaces after tag",
			text: "```repl  \ncode here\n```",
			want: []string{"code here"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindCodeBlocks(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("FindCodeBlocks() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("block %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFindFinalAnswerLiteral(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *string
	}{
		{"at line start", "FINAL(42)", strPtr("42")},
		{"after other lines", "Thinking...\nFINAL(the answer)", strPtr("the answer")},
		{"indented still matches", "  FINAL(ok)", strPtr("ok")},
		{"mid-line does not stop the loop", "We could emit FINAL(42) later.", nil},
		{"absent", "No markers here.", nil},
		{"trimmed", "FINAL(  padded  )", strPtr("padded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindFinalAnswer(context.Background(), tt.text, nil)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("FindFinalAnswer() = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("FindFinalAnswer() = %q, want %q", *got, *tt.want)
			}
		})
	}
}

func TestFindFinalAnswerVar(t *testing.T) {
	exec := &scriptedExecutor{vars: map[string]string{"x": "55"}}

	got := FindFinalAnswer(context.Background(), "FINAL_VAR(x)", exec)
	if got == nil || *got != "55" {
		t.Fatalf("FindFinalAnswer() = %v, want 55", got)
	}
	if len(exec.executed) != 1 || !strings.Contains(exec.executed[0], `print(FINAL_VAR("x"))`) {
		t.Errorf("executed = %v", exec.executed)
	}
}

func TestFindFinalAnswerVarQuoted(t *testing.T) {
	exec := &scriptedExecutor{vars: map[string]string{"answer": "yes"}}

	for _, text := range []string{`FINAL_VAR("answer")`, `FINAL_VAR('answer')`, "FINAL_VAR( answer )"} {
		got := FindFinalAnswer(context.Background(), text, exec)
		if got == nil || *got != "yes" {
			t.Errorf("FindFinalAnswer(%q) = %v, want yes", text, got)
		}
	}
}

func TestFindFinalAnswerVarMissingUsesStderr(t *testing.T) {
	exec := &scriptedExecutor{}
	got := FindFinalAnswer(context.Background(), "FINAL_VAR(ghost)", exec)
	if got == nil || !strings.Contains(*got, "Error") {
		t.Fatalf("FindFinalAnswer() = %v, want error text", got)
	}
}

func TestFindFinalAnswerVarTakesPrecedence(t *testing.T) {
	exec := &scriptedExecutor{vars: map[string]string{"x": "var wins"}}
	got := FindFinalAnswer(context.Background(), "FINAL_VAR(x)\nFINAL(literal)", exec)
	if got == nil || *got != "var wins" {
		t.Fatalf("FindFinalAnswer() = %v, want var resolution first", got)
	}
}

func TestFormatIterationMessageCount(t *testing.T) {
	tests := []struct {
		name   string
		blocks int
	}{
		{"no blocks", 0},
		{"one block", 1},
		{"three blocks", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iteration := models.Iteration{Response: "resp"}
			for i := 0; i < tt.blocks; i++ {
				iteration.CodeBlocks = append(iteration.CodeBlocks, models.CodeBlock{
					Code:   fmt.Sprintf("print(%d)", i),
					Result: models.REPLResult{Stdout: fmt.Sprintf("%d\n", i)},
				})
			}

			messages := FormatIteration(iteration)
			if len(messages) != 1+tt.blocks {
				t.Fatalf("len(messages) = %d, want %d", len(messages), 1+tt.blocks)
			}
			if messages[0].Role != models.RoleAssistant || messages[0].Content != "resp" {
				t.Errorf("first message = %+v", messages[0])
			}
			for i, msg := range messages[1:] {
				if msg.Role != models.RoleUser {
					t.Errorf("message %d role = %s, want user", i+1, msg.Role)
				}
				if !strings.Contains(msg.Content, "Code executed:") ||
					!strings.Contains(msg.Content, "REPL output:") {
					t.Errorf("message %d missing sections: %q", i+1, msg.Content)
				}
			}
		})
	}
}

func TestFormatExecutionResult(t *testing.T) {
	result := models.REPLResult{
		Stdout: "out",
		Stderr: "err",
		Locals: map[string]any{"b": 1, "a": "x", "__doc__": "skip"},
	}
	formatted := FormatExecutionResult(result)

	if !strings.Contains(formatted, "out") || !strings.Contains(formatted, "err") {
		t.Errorf("missing stdio: %q", formatted)
	}
	if !strings.Contains(formatted, "REPL variables: [a, b]") {
		t.Errorf("missing variable enumeration: %q", formatted)
	}
	if strings.Contains(formatted, "__doc__") {
		t.Errorf("dunder name leaked: %q", formatted)
	}
	if strings.Contains(formatted, `"x"`) || strings.Contains(formatted, "a=") {
		t.Errorf("values should be omitted from enumeration: %q", formatted)
	}
}

func TestFormatExecutionResultEmpty(t *testing.T) {
	if got := FormatExecutionResult(models.REPLResult{}); got != "No output" {
		t.Errorf("FormatExecutionResult(empty) = %q, want No output", got)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", 25000)
	truncated := Truncate(long, MaxResultLength)

	if len(truncated) >= len(long) {
		t.Fatalf("not truncated: %d chars", len(truncated))
	}
	if !strings.HasSuffix(truncated, "... + [5000 chars...]") {
		t.Errorf("suffix = %q", truncated[len(truncated)-40:])
	}

	// Idempotent for an unchanged cap.
	again := Truncate(truncated, MaxResultLength)
	if again != truncated {
		t.Errorf("truncation not idempotent: %d vs %d chars", len(again), len(truncated))
	}
}

func TestTruncateShortPassesThrough(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}
}

func strPtr(s string) *string { return &s }
