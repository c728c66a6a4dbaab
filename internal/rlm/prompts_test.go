package rlm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/relm/pkg/models"
)

func TestQueryMetadataOf(t *testing.T) {
	tests := []struct {
		name     string
		prompt   models.Prompt
		wantType string
		wantHint string
	}{
		{"text", models.TextPrompt("a\nb\nc"), "text", "3 lines"},
		{"messages", models.MessagesPrompt([]models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "yo"},
		}), "messages", "2 messages"},
		{"object", models.DataPrompt(json.RawMessage(`{"a":1,"b":2}`)), "data", "2 top-level keys"},
		{"array", models.DataPrompt(json.RawMessage(`[1,2,3]`)), "data", "3 elements"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := QueryMetadataOf(tt.prompt)
			if md.PayloadType != tt.wantType {
				t.Errorf("PayloadType = %q, want %q", md.PayloadType, tt.wantType)
			}
			if len(md.Hints) == 0 || !strings.Contains(md.Hints[0], tt.wantHint) {
				t.Errorf("Hints = %v, want hint containing %q", md.Hints, tt.wantHint)
			}
		})
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	history := BuildSystemPrompt("custom system", QueryMetadataOf(models.TextPrompt("abc")))
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}
	msg := history[0]
	if msg.Role != models.RoleSystem {
		t.Errorf("role = %s", msg.Role)
	}
	if !strings.HasPrefix(msg.Content, "custom system") {
		t.Errorf("system prompt not first: %q", msg.Content[:30])
	}
	if !strings.Contains(msg.Content, "3 characters") {
		t.Errorf("query metadata missing: %q", msg.Content)
	}
}

func TestBuildUserPromptTurnDependence(t *testing.T) {
	first := BuildUserPrompt("what is it?", 0)
	later := BuildUserPrompt("what is it?", 4)

	if first.Role != models.RoleUser || later.Role != models.RoleUser {
		t.Error("per-turn suffix must be a user message")
	}
	if first.Content == later.Content {
		t.Error("suffix should depend on the turn index")
	}
	for _, msg := range []models.Message{first, later} {
		if !strings.Contains(msg.Content, "what is it?") {
			t.Errorf("root prompt missing from suffix: %q", msg.Content)
		}
	}
}

func TestBuildUserPromptWithoutRootPrompt(t *testing.T) {
	msg := BuildUserPrompt("", 0)
	if strings.Contains(msg.Content, "The user's question") {
		t.Errorf("empty root prompt should not add a question section: %q", msg.Content)
	}
}

func TestDefaultSystemPromptMentionsPrimitives(t *testing.T) {
	for _, needle := range []string{"```repl", "llm_query", "llm_query_batched", "FINAL(", "FINAL_VAR(", "context"} {
		if !strings.Contains(DefaultSystemPrompt, needle) {
			t.Errorf("default system prompt missing %q", needle)
		}
	}
}
