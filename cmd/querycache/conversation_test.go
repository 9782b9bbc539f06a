package main

import (
	"strings"
	"testing"

	"github.com/pario-ai/querycache/pkg/models"
)

func TestImportMessages(t *testing.T) {
	input := `{"id":"u1","conversation_id":"c1","role":"user","content":"hi","created_at":"2026-01-01T00:00:00Z"}

{"id":"a1","conversation_id":"c1","role":"assistant","content":"hello","parts":[{"type":"text"}],"created_at":"2026-01-01T00:00:01Z"}
`
	var got []models.Message
	n, err := importMessages(strings.NewReader(input), func(m models.Message) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
	if got[1].Role != models.RoleAssistant || string(got[1].Parts) != `[{"type":"text"}]` {
		t.Errorf("unexpected message %+v", got[1])
	}
}

func TestImportMessagesRejectsBadLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "{oops"},
		{"missing id", `{"conversation_id":"c","role":"user"}`},
		{"bad role", `{"id":"x","conversation_id":"c","role":"system"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := importMessages(strings.NewReader(tt.input), func(models.Message) error { return nil })
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseEmbedding(t *testing.T) {
	emb, err := parseEmbedding("[0.5, 1, -2]")
	if err != nil {
		t.Fatal(err)
	}
	if len(emb) != 3 || emb[2] != -2 {
		t.Errorf("unexpected embedding %v", emb)
	}
	if _, err := parseEmbedding(""); err == nil {
		t.Error("expected error for empty embedding")
	}
}
