package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newDebugClient(t *testing.T, chat chatService, enabled bool) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	c := newTestClient(chat)
	c.debugMode = enabled
	c.stateDir = dir
	return c, filepath.Join(dir, "debug")
}

// readDebugRecord returns the raw text and the decoded fields of the only record in dir.
func readDebugRecord(t *testing.T, dir string) (string, map[string]interface{}) {
	t.Helper()
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read debug directory: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one debug record, got %d", len(files))
	}
	if !strings.HasPrefix(files[0].Name(), "AssistStatement_") {
		t.Errorf("record %q is not named after AssistStatement", files[0].Name())
	}
	raw, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatalf("failed to read debug record: %v", err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("debug record is not JSON: %v", err)
	}
	return string(raw), entry
}

func TestAssistStatementDebugRecordsPrompts(t *testing.T) {
	client, dir := newDebugClient(t, &mockChatService{resp: completion("I lost my job in March.")}, true)

	if _, err := client.AssistStatement(context.Background(), "Rent doubled after my contract ended"); err != nil {
		t.Fatalf("AssistStatement failed: %v", err)
	}

	raw, entry := readDebugRecord(t, dir)
	if entry["method"] != "AssistStatement" || entry["model"] != "test-model" {
		t.Errorf("unexpected method/model %v/%v", entry["method"], entry["model"])
	}
	for _, want := range []string{SystemPrompt, "Situation: Rent doubled after my contract ended", "(80–140 words)", "I lost my job in March."} {
		if !strings.Contains(raw, want) {
			t.Errorf("debug record does not contain %q", want)
		}
	}
	if _, ok := entry["error"]; ok {
		t.Errorf("successful call recorded an error: %v", entry["error"])
	}
}

func TestAssistStatementDebugRecordsFailure(t *testing.T) {
	client, dir := newDebugClient(t, &mockChatService{err: errors.New("upstream timeout")}, true)

	if _, err := client.AssistStatement(context.Background(), "Medical bills"); err == nil {
		t.Fatal("expected an error")
	}

	_, entry := readDebugRecord(t, dir)
	if entry["error"] != "upstream timeout" {
		t.Errorf("error field = %v, want %q", entry["error"], "upstream timeout")
	}
}

func TestAssistStatementEmptySituationSkipsDebugRecord(t *testing.T) {
	chat := &mockChatService{resp: completion("unused")}
	client, dir := newDebugClient(t, chat, true)

	if _, err := client.AssistStatement(context.Background(), "   "); !errors.Is(err, ErrEmptySituation) {
		t.Fatalf("expected ErrEmptySituation, got %v", err)
	}
	if len(chat.params) != 0 {
		t.Error("no completion should be requested for an empty situation")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("no debug record should be written for an empty situation")
	}
}

func TestAssistStatementDebugDisabled(t *testing.T) {
	client, dir := newDebugClient(t, &mockChatService{resp: completion("Statement")}, false)

	if _, err := client.AssistStatement(context.Background(), "Reduced hours"); err != nil {
		t.Fatalf("AssistStatement failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("debug directory should not exist when debug mode is off")
	}
}
