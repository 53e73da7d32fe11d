package ws

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

func TestProjectMessageRoundTrip(t *testing.T) {
	orig := ProjectMessage{
		Type:      TypeProjectMessage,
		Message:   "here is your app",
		Sender:    &AISender,
		Timestamp: time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC),
		Metadata:  &Metadata{Type: "fileTree", Suggestions: []string{}, CodeBlocks: []CodeBlock{}},
		FileTree: filetree.Tree{
			"app.js": filetree.NewFile("console.log('hi')"),
		},
		StartCommand: &Command{MainItem: "node", Commands: []string{"app.js"}},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"_id":"ai"`) {
		t.Errorf("sender should serialise as _id: %s", data)
	}

	var decoded ProjectMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.FromAI() {
		t.Error("FromAI = false, want true")
	}
	if !filetree.Equal(decoded.FileTree, orig.FileTree) {
		t.Errorf("FileTree = %v, want %v", decoded.FileTree, orig.FileTree)
	}
	if decoded.StartCommand == nil || decoded.StartCommand.MainItem != "node" {
		t.Errorf("StartCommand = %+v", decoded.StartCommand)
	}
	if !decoded.Timestamp.Equal(orig.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, orig.Timestamp)
	}
}

func TestEnvelopeRouting(t *testing.T) {
	raw := `{"type":"cursor-position","position":{"line":3,"col":9}}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != TypeCursorPosition {
		t.Errorf("Type = %q, want %q", env.Type, TypeCursorPosition)
	}

	var cp CursorPosition
	json.Unmarshal([]byte(raw), &cp)
	if string(cp.Position) != `{"line":3,"col":9}` {
		t.Errorf("Position = %s, want raw passthrough", cp.Position)
	}
}

func TestPlainMessageOmitsAIFields(t *testing.T) {
	data, _ := json.Marshal(ProjectMessage{Type: TypeProjectMessage, Message: "hi"})
	for _, field := range []string{"metadata", "fileTree", "buildCommand", "sender"} {
		if strings.Contains(string(data), field) {
			t.Errorf("plain message should omit %s: %s", field, data)
		}
	}
}
