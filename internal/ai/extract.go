package ai

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ehrlich-b/devroom/internal/ws"
)

var (
	fenceRe      = regexp.MustCompile("(?s)```([\\w+#.-]*)[ \\t]*\\n(.*?)```")
	suggestionRe = regexp.MustCompile(`(?im)^\s*[-*]?\s*(?:suggested fix|suggestion|fix)\s*:\s*(.+?)\s*$`)
)

// CodeBlocks returns the fenced code blocks in text, in order.
func CodeBlocks(text string) []ws.CodeBlock {
	out := []ws.CodeBlock{}
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		out = append(out, ws.CodeBlock{Language: m[1], Code: strings.TrimRight(m[2], "\n")})
	}
	return out
}

// Suggestions returns the code of every fenced block followed by every
// "suggestion:", "suggested fix:" or "fix:" line. Never nil.
func Suggestions(text string) []string {
	out := []string{}
	for _, b := range CodeBlocks(text) {
		out = append(out, b.Code)
	}
	// Suggestion lines inside code blocks are code, not prose.
	prose := fenceRe.ReplaceAllString(text, "")
	for _, m := range suggestionRe.FindAllStringSubmatch(prose, -1) {
		out = append(out, m[1])
	}
	return out
}

func metadataFor(text string, hasTree bool) ws.Metadata {
	md := ws.Metadata{
		Type:        "text",
		Suggestions: Suggestions(text),
		CodeBlocks:  CodeBlocks(text),
	}
	switch {
	case hasTree:
		md.Type = "fileTree"
	case len(md.CodeBlocks) > 0:
		md.Type = "code"
	}
	return md
}

// payload is the JSON shape the system instruction asks the model for.
type payload struct {
	Text         string          `json:"text"`
	FileTree     json.RawMessage `json:"fileTree"`
	BuildCommand *ws.Command     `json:"buildCommand"`
	StartCommand *ws.Command     `json:"startCommand"`
}

// parsePayload decodes a model reply. Replies wrapped in a single ```json
// fence are unwrapped first. ok is false for plain text.
func parsePayload(raw string) (p payload, ok bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if m := fenceRe.FindStringSubmatch(s); m != nil && strings.TrimSpace(fenceRe.ReplaceAllString(s, "")) == "" {
			s = strings.TrimSpace(m[2])
		}
	}
	if !strings.HasPrefix(s, "{") {
		return payload{}, false
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return payload{}, false
	}
	return p, true
}

func validCommand(c *ws.Command) *ws.Command {
	if c == nil || strings.TrimSpace(c.MainItem) == "" {
		return nil
	}
	return c
}
