// Package ai turns chat prompts and code into assistant results. Every
// outcome, including provider failures and malformed replies, is a Result
// value; nothing here panics or returns a bare error.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/ws"
)

// ErrGeneration wraps every failed assistant call.
var ErrGeneration = errors.New("ai generation failed")

// ErrNoFileTree is returned by GenerateFileTree when the reply has no tree.
var ErrNoFileTree = errors.New("reply carried no file tree")

const failureText = "An error occurred while generating the response."

type Kind int

const (
	TextOnly Kind = iota
	TextWithFileTree
	Error
)

func (k Kind) String() string {
	switch k {
	case TextOnly:
		return "text"
	case TextWithFileTree:
		return "fileTree"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is the outcome of one assistant call. FileTree is set (and
// already validated) only when Kind is TextWithFileTree. Err is set only
// when Kind is Error.
type Result struct {
	Kind         Kind
	Text         string
	Metadata     ws.Metadata
	FileTree     filetree.Tree
	BuildCommand *ws.Command
	StartCommand *ws.Command
	Err          error
}

// Context is optional conversation state sent with a prompt.
type Context struct {
	History []ws.ChatTurn
}

const systemInstruction = `You are an expert in MERN and Development. You have 10+ years of experience and always follow best practices. You:
- Write modular code
- Use meaningful comments
- Create files when needed
- Preserve existing logic while improving
- Handle edge cases and exceptions
- Ensure scalability and maintainability

Always answer with one JSON object of the form {"text": string, "fileTree"?: object, "buildCommand"?: object, "startCommand"?: object}.

Examples:

<example>
user: Create an express application
response: {
  "text": "This is your fileTree structure of the express server",
  "fileTree": {
    "app.js": {"file": {"contents": "const express = require('express');\nconst app = express();\napp.get('/', (req, res) => res.send('Hello World!'));\napp.listen(3000);\n"}},
    "package.json": {"file": {"contents": "{\"name\": \"temp-server\", \"version\": \"1.0.0\", \"main\": \"app.js\", \"dependencies\": {\"express\": \"^4.21.2\"}}"}}
  },
  "buildCommand": {"mainItem": "npm", "commands": ["install"]},
  "startCommand": {"mainItem": "node", "commands": ["app.js"]}
}
</example>

<example>
user: Hello
response: {"text": "Hello, How can I help you today?"}
</example>

IMPORTANT: Do NOT use filenames like routes/index.js`

const fileTreeDirective = `Produce the complete project as a fileTree. Include a package.json at the root and declare buildCommand and startCommand.`

const reviewInstruction = `You are a senior code reviewer. Review the code you are given. Point out bugs, performance problems and unclear code.
Write each concrete change on its own line starting with "Suggestion:" and put any rewritten code in fenced code blocks.`

const documentInstruction = `You write concise technical documentation. Document the code you are given in Markdown: purpose, public functions with their parameters and return values, and a usage example.`

// Options configure a Bridge.
type Options struct {
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after a failure
	Logger  *slog.Logger
}

// Bridge calls a Provider with the devroom prompts and shapes the replies.
type Bridge struct {
	provider Provider
	timeout  time.Duration
	retries  int
	log      *slog.Logger
}

func NewBridge(p Provider, opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Bridge{provider: p, timeout: opts.Timeout, retries: opts.Retries, log: logger.Or(opts.Logger)}
}

// ProviderName returns the name of the underlying provider.
func (b *Bridge) ProviderName() string { return b.provider.Name() }

// Generate answers a chat prompt. The reply may carry a file tree and
// build/start commands.
func (b *Bridge) Generate(ctx context.Context, prompt string, c Context) Result {
	raw, err := b.complete(ctx, "generate", Request{
		System:      systemInstruction,
		Messages:    conversation(c, prompt),
		JSON:        true,
		Temperature: 0.4,
	})
	if err != nil {
		return failed(err)
	}
	return b.shape(raw)
}

// GenerateFileTree is Generate with an instruction to always produce a
// tree. A reply without a valid tree is an Error result.
func (b *Bridge) GenerateFileTree(ctx context.Context, directive string, c Context) Result {
	res := b.Generate(ctx, directive+"\n\n"+fileTreeDirective, c)
	if res.Kind == TextOnly {
		return failed(ErrNoFileTree)
	}
	return res
}

// Review returns review feedback for code. Suggestions are in Metadata.
func (b *Bridge) Review(ctx context.Context, code string) Result {
	raw, err := b.complete(ctx, "review", Request{
		System:      reviewInstruction,
		Messages:    []Message{{Role: "user", Content: code}},
		Temperature: 0.2,
	})
	if err != nil {
		return failed(err)
	}
	text := unwrapText(raw)
	md := metadataFor(text, false)
	md.Type = "code"
	return Result{Kind: TextOnly, Text: text, Metadata: md}
}

// Document returns Markdown documentation for code.
func (b *Bridge) Document(ctx context.Context, code string) Result {
	raw, err := b.complete(ctx, "document", Request{
		System:      documentInstruction,
		Messages:    []Message{{Role: "user", Content: code}},
		Temperature: 0.3,
	})
	if err != nil {
		return failed(err)
	}
	text := unwrapText(raw)
	return Result{Kind: TextOnly, Text: text, Metadata: metadataFor(text, false)}
}

func (b *Bridge) shape(raw string) Result {
	p, ok := parsePayload(raw)
	if !ok {
		return Result{Kind: TextOnly, Text: raw, Metadata: metadataFor(raw, false)}
	}
	res := Result{
		Kind:         TextOnly,
		Text:         p.Text,
		BuildCommand: validCommand(p.BuildCommand),
		StartCommand: validCommand(p.StartCommand),
	}
	if len(p.FileTree) > 0 && string(p.FileTree) != "null" {
		tree, err := filetree.Parse(p.FileTree)
		if err != nil {
			b.log.Warn("ai reply carried an invalid file tree, dropping it", "error", err)
		} else {
			res.Kind = TextWithFileTree
			res.FileTree = tree
		}
	}
	if res.Kind == TextOnly {
		// Commands only make sense alongside a tree.
		res.BuildCommand, res.StartCommand = nil, nil
	}
	res.Metadata = metadataFor(res.Text, res.Kind == TextWithFileTree)
	return res
}

// complete runs one provider call with a per-attempt timeout and bounded
// retries. Context cancellation is never retried.
func (b *Bridge) complete(ctx context.Context, op string, req Request) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()

	for attempt := 0; ; attempt++ {
		out, err = b.attempt(ctx, req)
		if err == nil {
			return out, nil
		}
		if attempt >= b.retries || !retryable(ctx, err) {
			b.log.Error("ai call failed", "op", op, "provider", b.provider.Name(), "attempts", attempt+1, "error", err)
			return "", err
		}
		b.log.Warn("ai call failed, retrying", "op", op, "provider", b.provider.Name(), "error", err)
	}
}

func (b *Bridge) attempt(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.provider.Complete(ctx, req)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

func failed(err error) Result {
	return Result{
		Kind:     Error,
		Text:     failureText,
		Metadata: ws.Metadata{Type: "text", Suggestions: []string{}, CodeBlocks: []ws.CodeBlock{}},
		Err:      fmt.Errorf("%w: %w", ErrGeneration, err),
	}
}

func conversation(c Context, prompt string) []Message {
	msgs := make([]Message, 0, len(c.History)+1)
	for _, turn := range c.History {
		role := "user"
		if turn.Role == "assistant" || turn.Role == "ai" {
			role = "assistant"
		}
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		msgs = append(msgs, Message{Role: role, Content: turn.Content})
	}
	return append(msgs, Message{Role: "user", Content: prompt})
}

// unwrapText accepts plain text, or a {"text": ...} object from providers
// that ignore the plain-text request.
func unwrapText(raw string) string {
	if p, ok := parsePayload(raw); ok && p.Text != "" {
		return p.Text
	}
	return raw
}
