package ws

import (
	"encoding/json"
	"time"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

// Event types for the project room WebSocket protocol.
const (
	// Client → Relay
	TypeProjectMessage = "project-message" // also relay → room
	TypeCursorPosition = "cursor-position" // client → relay
	TypeCodeReview     = "code-review"     // client → relay

	// Relay → Client
	TypeJoined           = "joined"
	TypeCursorUpdate     = "user-cursor-update"
	TypeCodeReviewResult = "code-review-result" // unicast to the requester
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"
	TypeRelayRestart     = "relay.restart" // relay → all: server shutting down, reconnect
	TypeError            = "error"
)

// AISenderID is the sender ID of messages produced by the AI assistant.
const AISenderID = "ai"

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Sender identifies who authored a chat message.
type Sender struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

// AISender is the sentinel identity for assistant messages.
var AISender = Sender{ID: AISenderID, Email: "AI Assistant"}

// ChatTurn is one entry of conversation history a client may attach.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MessageContext is optional context sent with a project message.
type MessageContext struct {
	History []ChatTurn `json:"history,omitempty"`
}

// CodeBlock is a fenced code block extracted from an AI response.
type CodeBlock struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// Metadata accompanies AI-authored messages.
type Metadata struct {
	Type        string      `json:"type"` // "text", "code" or "fileTree"
	Suggestions []string    `json:"suggestions"`
	CodeBlocks  []CodeBlock `json:"codeBlocks"`
}

// Command is a program plus arguments, as declared by the assistant for
// building or starting a generated project.
type Command struct {
	MainItem string   `json:"mainItem"`
	Commands []string `json:"commands"`
}

// ProjectMessage is a chat message. Clients send Message and Context; the
// relay fills in Sender and Timestamp before emitting it to the room.
type ProjectMessage struct {
	Type         string          `json:"type"`
	Message      string          `json:"message"`
	Context      *MessageContext `json:"context,omitempty"`
	Sender       *Sender         `json:"sender,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     *Metadata       `json:"metadata,omitempty"`
	FileTree     filetree.Tree   `json:"fileTree,omitempty"`
	BuildCommand *Command        `json:"buildCommand,omitempty"`
	StartCommand *Command        `json:"startCommand,omitempty"`
}

// FromAI reports whether the message was authored by the assistant.
func (m *ProjectMessage) FromAI() bool {
	return m.Sender != nil && m.Sender.ID == AISenderID
}

// CursorPosition is sent by a client when its editor cursor moves. Position
// is opaque to the relay.
type CursorPosition struct {
	Type     string          `json:"type"`
	Position json.RawMessage `json:"position"`
}

// CursorUpdate relays a collaborator's cursor to the rest of the room.
type CursorUpdate struct {
	Type     string          `json:"type"`
	UserID   string          `json:"userId"`
	Position json.RawMessage `json:"position"`
}

// CodeReview asks the assistant to review code. The result goes back to the
// requester only.
type CodeReview struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	FilePath string `json:"filePath"`
}

// CodeReviewResult carries private review feedback.
type CodeReviewResult struct {
	Type        string   `json:"type"`
	FilePath    string   `json:"filePath"`
	Suggestions []string `json:"suggestions"`
}

// Presence announces a collaborator joining or leaving the room.
type Presence struct {
	Type      string    `json:"type"` // user-connected or user-disconnected
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Joined acknowledges a successful room join.
type Joined struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

// ErrorMsg is sent by the relay for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RelayRestart is sent to all connected WebSockets when the server is shutting down.
type RelayRestart struct {
	Type string `json:"type"`
}
