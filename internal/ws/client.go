package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/devroom/internal/logger"
)

// ErrAuthRejected is returned when the relay refuses the room handshake
// (bad token, malformed or unknown project).
var ErrAuthRejected = errors.New("relay rejected room join")

const (
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 10 * time.Second
	readLimit         = 4 << 20 // AI messages can carry whole file trees
)

// Client is an outbound WebSocket client that joins one project room.
type Client struct {
	RelayURL  string // e.g. "ws://localhost:8080/ws"
	Token     string // JWT issued by /users/login
	ProjectID string

	OnMessage     func(msg ProjectMessage)
	OnPresence    func(p Presence)
	OnCursor      func(c CursorUpdate)
	OnReview      func(r CodeReviewResult)
	OnJoined      func(j Joined)
	OnError       func(message string)
	OnStateChange func(state string, err error) // called on connection state transitions

	conn *websocket.Conn
	mu   sync.Mutex
}

// Run joins the room and dispatches events until ctx is cancelled.
// Reconnects with exponential backoff. Returns ErrAuthRejected if the
// relay refuses the handshake.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	bo := NewBackoff(time.Second, maxReconnectDelay)
	bo.Jitter = 0.2
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			c.notifyState("auth_failed", err)
			return err
		}
		if connected {
			bo.Reset()
		}
		delay := bo.Next()
		c.notifyState("disconnected", err)
		logger.Warn("relay disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("projectId", c.ProjectID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	target, err := c.dialURL()
	if err != nil {
		return false, err
	}
	opts := &websocket.DialOptions{
		HTTPHeader: make(http.Header),
	}
	opts.HTTPHeader.Set("Authorization", "Bearer "+c.Token)

	conn, resp, dialErr := websocket.Dial(ctx, target, opts)
	if dialErr != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return false, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.CloseNow()
	}()
	connected = true

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("bad relay message", "error", err)
		return
	}

	switch env.Type {
	case TypeJoined:
		var msg Joined
		json.Unmarshal(data, &msg)
		c.notifyState("connected", nil)
		if c.OnJoined != nil {
			c.OnJoined(msg)
		}

	case TypeProjectMessage:
		var msg ProjectMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("bad project-message", "error", err)
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}

	case TypeUserConnected, TypeUserDisconnected:
		var p Presence
		json.Unmarshal(data, &p)
		if c.OnPresence != nil {
			c.OnPresence(p)
		}

	case TypeCursorUpdate:
		var cu CursorUpdate
		json.Unmarshal(data, &cu)
		if c.OnCursor != nil {
			c.OnCursor(cu)
		}

	case TypeCodeReviewResult:
		var r CodeReviewResult
		json.Unmarshal(data, &r)
		if c.OnReview != nil {
			c.OnReview(r)
		}

	case TypeRelayRestart:
		logger.Info("relay restarting")

	case TypeError:
		var msg ErrorMsg
		json.Unmarshal(data, &msg)
		logger.Warn("relay error", "message", msg.Message)
		if c.OnError != nil {
			c.OnError(msg.Message)
		}

	default:
		logger.Debug("unknown message type", "type", env.Type)
	}
}

// SendMessage posts a chat message to the room.
func (c *Client) SendMessage(ctx context.Context, text string, mc *MessageContext) error {
	return c.writeJSON(ctx, ProjectMessage{Type: TypeProjectMessage, Message: text, Context: mc})
}

// SendCursor shares the local cursor position with the room.
func (c *Client) SendCursor(ctx context.Context, position any) error {
	raw, err := json.Marshal(position)
	if err != nil {
		return err
	}
	return c.writeJSON(ctx, CursorPosition{Type: TypeCursorPosition, Position: raw})
}

// RequestReview asks for a private code review of one file.
func (c *Client) RequestReview(ctx context.Context, filePath, code string) error {
	return c.writeJSON(ctx, CodeReview{Type: TypeCodeReview, Code: code, FilePath: filePath})
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
