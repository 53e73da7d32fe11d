package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/devroom/internal/ai"
	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/ws"
)

// aiMarker in a chat message asks the assistant to answer.
const aiMarker = "@ai"

// Assistant is the subset of the AI bridge the router needs.
type Assistant interface {
	Generate(ctx context.Context, prompt string, c ai.Context) ai.Result
	Review(ctx context.Context, code string) ai.Result
}

// RouterConfig tunes AI throttling. A zero RatePerMinute disables it.
type RouterConfig struct {
	RatePerMinute int
	Burst         int
}

// Router dispatches inbound room events. AI work runs on its own
// goroutines so a member's read loop never waits on a provider.
type Router struct {
	rooms   *Registry
	ai      Assistant
	metrics *Metrics
	log     *slog.Logger

	limits *userLimiter
	group  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(rooms *Registry, assistant Assistant, cfg RouterConfig, l *slog.Logger) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		rooms:   rooms,
		ai:      assistant,
		metrics: rooms.metrics,
		log:     logger.Or(l),
		limits:  newUserLimiter(cfg.RatePerMinute, cfg.Burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handle routes one raw frame received from m.
func (rt *Router) Handle(m *Member, data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		rt.rooms.Send(m, ws.ErrorMsg{Type: ws.TypeError, Message: "invalid JSON"})
		return
	}
	rt.metrics.messages.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case ws.TypeProjectMessage:
		var msg ws.ProjectMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			rt.rooms.Send(m, ws.ErrorMsg{Type: ws.TypeError, Message: "invalid project-message"})
			return
		}
		rt.projectMessage(m, msg)

	case ws.TypeCursorPosition:
		var cp ws.CursorPosition
		if err := json.Unmarshal(data, &cp); err != nil {
			rt.rooms.Send(m, ws.ErrorMsg{Type: ws.TypeError, Message: "invalid cursor-position"})
			return
		}
		rt.rooms.Broadcast(m.ProjectID, ws.CursorUpdate{
			Type:     ws.TypeCursorUpdate,
			UserID:   m.Email,
			Position: cp.Position,
		}, m)

	case ws.TypeCodeReview:
		var req ws.CodeReview
		if err := json.Unmarshal(data, &req); err != nil {
			rt.rooms.Send(m, ws.ErrorMsg{Type: ws.TypeError, Message: "invalid code-review"})
			return
		}
		rt.codeReview(m, req)

	default:
		rt.rooms.Send(m, ws.ErrorMsg{Type: ws.TypeError, Message: "unknown event type: " + env.Type})
	}
}

func (rt *Router) projectMessage(m *Member, in ws.ProjectMessage) {
	out := ws.ProjectMessage{
		Type:      ws.TypeProjectMessage,
		Message:   in.Message,
		Sender:    &ws.Sender{ID: m.UserID, Email: m.Email},
		Timestamp: time.Now().UTC(),
	}
	rt.rooms.Emit(m.ProjectID, out)

	if !strings.Contains(in.Message, aiMarker) {
		return
	}
	if !rt.limits.allow(m.UserID) {
		rt.metrics.aiThrottled.Inc()
		rt.rooms.Send(m, ws.ErrorMsg{Type: ws.TypeError, Message: "AI rate limit exceeded, try again shortly"})
		return
	}
	prompt := strings.TrimSpace(strings.Replace(in.Message, aiMarker, "", 1))
	var c ai.Context
	if in.Context != nil {
		c.History = in.Context.History
	}
	projectID := m.ProjectID

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		v, _, shared := rt.group.Do(generationKey(projectID, prompt, c.History), func() (any, error) {
			return rt.ai.Generate(rt.ctx, prompt, c), nil
		})
		res := v.(ai.Result)
		if res.Kind == ai.Error {
			rt.metrics.aiRequests.WithLabelValues("generate", "error").Inc()
			rt.log.Error("ai generation failed", "project", projectID, "error", res.Err)
			return
		}
		rt.metrics.aiRequests.WithLabelValues("generate", "ok").Inc()
		if shared {
			rt.log.Debug("ai generation shared", "project", projectID)
		}

		md := res.Metadata
		reply := ws.ProjectMessage{
			Type:         ws.TypeProjectMessage,
			Message:      res.Text,
			Sender:       &ws.AISender,
			Timestamp:    time.Now().UTC(),
			Metadata:     &md,
			BuildCommand: res.BuildCommand,
			StartCommand: res.StartCommand,
		}
		if res.Kind == ai.TextWithFileTree {
			reply.FileTree = res.FileTree
		}
		// The room may be gone by now; Emit drops the reply then.
		rt.rooms.Emit(projectID, reply)
	}()
}

// generationKey identifies an assistant request for de-duplication. The
// history is part of the key since it changes the answer.
func generationKey(projectID, prompt string, history []ws.ChatTurn) string {
	h := blake3.New()
	for _, turn := range history {
		fmt.Fprintf(h, "%d:%s%d:%s", len(turn.Role), turn.Role, len(turn.Content), turn.Content)
	}
	return projectID + "\x00" + prompt + "\x00" + hex.EncodeToString(h.Sum(nil))
}

func (rt *Router) codeReview(m *Member, req ws.CodeReview) {
	if !rt.limits.allow(m.UserID) {
		rt.metrics.aiThrottled.Inc()
		rt.rooms.Send(m, ws.ErrorMsg{Type: ws.TypeError, Message: "AI rate limit exceeded, try again shortly"})
		return
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		res := rt.ai.Review(rt.ctx, req.Code)
		if res.Kind == ai.Error {
			rt.metrics.aiRequests.WithLabelValues("review", "error").Inc()
			rt.log.Error("code review failed", "project", m.ProjectID, "file", req.FilePath, "error", res.Err)
			return
		}
		rt.metrics.aiRequests.WithLabelValues("review", "ok").Inc()
		rt.rooms.Send(m, ws.CodeReviewResult{
			Type:        ws.TypeCodeReviewResult,
			FilePath:    req.FilePath,
			Suggestions: res.Metadata.Suggestions,
		})
	}()
}

// Disconnect removes m from its room.
func (rt *Router) Disconnect(m *Member) {
	rt.rooms.Leave(m)
}

// Wait blocks until all in-flight AI work has finished.
func (rt *Router) Wait() {
	rt.wg.Wait()
}

// Close cancels in-flight AI calls and waits for them to return.
func (rt *Router) Close() {
	rt.cancel()
	rt.wg.Wait()
}

// userLimiter holds one token bucket per user.
type userLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	users map[string]*rate.Limiter
}

func newUserLimiter(perMinute, burst int) *userLimiter {
	ul := &userLimiter{limit: rate.Inf, burst: burst, users: make(map[string]*rate.Limiter)}
	if perMinute > 0 {
		ul.limit = rate.Every(time.Minute / time.Duration(perMinute))
		if ul.burst <= 0 {
			ul.burst = 1
		}
	}
	return ul
}

func (ul *userLimiter) allow(userID string) bool {
	if ul.limit == rate.Inf {
		return true
	}
	ul.mu.Lock()
	l, ok := ul.users[userID]
	if !ok {
		l = rate.NewLimiter(ul.limit, ul.burst)
		ul.users[userID] = l
	}
	ul.mu.Unlock()
	return l.Allow()
}
