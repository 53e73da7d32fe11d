package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/sandbox"
	"github.com/ehrlich-b/devroom/internal/ws"
)

// historyTurns bounds the chat history attached to assistant prompts.
const historyTurns = 10

type SessionConfig struct {
	Server    string // REST base URL
	RelayURL  string // websocket endpoint
	Token     string
	ProjectID string
	Host      sandbox.Host
	Runtime   RuntimeConfig
	Out       io.Writer // chat and terminal lines are printed here
	AutoRun   bool      // run the project whenever the assistant replaces the tree
	SyncDisk  bool      // copy edits made under the sandbox root into the editor
	Logger    *slog.Logger
}

// Session is one user's live view of a project: editor, runtime,
// terminals and the room connection.
type Session struct {
	Project   *Project
	Editor    *Editor
	Runtime   *Runtime
	Terminals *Terminals
	API       *Client

	room    *ws.Client
	disk    *DiskSync
	cfg     SessionConfig
	log     *slog.Logger
	outMu   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
	histMu  sync.Mutex
	history []ws.ChatTurn
}

// OpenSession loads the project over REST and wires its parts together.
// The room is joined by Run.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	api := NewClient(cfg.Server, cfg.Token)
	project, err := api.GetProject(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	s := &Session{
		Project: project,
		API:     api,
		cfg:     cfg,
		log:     logger.Or(cfg.Logger),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.Terminals = NewTerminals(s.printEntry)
	if cfg.Runtime.Project == "" {
		cfg.Runtime.Project = project.Name
	}
	if cfg.Runtime.Logger == nil {
		cfg.Runtime.Logger = cfg.Logger
	}
	s.Runtime = NewRuntime(cfg.Host, s.Terminals, cfg.Runtime)
	s.Runtime.SetTree(project.FileTree)
	s.Editor = NewEditor(project.ID, project.FileTree, api, s.Terminals, cfg.Logger)
	s.Editor.OnChange = s.Runtime.SetTree

	if cfg.SyncDisk && cfg.Host != nil {
		if err := s.Runtime.Mount(ctx, project.FileTree); err != nil {
			s.Close()
			return nil, err
		}
		if s.disk, err = WatchDisk(cfg.Host.Root(), s.Editor, 0, cfg.Logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.room = &ws.Client{
		RelayURL:  cfg.RelayURL,
		Token:     cfg.Token,
		ProjectID: project.ID,
		OnMessage: s.handleMessage,
		OnPresence: func(p ws.Presence) {
			verb := "joined"
			if p.Type == ws.TypeUserDisconnected {
				verb = "left"
			}
			s.printf("* %s %s", p.UserID, verb)
		},
		OnReview: func(r ws.CodeReviewResult) {
			s.printf("review of %s:", r.FilePath)
			for _, sug := range r.Suggestions {
				s.printf("  - %s", firstLine(sug))
			}
		},
		OnError: func(msg string) { s.printf("! %s", msg) },
		OnStateChange: func(state string, err error) {
			s.log.Debug("room state", "state", state, "error", err)
		},
	}
	return s, nil
}

// Run joins the project room and blocks until ctx is done or the relay
// rejects the session.
func (s *Session) Run(ctx context.Context) error {
	s.printf("%s (%d files, updated %s)", s.Project.Name, s.Project.FileTree.CountFiles(), humanize.Time(s.Project.UpdatedAt))
	return s.room.Run(ctx)
}

// Say posts a chat line. Lines addressed to the assistant carry recent
// history as context.
func (s *Session) Say(ctx context.Context, text string) error {
	var mc *ws.MessageContext
	if strings.Contains(text, "@ai") {
		s.histMu.Lock()
		if len(s.history) > 0 {
			mc = &ws.MessageContext{History: append([]ws.ChatTurn(nil), s.history...)}
		}
		s.histMu.Unlock()
	}
	return s.room.SendMessage(ctx, text, mc)
}

// Review asks the assistant for private feedback on one file.
func (s *Session) Review(ctx context.Context, path string) error {
	n, err := s.Editor.NavigateTo(path)
	if err != nil {
		return err
	}
	if !n.IsFile() {
		return fmt.Errorf("%s is a directory", path)
	}
	return s.room.RequestReview(ctx, path, n.File.Contents)
}

func (s *Session) handleMessage(msg ws.ProjectMessage) {
	who := "?"
	role := "user"
	if msg.Sender != nil {
		who = msg.Sender.Email
	}
	if msg.FromAI() {
		role = "assistant"
	}
	s.printf("[%s] %s: %s", msg.Timestamp.Local().Format("15:04"), who, msg.Message)
	s.remember(ws.ChatTurn{Role: role, Content: msg.Message})

	if msg.FromAI() && msg.FileTree != nil {
		s.applyGenerated(msg)
	}
}

func (s *Session) remember(turn ws.ChatTurn) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, turn)
	if len(s.history) > historyTurns {
		s.history = s.history[len(s.history)-historyTurns:]
	}
}

// applyGenerated installs an assistant-generated tree: it replaces the
// editor's tree, adopts any declared commands and mounts the result.
func (s *Session) applyGenerated(msg ws.ProjectMessage) {
	term := s.Terminals.Active()
	if err := s.Editor.Replace(msg.FileTree); err != nil {
		term.Errorf("Assistant sent an unusable file tree: %v", err)
		return
	}
	s.Runtime.ApplyCommands(msg.BuildCommand, msg.StartCommand)
	if s.cfg.Host == nil {
		term.Output(fmt.Sprintf("Received %d files from the assistant", msg.FileTree.CountFiles()))
		return
	}
	if err := s.Runtime.Mount(s.ctx, msg.FileTree); err != nil {
		return
	}
	term.Output(fmt.Sprintf("Applied %d files from the assistant", msg.FileTree.CountFiles()))
	if s.cfg.AutoRun {
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			s.RunProject(s.ctx)
		}()
	}
}

// RunProject runs the current tree; failures are already on the terminal.
func (s *Session) RunProject(ctx context.Context) {
	if err := s.Runtime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("run failed", "error", err)
	}
}

func (s *Session) printEntry(t *Terminal, e Entry) {
	switch e.Kind {
	case EntryCommand:
		s.printf("%s $ %s", t.Name, e.Text)
	case EntryError:
		s.printf("%s ! %s", t.Name, e.Text)
	default:
		s.printf("%s | %s", t.Name, e.Text)
	}
}

func (s *Session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.cfg.Out, format+"\n", args...)
}

// Close stops the runtime, flushes pending saves and stops the editor.
func (s *Session) Close() error {
	if s.disk != nil {
		s.disk.Close()
	}
	s.cancel()
	s.runs.Wait()
	err := s.Runtime.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if werr := s.Editor.Wait(ctx); werr != nil {
		s.log.Warn("unsaved edits at close", "error", werr)
	}
	s.Editor.Close()
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
