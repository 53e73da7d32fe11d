package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/ntfy"
	"github.com/ehrlich-b/devroom/internal/sandbox"
	"github.com/ehrlich-b/devroom/internal/workspace"
)

const openHelp = `commands:
  /run              mount, install and start the project
  /stop             stop the running project
  /review <path>    ask the assistant to review one file
  /files            list the project's files
  /term [name]      open a new terminal tab
  /quit             leave the room
anything else is sent to the room; mention @ai to ask the assistant`

func openCmd() *cobra.Command {
	var (
		syncFlag    bool
		runFlag     bool
		noSandbox   bool
		sandboxDir  string
		notifyTopic string
		notifyOn    string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "open <projectId>",
		Short: "Join a project room with a local sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadWorkspace()
			if err != nil {
				return err
			}
			if cfg.Token == "" {
				return errors.New("not logged in, run: devroom login")
			}
			if err := logger.Init(logLevel, ""); err != nil {
				return err
			}
			if sandboxDir == "" {
				sandboxDir = cfg.SandboxDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var host sandbox.Host
			if !noSandbox {
				local, err := sandbox.NewLocal(sandbox.LocalConfig{Root: sandboxDir, Logger: logger.Log})
				if err != nil {
					return fmt.Errorf("sandbox: %w", err)
				}
				defer local.Close()
				host = local
			}

			rc := workspace.RuntimeConfig{
				InstallCmd: strings.Fields(cfg.InstallCmd),
				StartCmd:   strings.Fields(cfg.StartCmd),
				Logger:     logger.Log,
			}
			// A nil *ntfy.Client must not become a non-nil Notifier.
			if topic := envOr("DEVROOM_NTFY_TOPIC", notifyTopic); topic != "" {
				rc.Notifier = ntfy.New(topic, os.Getenv("DEVROOM_NTFY_TOKEN"), notifyOn)
			}

			s, err := workspace.OpenSession(ctx, workspace.SessionConfig{
				Server:    cfg.Server,
				RelayURL:  cfg.RelayURL(),
				Token:     cfg.Token,
				ProjectID: args[0],
				Host:      host,
				Runtime:   rc,
				Out:       os.Stdout,
				AutoRun:   runFlag,
				SyncDisk:  syncFlag,
				Logger:    logger.Log,
			})
			if err != nil {
				return err
			}
			defer s.Close()
			if host != nil {
				fmt.Printf("sandbox at %s\n", host.Root())
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go readCommands(ctx, cancel, s)

			if runFlag && host != nil {
				go s.RunProject(ctx)
			}

			err = s.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&syncFlag, "sync", false, "mirror edits made in the sandbox directory into the project")
	cmd.Flags().BoolVar(&runFlag, "run", false, "run the project now and whenever the assistant replaces it")
	cmd.Flags().BoolVar(&noSandbox, "no-sandbox", false, "chat and edit only; never run code on this machine")
	cmd.Flags().StringVar(&sandboxDir, "sandbox-dir", "", "directory to mount the project into (default: a temp dir)")
	cmd.Flags().StringVar(&notifyTopic, "notify", "", "ntfy.sh topic for ready/exit notifications")
	cmd.Flags().StringVar(&notifyOn, "notify-on", "ready,exit", "events that trigger a notification")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("DEVROOM_LOG_LEVEL", "warn"), "log level")

	cmd.SetHelpTemplate(cmd.HelpTemplate() + "\n" + openHelp + "\n")
	return cmd
}

// readCommands turns stdin lines into session actions until EOF or /quit.
func readCommands(ctx context.Context, quit context.CancelFunc, s *workspace.Session) {
	defer quit()
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := dispatch(ctx, s, line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

func dispatch(ctx context.Context, s *workspace.Session, line string) error {
	if !strings.HasPrefix(line, "/") {
		return s.Say(ctx, line)
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "run":
		go s.RunProject(ctx)
	case "stop":
		if !s.Runtime.Stop() {
			fmt.Println("nothing is running")
		}
	case "review":
		if arg == "" {
			return errors.New("usage: /review <path>")
		}
		return s.Review(ctx, arg)
	case "files":
		return s.Editor.Tree().Walk(func(path string, f *filetree.File) error {
			fmt.Printf("%s\t%s\n", path, humanize.Bytes(uint64(len(f.Contents))))
			return nil
		})
	case "term":
		if arg == "" {
			arg = fmt.Sprintf("Terminal %d", len(s.Terminals.List())+1)
		}
		s.Terminals.Open(arg)
	case "help":
		fmt.Println(openHelp)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return nil
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <topic>",
		Short: "Send a test push notification to an ntfy topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ntfy.New(args[0], os.Getenv("DEVROOM_NTFY_TOKEN"), "").SendTest(); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}
