package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/devroom/internal/config"
	"github.com/ehrlich-b/devroom/internal/workspace"
)

// loadWorkspace returns the workspace settings and the file they live in.
func loadWorkspace() (*config.WorkspaceConfig, string, error) {
	path, err := config.WorkspaceFile()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadWorkspace(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// authedClient returns an API client for the logged-in user.
func authedClient() (*workspace.Client, *config.WorkspaceConfig, error) {
	cfg, _, err := loadWorkspace()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Token == "" {
		return nil, nil, errors.New("not logged in, run: devroom login")
	}
	return workspace.NewClient(cfg.Server, cfg.Token), cfg, nil
}

func loginCmd() *cobra.Command {
	var serverFlag string
	var registerFlag bool

	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in (or register with --register) and save the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadWorkspace()
			if err != nil {
				return err
			}
			if serverFlag != "" {
				cfg.Server = serverFlag
			}
			password, err := readPassword()
			if err != nil {
				return err
			}

			c := workspace.NewClient(cfg.Server, "")
			auth := c.Login
			if registerFlag {
				auth = c.Register
			}
			user, err := auth(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}

			cfg.Token = c.Token
			cfg.Email = user.Email
			if err := config.SaveWorkspace(path, cfg); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Printf("logged in as %s on %s\n", user.Email, cfg.Server)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "server URL (saved for later commands)")
	cmd.Flags().BoolVar(&registerFlag, "register", false, "create the account first")
	return cmd
}

// readPassword prompts without echo on a terminal and reads a line otherwise.
func readPassword() (string, error) {
	if pw := os.Getenv("DEVROOM_PASSWORD"); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the projects you are a member of",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := authedClient()
			if err != nil {
				return err
			}
			projects, err := c.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("no projects yet, run: devroom create <name>")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tFILES\tMEMBERS\tUPDATED")
			for _, p := range projects {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", p.ID, p.Name, p.FileTree.CountFiles(), len(p.Users), humanize.Time(p.UpdatedAt))
			}
			return tw.Flush()
		},
	}
}

func createCmd() *cobra.Command {
	var templateFlag string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := authedClient()
			if err != nil {
				return err
			}
			p, err := c.CreateProject(cmd.Context(), args[0], templateFlag)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s), %d files\n", p.Name, p.ID, p.FileTree.CountFiles())
			return nil
		},
	}

	cmd.Flags().StringVar(&templateFlag, "template", "empty", "starting template: empty, node-server, react-app")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the saved token and check it against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := authedClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if _, err := c.ListProjects(ctx); err != nil {
				var apiErr *workspace.APIError
				if errors.As(err, &apiErr) && apiErr.Status == 401 {
					return errors.New("token rejected, run: devroom login")
				}
				return err
			}
			fmt.Printf("%s\t%s\n", cfg.Email, cfg.Token)
			return nil
		},
	}
}
