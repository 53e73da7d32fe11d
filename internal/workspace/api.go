package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

// User is the public view of an account.
type User struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

// Project is the REST view of a project.
type Project struct {
	ID            string        `json:"_id"`
	Name          string        `json:"name"`
	Users         []string      `json:"users"`
	Collaborators []User        `json:"collaborators,omitempty"`
	FileTree      filetree.Tree `json:"fileTree"`
	Template      string        `json:"template"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to the devroom REST API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	return c.authenticate(ctx, "/users/login", email, password)
}

// Register creates an account and logs in as it.
func (c *Client) Register(ctx context.Context, email, password string) (*User, error) {
	return c.authenticate(ctx, "/users/register", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, email, password string) (*User, error) {
	var resp struct {
		User  *User  `json:"user"`
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "POST", path, body, &resp); err != nil {
		return nil, err
	}
	c.Token = resp.Token
	return resp.User, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, "GET", "/projects/all", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*Project, error) {
	var resp struct {
		Project *Project `json:"project"`
	}
	if err := c.do(ctx, "GET", "/projects/get-project/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Project, nil
}

func (c *Client) CreateProject(ctx context.Context, name, template string) (*Project, error) {
	var p Project
	body := map[string]string{"name": name, "template": template}
	if err := c.do(ctx, "POST", "/projects/create", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveFileTree stores tree as the project's file tree.
func (c *Client) SaveFileTree(ctx context.Context, projectID string, tree filetree.Tree) error {
	body := map[string]any{"projectId": projectID, "fileTree": tree}
	return c.do(ctx, "PUT", "/projects/update-file-tree", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
