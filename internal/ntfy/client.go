// Package ntfy sends workspace push notifications via ntfy.sh or a
// self-hosted ntfy server.
package ntfy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/devroom/internal/logger"
)

// Client posts to one ntfy topic.
type Client struct {
	url    string // full URL: https://ntfy.sh/{topic}
	token  string // optional bearer token for reserved topics
	events map[string]bool
}

// New creates a client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}) or a full URL. Events is a comma-separated list
// of event types to send ("ready", "exit").
func New(topic, token, events string) *Client {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	evMap := make(map[string]bool)
	for _, e := range strings.Split(events, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			evMap[e] = true
		}
	}
	return &Client{url: url, token: token, events: evMap}
}

// SendReady announces a project's dev server. The notification links to
// the preview URL.
func (c *Client) SendReady(project, previewURL string) {
	if !c.events["ready"] {
		return
	}
	c.post(project+" is running", previewURL, "default", "rocket", previewURL)
}

// SendExit reports the start process ending on its own.
func (c *Client) SendExit(project string, exitCode int) {
	if !c.events["exit"] {
		return
	}
	var title, priority, tags string
	if exitCode == 0 {
		title = project + " stopped"
		priority = "default"
		tags = "white_check_mark"
	} else {
		title = fmt.Sprintf("%s crashed (%d)", project, exitCode)
		priority = "high"
		tags = "x"
	}
	c.post(title, "start process exited with code "+fmt.Sprint(exitCode), priority, tags, "")
}

// SendTest sends a test notification and returns any error.
func (c *Client) SendTest() error {
	return c.post("devroom test", "Push notifications are working!", "default", "test_tube", "")
}

func (c *Client) post(title, body, priority, tags, clickURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBufferString(body))
	if err != nil {
		logger.Warn("ntfy: build request", "error", err)
		return err
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if clickURL != "" {
		req.Header.Set("Click", clickURL)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("ntfy: post failed", "error", err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
		logger.Warn("ntfy: rejected", "error", err)
		return err
	}
	return nil
}
