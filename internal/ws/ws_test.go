package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second, // stays capped
	}

	for i, want := range expected {
		got := bo.Next()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second)
	bo.Next() // 1s
	bo.Next() // 2s
	bo.Next() // 4s
	bo.Reset()

	got := bo.Next()
	if got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
}

func TestBackoffNeverOverflows(t *testing.T) {
	bo := NewBackoff(time.Second, 30*time.Second)
	for i := 0; i < 200; i++ {
		if got := bo.Next(); got <= 0 || got > 30*time.Second {
			t.Fatalf("attempt %d: got %v", i, got)
		}
	}
}

func TestBackoffJitter(t *testing.T) {
	bo := NewBackoff(time.Second, 8*time.Second)
	bo.Jitter = 0.5
	for i, ceil := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second} {
		got := bo.Next()
		if got < ceil/2 || got > ceil {
			t.Errorf("attempt %d: got %v, want within [%v, %v]", i, got, ceil/2, ceil)
		}
	}
}

func newTestServer(t *testing.T, handler func(*http.Request, *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(r, conn)
	}))
}

func TestClientJoinAndReceive(t *testing.T) {
	var gotAuth, gotProject string
	var mu sync.Mutex

	srv := newTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotProject = r.URL.Query().Get("projectId")
		mu.Unlock()

		ctx := context.Background()
		joined, _ := json.Marshal(Joined{Type: TypeJoined, ProjectID: "p1", UserID: "u@example.com"})
		conn.Write(ctx, websocket.MessageText, joined)

		// Echo the client's message back the way the relay would.
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ProjectMessage
		json.Unmarshal(data, &msg)
		msg.Sender = &Sender{ID: "u1", Email: "u@example.com"}
		msg.Timestamp = time.Now()
		out, _ := json.Marshal(msg)
		conn.Write(ctx, websocket.MessageText, out)

		time.Sleep(200 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	received := make(chan ProjectMessage, 1)
	c := &Client{
		RelayURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token:     "test-token",
		ProjectID: "p1",
		OnMessage: func(m ProjectMessage) { received <- m },
	}
	c.OnJoined = func(Joined) {
		go c.SendMessage(context.Background(), "hello", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case m := <-received:
		if m.Message != "hello" || m.Sender == nil || m.Sender.Email != "u@example.com" {
			t.Errorf("unexpected message: %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echoed message")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotProject != "p1" {
		t.Errorf("projectId = %q", gotProject)
	}
}

func TestClientAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &Client{
		RelayURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:     "bad",
		ProjectID: "p1",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Run = %v, want ErrAuthRejected", err)
	}
}

func TestClientReconnect(t *testing.T) {
	var connCount int
	var mu sync.Mutex

	srv := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()

		if n == 1 {
			// First connection: close immediately to trigger reconnect
			conn.Close(websocket.StatusGoingAway, "test disconnect")
			return
		}

		// Second connection: stay open
		time.Sleep(2 * time.Second)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := &Client{
		RelayURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:     "test-token",
		ProjectID: "p1",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	deadline := time.After(8 * time.Second)
	for {
		mu.Lock()
		n := connCount
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect, connections: %d", n)
		case <-time.After(100 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestSendWithoutConnection(t *testing.T) {
	c := &Client{}
	if err := c.SendMessage(context.Background(), "hi", nil); err == nil {
		t.Error("expected error when not connected")
	}
}
