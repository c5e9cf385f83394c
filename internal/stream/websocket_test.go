package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/docchat/internal/chat"
	"github.com/ashureev/docchat/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSubscriber struct {
	ch           chan chat.Event
	unsubscribed atomic.Bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan chat.Event, 8)}
}

func (f *fakeSubscriber) Subscribe(int) (<-chan chat.Event, func()) {
	return f.ch, func() { f.unsubscribed.Store(true) }
}

func newTestServer(t *testing.T, sub Subscriber, allowedOrigin string, isDev bool) (*httptest.Server, *Manager) {
	t.Helper()
	mgr := NewManager()
	srv := httptest.NewServer(NewHandler(sub, mgr, allowedOrigin, isDev, discardLogger))
	t.Cleanup(srv.Close)
	return srv, mgr
}

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if origin != "" {
		opts.HTTPHeader = http.Header{"Origin": []string{origin}}
	}
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), opts)
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg serverMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func TestStreamPushesEventsAndAnswersPing(t *testing.T) {
	sub := newFakeSubscriber()
	srv, mgr := newTestServer(t, sub, "", true)

	conn, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	state := domain.State{Phase: domain.PhasePhoneEntry, ChatCount: 5, MaxChats: 5}
	sub.ch <- chat.Event{Type: chat.EventState, State: &state}
	sub.ch <- chat.Event{Type: chat.EventNotice, Notice: "Server exploded"}

	msg := readMessage(t, conn)
	if msg.Type != "state" || msg.State == nil {
		t.Fatalf("Expected state message, got %+v", msg)
	}
	if !msg.State.RequiresPhone || msg.State.QuotaRemaining != 0 {
		t.Errorf("Expected derived flags on the wire, got %+v", msg.State)
	}

	msg = readMessage(t, conn)
	if msg.Type != "notice" || msg.Notice != "Server exploded" {
		t.Fatalf("Expected notice message, got %+v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, clientMessage{Type: "ping"}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "pong" {
		t.Fatalf("Expected pong, got %+v", msg)
	}

	if mgr.Count() != 1 {
		t.Errorf("Expected 1 registered connection, got %d", mgr.Count())
	}
}

func TestStreamClosesWhenSessionCloses(t *testing.T) {
	sub := newFakeSubscriber()
	srv, _ := newTestServer(t, sub, "", true)

	conn, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	close(sub.ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("Expected normal closure, got %v (%v)", got, err)
	}
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	sub := newFakeSubscriber()
	srv, mgr := newTestServer(t, sub, "", true)

	conn, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !sub.unsubscribed.Load() || mgr.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected unsubscribe after disconnect (unsubscribed=%v, active=%d)", sub.unsubscribed.Load(), mgr.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, newFakeSubscriber(), "https://app.example", false)

	_, resp, err := dial(t, srv, "https://evil.example")
	if err == nil {
		t.Fatal("Expected dial to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected 403, got %v", resp)
	}

	conn, _, err := dial(t, srv, "https://app.example")
	if err != nil {
		t.Fatalf("Expected allowed origin to connect: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestManagerCloseAll(t *testing.T) {
	sub := newFakeSubscriber()
	srv, mgr := newTestServer(t, sub, "", true)

	conn, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	deadline := time.Now().Add(2 * time.Second)
	for mgr.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Connection never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mgr.CloseAll("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("Expected going away, got %v (%v)", got, err)
	}
	if mgr.Count() != 0 {
		t.Errorf("Expected no registered connections, got %d", mgr.Count())
	}
}
