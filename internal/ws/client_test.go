package ws

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestClientRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
		defer c.Close()
		c.KeepAlive(10 * time.Millisecond)
		for {
			ev, err := c.Read()
			if err != nil {
				return
			}
			if err := c.Send(Event{Type: TypeOutput, Data: strings.ToUpper(ev.Data)}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Event{Type: TypeInput, Data: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != TypeOutput || got.Data != "HELLO" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestEventHelpers(t *testing.T) {
	ev := ExitedEvent("env-1", "sess-1", 0)
	if ev.Type != TypeExited || ev.Code == nil || *ev.Code != 0 || ev.EnvironmentID != "env-1" || ev.SessionID != "sess-1" {
		t.Fatalf("unexpected exited event %+v", ev)
	}
	errEv := ErrorEvent(ReasonForbidden, "not yours")
	if errEv.Type != TypeError || errEv.Reason != ReasonForbidden {
		t.Fatalf("unexpected error event %+v", errEv)
	}
}
