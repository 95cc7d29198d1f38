package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Eliobros/mozhost-mz/internal/ws"
)

func terminalCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "terminal <id>",
		Aliases: []string{"shell", "sh"},
		Short:   "Open an interactive shell inside a running environment",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			return runTerminal(cmd.Context(), cli.TerminalURL(), s.token, args[0], os.Stdin, os.Stdout)
		},
	}
}

// wsConn serialises writes to the websocket; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ev ws.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

func runTerminal(ctx context.Context, url, token, envID string, stdin *os.File, stdout io.Writer) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	raw, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect terminal: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connect terminal: %w", err)
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	fd := int(stdin.Fd())
	interactive := term.IsTerminal(fd)
	cols, rows := uint(80), uint(24)
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil && w > 0 && h > 0 {
			cols, rows = uint(w), uint(h)
		}
	}

	if err := conn.send(ws.Event{Type: ws.TypeAttach, EnvironmentID: envID, Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("send attach: %w", err)
	}
	var first ws.Event
	if err := raw.ReadJSON(&first); err != nil {
		return fmt.Errorf("await attach: %w", err)
	}
	if first.Type == ws.TypeError {
		return remoteError(first)
	}
	if first.Type != ws.TypeAttached {
		return fmt.Errorf("unexpected %q event while attaching", first.Type)
	}

	if interactive {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(fd, state)
		stopResize := watchResize(fd, func(w, h int) {
			_ = conn.send(ws.Event{Type: ws.TypeResize, Cols: uint(w), Rows: uint(h)})
		})
		defer stopResize()
	}

	go pumpInput(stdin, conn)

	for {
		var ev ws.Event
		if err := raw.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("terminal connection lost: %w", err)
		}
		switch ev.Type {
		case ws.TypeOutput:
			if _, err := io.WriteString(stdout, ev.Data); err != nil {
				return err
			}
		case ws.TypeExited:
			_ = conn.send(ws.Event{Type: ws.TypeDetach})
			if ev.Code != nil && *ev.Code != 0 {
				return exitError{code: *ev.Code}
			}
			return nil
		case ws.TypeError:
			return remoteError(ev)
		}
	}
}

// pumpInput forwards local keystrokes until stdin closes, then detaches.
func pumpInput(stdin io.Reader, conn *wsConn) {
	buf := make([]byte, 4096)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if sendErr := conn.send(ws.Event{Type: ws.TypeInput, Data: string(buf[:n])}); sendErr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = conn.send(ws.Event{Type: ws.TypeDetach})
			}
			return
		}
	}
}

func remoteError(ev ws.Event) error {
	if ev.Message != "" {
		return fmt.Errorf("%s: %s", ev.Reason, ev.Message)
	}
	return errors.New(ev.Reason)
}
