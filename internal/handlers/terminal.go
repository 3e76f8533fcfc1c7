package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/labuh/labuh/internal/apperr"
)

var shellCmd = []string{"/bin/sh"}

// handleExec attaches a websocket client to an interactive shell inside a
// stack container. Sessions are shared: a second client on the same container
// joins the running shell and receives the scrollback first.
func (app *App) handleExec(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	name := r.PathValue("name")
	containers, err := app.Engine.Containers(r.Context(), stack)
	if err != nil {
		writeError(w, err)
		return
	}
	containerID := ""
	for _, c := range containers {
		if c.Name() == name {
			containerID = c.ID
			break
		}
	}
	if containerID == "" {
		writeError(w, apperr.Errorf(apperr.NotFound, "container %s not found in stack %s", name, stack.Name))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The binary serves the frontend from the same origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	// The session outlives this request when other clients stay attached.
	session, err := app.Terms.Open(context.WithoutCancel(r.Context()), app.Runtime, containerID, shellCmd)
	if err != nil {
		slog.Error("open terminal", "container", name, "err", err)
		ws.Close(websocket.StatusInternalError, "exec failed")
		return
	}

	ctx := r.Context()
	if sb := session.Scrollback(); sb != "" {
		if err := ws.Write(ctx, websocket.MessageText, []byte(sb)); err != nil {
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
	}

	clientID := uuid.NewString()
	session.AddWriter(clientID, func(data string) {
		if err := ws.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
			slog.Debug("ws write", "container", name, "err", err)
		}
	})
	defer session.RemoveWriter(clientID)

	// Read pump: every text frame is raw keystrokes for the shell.
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err := session.SendInput(string(data)); err != nil {
			ws.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
	}
}
