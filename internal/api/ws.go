package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"catenary/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 20 * time.Second
	wsWriteLimit = 5 * time.Second
)

// wsClientMessage is what a client may send: {"type":"ping"} or
// {"type":"cancel"} to stop the run it is watching.
type wsClientMessage struct {
	Type string `json:"type"`
}

// RunWSHandler streams run events over a websocket, closing after the
// completion event.
func (s *Server) RunWSHandler(w http.ResponseWriter, r *http.Request, run model.Run) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch, cancel, first := s.currentState(r, run)
	defer cancel()

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteLimit))
		return conn.WriteJSON(v)
	}
	ping := func() error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteLimit))
	}

	if err := write(first); err != nil || first.Type == model.EventDone {
		return
	}

	// Read loop: keeps deadlines fresh and handles client commands.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			var msg wsClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			switch msg.Type {
			case "ping":
				_ = write(map[string]string{"type": "pong"})
			case "cancel":
				if err := s.Runner.Cancel(r.Context(), run.TenantID, run.ID); err != nil {
					_ = write(map[string]string{"type": "error", "message": err.Error()})
				}
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				return
			}
			if ev.Type == model.EventDone {
				wmu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(wsWriteLimit))
				wmu.Unlock()
				return
			}
		}
	}
}
