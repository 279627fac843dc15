package ui

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erennakbas/tasksync/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second
	sendBuffer = 256
)

// message is the JSON frame sent to dashboard websockets.
type message struct {
	Type       string          `json:"type"`
	Kind       types.EventKind `json:"kind,omitempty"`
	Task       *types.Task     `json:"task,omitempty"`
	Tasks      []types.Task    `json:"tasks,omitempty"`
	PreviousID string          `json:"previous_id,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// hub fans client events out to connected websockets. Slow peers are
// disconnected rather than allowed to block event delivery.
type hub struct {
	logger types.Logger
	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

type peer struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger types.Logger) *hub {
	return &hub{logger: logger, peers: make(map[*peer]struct{})}
}

// publish is registered as a tasksync subscriber.
func (h *hub) publish(ev types.Event) {
	task := ev.Task
	msg := message{Type: "event", Kind: ev.Kind, Task: &task, PreviousID: ev.PreviousID}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		select {
		case p.send <- data:
		default:
			h.logger.Warn("websocket peer too slow, disconnecting")
			h.dropLocked(p)
		}
	}
}

// serve registers conn, sends it a snapshot and pumps events until it leaves.
// The snapshot is taken after registration so no event falls between the two.
func (h *hub) serve(conn *websocket.Conn, snapshot func() []types.Task) {
	p := &peer{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	data, err := json.Marshal(message{Type: "snapshot", Tasks: snapshot()})
	if err != nil {
		h.mu.Unlock()
		h.logger.WithError(err).Warn("failed to encode snapshot")
		_ = conn.Close()
		return
	}
	p.send <- data
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	go h.writePump(p)
	h.readPump(p)
}

// readPump discards inbound frames and detects disconnects.
func (h *hub) readPump(p *peer) {
	defer func() {
		h.mu.Lock()
		h.dropLocked(p)
		h.mu.Unlock()
	}()

	p.conn.SetReadLimit(4096)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.WithError(err).Debug("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) dropLocked(p *peer) {
	if _, ok := h.peers[p]; !ok {
		return
	}
	delete(h.peers, p)
	close(p.send)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for p := range h.peers {
		h.dropLocked(p)
	}
}
