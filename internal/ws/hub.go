// Package ws exposes the running strip over HTTP: frame and diagnostic
// streams, a control socket and a health probe.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	diag "github.com/coreman2200/neostrip/internal/diagnostics"
	"github.com/coreman2200/neostrip/internal/frame"
	"github.com/coreman2200/neostrip/internal/pixel"
)

const writeWait = 200 * time.Millisecond

// Controller is the part of the scheduler the hub drives.
type Controller interface {
	SetSource(src frame.Source)
	Counters() frame.Counters
	Len() int
	Backend() string
}

// Hub is a frame.Observer that fans frames out to websocket clients.
type Hub struct {
	mu          sync.Mutex
	ctl         Controller
	source      string
	color       pixel.Pixel
	mask        byte
	rgb         []byte
	frameID     uint64
	startTime   time.Time
	clients     map[*websocket.Conn]bool
	diagClients map[*websocket.Conn]bool
	upgrader    websocket.Upgrader
}

var _ frame.Observer = (*Hub)(nil)

func NewHub(source string, color pixel.Pixel, mask byte) *Hub {
	return &Hub{
		source:      source,
		color:       color,
		mask:        mask,
		startTime:   time.Now(),
		clients:     map[*websocket.Conn]bool{},
		diagClients: map[*websocket.Conn]bool{},
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Attach sets the scheduler that /control and /health talk to.
func (h *Hub) Attach(c Controller) {
	h.mu.Lock()
	h.ctl = c
	h.mu.Unlock()
}

// Mux returns the hub's routes.
func (h *Hub) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleFramesWS)
	mux.HandleFunc("/diag", h.HandleDiagWS)
	mux.HandleFunc("/control", h.HandleControlWS)
	mux.HandleFunc("/health", h.HandleHealth)
	return mux
}

type frameMsg struct {
	T       int64  `json:"t"`
	FrameID uint64 `json:"frame_id"`
	RGB     []byte `json:"rgb"`
}

type statusMsg struct {
	Backend string `json:"backend"`
	Pixels  int    `json:"pixels"`
	Source  string `json:"source"`
	Color   string `json:"color"`
}

// ControlMsg is accepted on /control. Empty fields keep their value.
type ControlMsg struct {
	Source string `json:"source"`
	Color  string `json:"color,omitempty"`
	Mask   *int   `json:"mask,omitempty"`
}

// Observe implements frame.Observer.
func (h *Hub) Observe(r frame.Result, s pixel.Strip) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rgb = s.RGB(h.rgb)
	h.frameID = r.ID
	b, _ := json.Marshal(frameMsg{T: r.Start.UnixNano(), FrameID: r.ID, RGB: h.rgb})
	for c := range h.clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug().Err(err).Msg("write frame")
		}
	}
	if d, ok := diag.FromResult(r); ok {
		h.pushDiagLocked(d)
	}
}

func (h *Hub) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(h.statusLocked())
	h.mu.Unlock()
	go h.drain(conn, h.clients)
}

func (h *Hub) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.diagClients[conn] = true
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(h.statusLocked())
	h.mu.Unlock()
	go h.drain(conn, h.diagClients)
}

// drain reads until the peer goes away, then forgets it.
func (h *Hub) drain(conn *websocket.Conn, set map[*websocket.Conn]bool) {
	defer func() {
		h.mu.Lock()
		delete(set, conn)
		h.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("bad control message")
			continue
		}
		h.apply(msg)
		h.mu.Lock()
		st := h.statusLocked()
		h.mu.Unlock()
		if err := conn.WriteJSON(st); err != nil {
			return
		}
	}
}

func (h *Hub) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	resp := map[string]any{
		"frame_id": h.frameID,
		"uptime_s": time.Since(h.startTime).Seconds(),
		"source":   h.source,
	}
	if h.ctl != nil {
		c := h.ctl.Counters()
		resp["backend"] = h.ctl.Backend()
		resp["pixels"] = h.ctl.Len()
		resp["frames"] = c.Frames
		resp["failures"] = c.Failures
		resp["late"] = c.Late
	}
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Hub) apply(msg ControlMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()

	color := h.color
	if msg.Color != "" {
		p, err := pixel.ParseHex(msg.Color)
		if err != nil {
			h.pushDiagLocked(diag.Diagnostic{
				Severity: diag.Warn, Code: diag.CodeSourceUnknown, Summary: "Bad color",
				Evidence: map[string]any{"color": msg.Color},
			})
			return
		}
		color = p
	}
	mask := h.mask
	if msg.Mask != nil {
		mask = byte(*msg.Mask)
	}
	name := msg.Source
	if name == "" {
		name = h.source
	}
	src, ok := frame.ParseSource(name, color, mask)
	if !ok {
		h.pushDiagLocked(diag.Diagnostic{
			Severity: diag.Warn, Code: diag.CodeSourceUnknown, Summary: "Unknown source name",
			Evidence: map[string]any{"name": name},
		})
		return
	}
	h.source, h.color, h.mask = name, color, mask
	if h.ctl != nil {
		h.ctl.SetSource(src)
	}
	h.pushDiagLocked(diag.Diagnostic{Severity: diag.Info, Code: diag.CodeSourceChanged, Summary: "Source changed", Detail: name})
}

func (h *Hub) statusLocked() statusMsg {
	st := statusMsg{Source: h.source, Color: h.color.Hex()}
	if h.ctl != nil {
		st.Backend = h.ctl.Backend()
		st.Pixels = h.ctl.Len()
	}
	return st
}

func (h *Hub) pushDiagLocked(d diag.Diagnostic) {
	b, _ := json.Marshal(d)
	for c := range h.diagClients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
}
