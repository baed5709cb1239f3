package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RampGo/internal/hw/stepper"
)

const (
	// MaxRequestBytes caps the body of POST requests.
	MaxRequestBytes = 1 << 20
	// MaxMoveSpeed is the highest speed accepted by POST /move, in full steps/s.
	MaxMoveSpeed = 100000
	// MaxMovePosition bounds the absolute target of POST /move, in full steps.
	MaxMovePosition = int64(1) << 40

	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Mover runs moves of one axis; *motion.Controller implements it.
type Mover interface {
	MoveTo(ctx context.Context, pos int64, speed float64) error
	Status() stepper.State
}

// MoveRequest is the body of POST /move. Speed 0 keeps the axis target speed.
type MoveRequest struct {
	Position *int64  `json:"position"`
	Speed    float64 `json:"speed"`
}

// FormConfig holds default values for the control form (from config).
type FormConfig struct {
	Axis         string  `json:"axis"`
	Speed        float64 `json:"speed"`
	Acceleration float64 `json:"acceleration"`
	StepsPerRev  int     `json:"steps_per_rev"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Running bool          `json:"running"`
	State   stepper.State `json:"state"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Axis         Mover
	FormDefaults FormConfig
	runningMu    sync.Mutex
	running      bool
	cancel       context.CancelFunc
	staticFS     fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If axis is nil, POST /move and GET /status return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, axis Mover, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Axis:         axis,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
	}
}

// ValidateMove checks a move request before it reaches the axis.
func ValidateMove(req MoveRequest) error {
	if req.Position == nil {
		return errors.New("position is required")
	}
	if p := *req.Position; p > MaxMovePosition || p < -MaxMovePosition {
		return fmt.Errorf("position must be between %d and %d", -MaxMovePosition, MaxMovePosition)
	}
	// NaN fails both comparisons
	if !(req.Speed >= 0 && req.Speed <= MaxMoveSpeed) {
		return fmt.Errorf("speed must be between 0 and %d", MaxMoveSpeed)
	}
	return nil
}

// Running reports whether a move started over HTTP is in progress.
func (h *Handlers) Running() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// StopMove cancels the running move, if any, and reports whether there was one.
func (h *Handlers) StopMove() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	if !h.running {
		return false
	}
	h.cancel()
	return true
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleMove handles POST /move to start a move in the background.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateMove(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Axis == nil {
		http.Error(w, "axis not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "move already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancel = cancel
	h.runningMu.Unlock()

	pos := *req.Position
	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.cancel = nil
			h.runningMu.Unlock()
			cancel()
		}()

		h.Broadcaster.Broadcast("info", fmt.Sprintf("Move to %d started", pos))
		err := h.Axis.MoveTo(ctx, pos, req.Speed)
		switch {
		case errors.Is(err, context.Canceled):
			h.Broadcaster.Broadcast("warn", fmt.Sprintf("Move stopped at %d", h.Axis.Status().Position))
		case err != nil:
			h.Broadcaster.Broadcast("error", "Move failed: "+err.Error())
			log.Printf("move failed: %v", err)
		default:
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Arrived at %d", h.Axis.Status().Position))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// HandleStop handles POST /stop. The axis decelerates to rest before the
// running move returns.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.StopMove() {
		http.Error(w, "no move in progress", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}

// HandleStatus returns the last published axis state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Axis == nil {
		http.Error(w, "axis not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		Running: h.Running(),
		State:   h.Axis.Status(),
	})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusWS handles GET /status/ws: the same events as the SSE stream,
// over a websocket, starting with the current axis state.
func (h *Handlers) HandleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Incoming messages are ignored; reading is needed to see the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if h.Axis != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(newStateEvent(h.Axis.Status())); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
