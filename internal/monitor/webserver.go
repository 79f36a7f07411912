// Package monitor serves the rig's HTTP interface: health and status
// endpoints for the lab operator, a websocket feed for the live dashboard,
// and a small command surface that forwards participant input to the
// control loop.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/percept-lab/hapticbench/internal/db"
	"github.com/percept-lab/hapticbench/internal/monitoring"
	"github.com/percept-lab/hapticbench/internal/session"
	"github.com/percept-lab/hapticbench/internal/version"
)

// CommandKind names an operator or participant action forwarded to the
// control loop.
type CommandKind string

const (
	CommandRespond   CommandKind = "respond"
	CommandReconnect CommandKind = "reconnect"
	CommandStop      CommandKind = "stop"
)

// Command is one queued action. Handlers enqueue, the control loop drains.
type Command struct {
	Kind     CommandKind
	Detected bool
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address      string
	DB           *db.DB
	PushInterval time.Duration
}

// WebServer exposes rig state over HTTP. It never touches the rig itself:
// the control loop pushes status snapshots in via Publish and drains queued
// commands via Commands, so all rig access stays on one goroutine.
type WebServer struct {
	address      string
	db           *db.DB
	pushInterval time.Duration
	server       *http.Server
	upgrader     websocket.Upgrader

	latest   atomic.Pointer[session.Status]
	commands chan Command
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:      config.Address,
		db:           config.DB,
		pushInterval: config.PushInterval,
		commands:     make(chan Command, 16),
	}
	if ws.pushInterval <= 0 {
		ws.pushInterval = 250 * time.Millisecond
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

// Publish records the newest status snapshot for handlers and websocket
// clients. Called from the control loop.
func (ws *WebServer) Publish(st session.Status) {
	ws.latest.Store(&st)
}

// Commands returns the queue of pending operator actions. The control loop
// drains it every tick.
func (ws *WebServer) Commands() <-chan Command {
	return ws.commands
}

// Start begins the HTTP server in a goroutine and blocks until ctx is
// cancelled, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		monitoring.Logf("monitor: listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("monitor: server error: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("monitor: shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("monitor: shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("monitor: force close error: %v", err)
		}
	}
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/respond", ws.handleRespond)
	mux.HandleFunc("/api/reconnect", ws.handleCommand(Command{Kind: CommandReconnect}))
	mux.HandleFunc("/api/stop", ws.handleCommand(Command{Kind: CommandStop}))
	mux.HandleFunc("/api/sessions", ws.handleSessions)
	mux.HandleFunc("/api/trials", ws.handleTrials)
	mux.HandleFunc("/ws", ws.handleSocket)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "hapticbench", "version": "%s", "timestamp": "%s"}`,
		version.Version, time.Now().UTC().Format(time.RFC3339))
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := ws.latest.Load()
	if st == nil {
		http.Error(w, "No status yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		monitoring.Logf("monitor: failed to write status: %v", err)
	}
}

func (ws *WebServer) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var detected bool
	switch r.FormValue("detected") {
	case "0":
		detected = false
	case "1":
		detected = true
	default:
		http.Error(w, "detected must be 0 or 1", http.StatusBadRequest)
		return
	}

	ws.enqueue(w, Command{Kind: CommandRespond, Detected: detected})
}

func (ws *WebServer) handleCommand(cmd Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ws.enqueue(w, cmd)
	}
}

func (ws *WebServer) enqueue(w http.ResponseWriter, cmd Command) {
	select {
	case ws.commands <- cmd:
		fmt.Fprintln(w, "Command queued")
	default:
		http.Error(w, "Command queue full", http.StatusServiceUnavailable)
	}
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ws.db == nil {
		http.Error(w, "No results database configured", http.StatusNotFound)
		return
	}

	ids, err := ws.db.SessionIDs()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list sessions: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ids)
}

func (ws *WebServer) handleTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ws.db == nil {
		http.Error(w, "No results database configured", http.StatusNotFound)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter required", http.StatusBadRequest)
		return
	}

	trials, err := ws.db.SessionTrials(sessionID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve trials: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trials)
}

// handleSocket streams status snapshots to a dashboard client. Each client
// gets its own writer goroutine; a slow or gone client only loses its own
// connection.
func (ws *WebServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("monitor: websocket upgrade error: %v", err)
		return
	}

	go func() {
		defer conn.Close()
		ticker := time.NewTicker(ws.pushInterval)
		defer ticker.Stop()
		for range ticker.C {
			st := ws.latest.Load()
			if st == nil {
				continue
			}
			if err := conn.WriteJSON(st); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					monitoring.Logf("monitor: websocket write error: %v", err)
				}
				return
			}
		}
	}()

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
