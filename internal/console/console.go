// Package console implements the per-session WebSocket console (spec.md
// §4.7, C7): forwards live events and container log lines outbound,
// accepts commands inbound, supervises running/stopped transitions, and
// heartbeats the connection.
//
// Grounded on the teacher's warden/server.go monitorCancel (a read-loop
// goroutine watching for peer-initiated cancellation), generalized into
// the heartbeat's pong-miss detector, and policy_watcher.go's debounce
// timer idiom, generalized into the 2s status-supervisor poll loop.
package console

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mgutz/ansi"

	"hightide/internal/logmux"
	"hightide/internal/registry"
	"hightide/internal/remoteapi"
	"hightide/internal/serverinstance"
	"hightide/pkg/liveevent"
)

const (
	defaultTail = 200
	minTail     = 0
	maxTail     = 1000

	supervisorInterval = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
	maxMissedPongs     = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub mounts the console WebSocket endpoint (spec.md §6
// "/api/v1/servers/console").
type Hub struct {
	registry *registry.Registry
	remote   *remoteapi.Client
	logger   *log.Logger
}

// New returns a Hub bound to reg and remote.
func New(reg *registry.Registry, remote *remoteapi.Client, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stdout, "[console] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Hub{registry: reg, remote: remote, logger: logger}
}

// outboundFrame is the wire shape for every server->client message
// (spec.md §4.7).
type outboundFrame struct {
	Type      string `json:"type"`
	Prefix    string `json:"prefix,omitempty"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Line      string `json:"line"`
}

// inboundFrame is the wire shape for every client->server message.
type inboundFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// ServeHTTP upgrades the request and runs one console session to
// completion (spec.md §4.7 session setup steps 1-8).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	userUUID := r.URL.Query().Get("userUuid")
	tail := clampTail(r.URL.Query().Get("tail"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if serverID == "" || userUUID == "" {
		writeError(conn, "serverId and userUuid are required")
		return
	}

	inst, ok := h.registry.Get(serverID)
	if !ok {
		writeError(conn, "server not found")
		return
	}

	if !h.remote.HasPermission(userUUID, serverID) {
		writeError(conn, "permission denied")
		return
	}

	sess := &session{
		conn:   conn,
		inst:   inst,
		tail:   tail,
		logger: h.logger,
	}
	sess.run()
}

func clampTail(raw string) int {
	if raw == "" {
		return defaultTail
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultTail
	}
	if n < minTail {
		return minTail
	}
	if n > maxTail {
		return maxTail
	}
	return n
}

func writeError(conn *websocket.Conn, message string) {
	conn.WriteJSON(outboundFrame{Type: "error", Message: message, Line: message})
}

// session is one live WebSocket connection bound to one Server Instance.
type session struct {
	conn   *websocket.Conn
	inst   *serverinstance.Instance
	tail   int
	logger *log.Logger

	writeMu sync.Mutex

	logCleanupMu sync.Mutex
	logCleanup   func()

	pongMu      sync.Mutex
	missedPongs int
}

func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe := s.inst.AddLiveListener(s.onLiveEvent)
	defer unsubscribe()
	defer s.stopLogStream()

	if s.inst.GetStatus(ctx) == serverinstance.StatusRunning {
		s.startLogStream(ctx)
	} else {
		s.send(outboundFrame{Type: "line", Category: string(liveevent.CategoryStatus), Message: "Servidor marcado como desligado.", Timestamp: nowMs(), Line: "Servidor marcado como desligado."})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.superviseLoop(ctx) }()
	go func() { defer wg.Done(); s.heartbeatLoop(ctx) }()

	s.readLoop(ctx, cancel)
	cancel()
	wg.Wait()
}

// readLoop reads inbound frames until the connection closes, forwarding
// commands to sendCommand (spec.md §4.7 inbound frame schema).
func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	s.conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.missedPongs = 0
		s.pongMu.Unlock()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			cancel()
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.send(outboundFrame{Type: "error", Message: "malformed json", Line: "malformed json"})
			continue
		}
		if frame.Type != "command" {
			continue
		}
		if err := s.inst.SendCommand(ctx, frame.Command); err != nil {
			s.send(outboundFrame{Type: "error", Message: err.Error(), Line: err.Error()})
		}
	}
}

// superviseLoop polls getStatus every 2s, attaching or detaching the log
// stream on transition (spec.md §4.7 step 6).
func (s *session) superviseLoop(ctx context.Context) {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	wasRunning := s.inst.Running()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running := s.inst.GetStatus(ctx) == serverinstance.StatusRunning
			if running && !wasRunning {
				s.startLogStream(ctx)
			} else if !running && wasRunning {
				s.stopLogStream()
			}
			wasRunning = running
		}
	}
}

// heartbeatLoop pings every 15s; two consecutive missed pongs terminate
// the session (spec.md §4.7 step 7, §5).
func (s *session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pongMu.Lock()
			s.missedPongs++
			missed := s.missedPongs
			s.pongMu.Unlock()

			if missed > maxMissedPongs {
				s.conn.Close()
				return
			}

			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *session) startLogStream(ctx context.Context) {
	s.stopLogStream()

	cleanup, err := s.inst.StreamDockerLogs(ctx, tailSpec(s.tail), func(line logmux.Line) {
		s.send(outboundFrame{Type: "line", Message: line.Text, Line: line.Text})
	})
	if err != nil {
		s.logger.Printf("start log stream: %v", err)
		return
	}
	s.logCleanupMu.Lock()
	s.logCleanup = cleanup
	s.logCleanupMu.Unlock()
}

func (s *session) stopLogStream() {
	s.logCleanupMu.Lock()
	cleanup := s.logCleanup
	s.logCleanup = nil
	s.logCleanupMu.Unlock()
	if cleanup != nil {
		cleanup()
	}
}

func tailSpec(n int) string {
	if n <= 0 {
		return "0"
	}
	return strconv.Itoa(n)
}

// onLiveEvent forwards one Live Event from C5 as an outbound frame
// (spec.md §4.7 outbound frame schema). internal events are dropped.
func (s *session) onLiveEvent(ev liveevent.Event) {
	if ev.Category == liveevent.CategoryInternal {
		return
	}

	if ev.Category == liveevent.CategoryLog {
		s.send(outboundFrame{Type: "line", Message: ev.Message, Timestamp: ev.TimestampEpochMs, Line: ev.Message})
		return
	}

	prefix := categoryPrefix(ev.Category)
	line := colorizeLine(ev.Category, prefix, ev.Message)
	s.send(outboundFrame{
		Type:      "line",
		Prefix:    prefix,
		Category:  string(ev.Category),
		Message:   ev.Message,
		Timestamp: ev.TimestampEpochMs,
		Line:      line,
	})
}

func categoryPrefix(cat liveevent.Category) string {
	switch cat {
	case liveevent.CategoryStatus:
		return "[Status]"
	case liveevent.CategoryPull:
		return "[Pull]"
	case liveevent.CategoryError:
		return "[Erro]"
	case liveevent.CategoryWarn:
		return "[Aviso]"
	case liveevent.CategoryCommand:
		return "[Comando]"
	default:
		return "[Servidor]"
	}
}

// categoryColors returns the mgutz/ansi style names for a category's prefix
// label and message body in the colorized line composition (spec.md §4.7).
func categoryColors(cat liveevent.Category) (prefixStyle, messageStyle string) {
	switch cat {
	case liveevent.CategoryStatus:
		return "cyan+b", "cyan"
	case liveevent.CategoryPull:
		return "blue+b", "blue"
	case liveevent.CategoryError:
		return "red+b", "red"
	case liveevent.CategoryWarn:
		return "yellow+b", "yellow"
	case liveevent.CategoryCommand:
		return "magenta+b", "magenta"
	default:
		return "green+b", "green"
	}
}

// colorizeLine composes "{prefix-color}{PREFIX_LABEL}{reset} {cat-color}{message}{reset}"
// per spec.md §4.7.
func colorizeLine(cat liveevent.Category, prefix, message string) string {
	prefixStyle, messageStyle := categoryColors(cat)
	return ansi.ColorCode(prefixStyle) + prefix + ansi.Reset +
		" " + ansi.ColorCode(messageStyle) + message + ansi.Reset
}

func (s *session) send(frame outboundFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Printf("write frame: %v", err)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
