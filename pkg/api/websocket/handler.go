package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/aescanero/labexec/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ExecutionFinder looks up the current state of an execution
type ExecutionFinder interface {
	FindExecutionByID(ctx context.Context, id string) (*domain.Execution, error)
}

// Message is what clients receive. The first message is a snapshot of the
// execution; each following one carries a transition.
type Message struct {
	Type      string                 `json:"type"`
	Execution *domain.Execution      `json:"execution,omitempty"`
	Event     *domain.ExecutionEvent `json:"event,omitempty"`
}

// Handler handles WebSocket connections. It holds one event bus
// subscription and fans transitions out to the connections watching each
// execution.
type Handler struct {
	eventBus   ports.EventBus
	executions ExecutionFinder
	logger     *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[chan domain.ExecutionEvent]struct{}
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, executions ExecutionFinder, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus:   eventBus,
		executions: executions,
		logger:     logger,
		clients:    make(map[string]map[chan domain.ExecutionEvent]struct{}),
	}
}

// Start subscribes to execution transitions until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	return h.eventBus.Subscribe(ctx, ports.ExecutionTopic, h.broadcast)
}

func (h *Handler) broadcast(ctx context.Context, event domain.ExecutionEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients[event.ExecutionID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("execution_id", event.ExecutionID))
		}
	}
	return nil
}

func (h *Handler) register(executionID string) chan domain.ExecutionEvent {
	ch := make(chan domain.ExecutionEvent, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[executionID] == nil {
		h.clients[executionID] = make(map[chan domain.ExecutionEvent]struct{})
	}
	h.clients[executionID][ch] = struct{}{}
	return ch
}

func (h *Handler) unregister(executionID string, ch chan domain.ExecutionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[executionID], ch)
	if len(h.clients[executionID]) == 0 {
		delete(h.clients, executionID)
	}
}

// Watchers returns the number of connections watching an execution
func (h *Handler) Watchers(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[executionID])
}

// HandleExecutionStream streams the transitions of one execution until it
// reaches a terminal status or the client goes away
func (h *Handler) HandleExecutionStream(c *gin.Context) {
	executionID := c.Param("id")

	// subscribe before reading the snapshot so a transition committed in
	// between is still queued
	events := h.register(executionID)
	defer h.unregister(executionID, events)

	execution, err := h.executions.FindExecutionByID(c.Request.Context(), executionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("execution_id", executionID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the read loop notices client disconnects
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, Message{Type: "snapshot", Execution: execution}); err != nil {
		return
	}
	if execution.Status.IsTerminal() {
		h.close(conn)
		return
	}

	// queued transitions that led up to the snapshot are already covered;
	// streaming resumes with the one leaving the snapshot status, and a
	// terminal transition is always sent
	current := execution.Status
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if event.From != current && !event.To.IsTerminal() {
				continue
			}
			current = event.To
			event := event
			if err := h.write(conn, Message{Type: "transition", Event: &event}); err != nil {
				return
			}
			if event.To.IsTerminal() {
				h.close(conn)
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("failed to write message", zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
