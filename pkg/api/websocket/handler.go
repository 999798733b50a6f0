package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/aescanero/plugflow/internal/application/tracker"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler streams tracker updates for one execution over a WebSocket
type Handler struct {
	tracker *tracker.Tracker
	logger  *zap.Logger
	buffer  int
	linger  time.Duration
}

// Option customises a Handler
type Option func(*Handler)

// WithBuffer sets the per-connection subscription buffer
func WithBuffer(n int) Option {
	return func(h *Handler) { h.buffer = n }
}

// WithLinger sets how long the stream stays open after the execution reaches
// a terminal status, so trailing rollback updates are delivered
func WithLinger(d time.Duration) Option {
	return func(h *Handler) { h.linger = d }
}

// NewHandler creates a new WebSocket handler
func NewHandler(t *tracker.Tracker, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		tracker: t,
		logger:  logger,
		linger:  time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleExecutionStream sends the current snapshot followed by every update
// of the execution until it finishes or the client goes away
func (h *Handler) HandleExecutionStream(c *gin.Context) {
	executionID := c.Param("id")

	// Subscribe first so nothing is missed between the snapshot and the stream
	sub := h.tracker.Subscribe(executionID, h.buffer)
	defer sub.Close()

	snap, err := h.tracker.Query(executionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "EXECUTION_NOT_FOUND", "message": err.Error()},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	logger := h.logger.With(
		zap.String("execution_id", executionID),
		zap.String("client", c.ClientIP()))
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go readPump(conn, cancel)

	if err := writeJSON(conn, tracker.Update{ExecutionID: executionID, Snapshot: snap}); err != nil {
		logger.Debug("failed to write snapshot", zap.Error(err))
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var lingerC <-chan time.Time
	var lingerTimer *time.Timer
	if snap.Status.Terminal() {
		lingerTimer = time.NewTimer(h.linger)
		lingerC = lingerTimer.C
	}
	defer func() {
		if lingerTimer != nil {
			lingerTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-lingerC:
			closeNormal(conn)
			logger.Debug("execution finished, stream closed",
				zap.Int64("dropped", sub.Dropped()))
			return

		case update, ok := <-sub.C():
			if !ok {
				closeNormal(conn)
				return
			}
			if err := writeJSON(conn, update); err != nil {
				logger.Debug("failed to write update", zap.Error(err))
				return
			}
			if update.Snapshot.Status.Terminal() {
				if lingerTimer == nil {
					lingerTimer = time.NewTimer(h.linger)
					lingerC = lingerTimer.C
				} else {
					if !lingerTimer.Stop() {
						select {
						case <-lingerTimer.C:
						default:
						}
					}
					lingerTimer.Reset(h.linger)
				}
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and cancels on disconnect
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
