package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"commsrelay/internal/domain"
)

var errHandleClosed = errors.New("subscriber closed")

// sseHandle writes events to one open text/event-stream response. Every
// write carries a deadline so a client that stops reading fails the write
// instead of stalling the broadcaster.
type sseHandle struct {
	id           string
	rw           http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEHandle(rw http.ResponseWriter, writeTimeout time.Duration) *sseHandle {
	return &sseHandle{
		id:           uuid.NewString(),
		rw:           rw,
		rc:           http.NewResponseController(rw),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// arm sets the write deadline for the next frame. Writers without deadline
// support (test recorders) are left as they are.
func (h *sseHandle) arm() error {
	err := h.rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (h *sseHandle) ID() string { return h.id }

func (h *sseHandle) Send(_ context.Context, evt domain.Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	if err := h.arm(); err != nil {
		return err
	}
	if evt.Name != "" {
		if _, err := fmt.Fprintf(h.rw, "event: %s\n", evt.Name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(h.rw, "data: %s\n\n", data); err != nil {
		return err
	}
	return h.rc.Flush()
}

// ping writes an SSE comment so idle proxies keep the stream open.
func (h *sseHandle) ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	if err := h.arm(); err != nil {
		return err
	}
	if _, err := fmt.Fprint(h.rw, ": ping\n\n"); err != nil {
		return err
	}
	return h.rc.Flush()
}

// Close marks the handle dead. Once it returns no further writes reach rw.
func (h *sseHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	return nil
}

func (s *Server) streamSSE(ch domain.Channel) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		s.serveSSE(rw, r, ch)
	}
}

func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	ch, ok := domain.ParseChannel(r.PathValue("channel"))
	if !ok {
		s.writeError(rw, r, fmt.Errorf("channel %q: %w", r.PathValue("channel"), domain.ErrNotFound))
		return
	}
	s.serveSSE(rw, r, ch)
}

func (s *Server) serveSSE(rw http.ResponseWriter, r *http.Request, ch domain.Channel) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	h := newSSEHandle(rw, s.cfg.WriteTimeout)
	if err := s.cfg.Registry.Subscribe(ch, h); err != nil {
		s.logger.Warn("sse subscribe failed", "channel", ch, "err", err)
		return
	}
	defer func() {
		s.cfg.Registry.Unsubscribe(ch, h)
		h.Close()
	}()
	s.logger.Debug("sse client connected", "channel", ch, "id", h.id)

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected", "channel", ch, "id", h.id)
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.ping(); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHandle writes events as text frames to one WebSocket connection.
type wsHandle struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (h *wsHandle) ID() string { return h.id }

func (h *wsHandle) Send(_ context.Context, evt domain.Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *wsHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	return h.conn.Close()
}

func (s *Server) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	ch, ok := domain.ParseChannel(r.PathValue("channel"))
	if !ok {
		s.writeError(rw, r, fmt.Errorf("channel %q: %w", r.PathValue("channel"), domain.ErrNotFound))
		return
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	h := &wsHandle{id: uuid.NewString(), conn: conn, writeTimeout: s.cfg.WriteTimeout}
	if err := s.cfg.Registry.Subscribe(ch, h); err != nil {
		s.logger.Warn("websocket subscribe failed", "channel", ch, "err", err)
		h.Close()
		return
	}
	s.logger.Info("websocket client connected", "channel", ch, "id", h.id)

	defer func() {
		s.cfg.Registry.Unsubscribe(ch, h)
		h.Close()
		s.logger.Info("websocket client disconnected", "channel", ch, "id", h.id)
	}()

	// Inbound frames are ignored; reading surfaces the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "id", h.id, "err", err)
			}
			return
		}
	}
}
