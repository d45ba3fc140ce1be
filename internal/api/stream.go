package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/aura/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// dispatch forwards queued events through send, in order, until ctx
// ends or a write fails. An idle interval produces a ping instead. It
// returns the queue it was last reading so the caller can close it.
func (s *Server) dispatch(ctx context.Context, clientID string, q *events.Queue,
	send func(events.Event) error, ping func() error, log *slog.Logger,
) *events.Queue {
	for {
		pullCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
		e, err := q.Pull(pullCtx)
		cancel()

		switch {
		case err == nil:
			if err := send(e); err != nil {
				log.Debug("stream write failed", "event", e.Type, "error", err)
				return q
			}
			log.Debug("event delivered", "event", e.Type)
		case ctx.Err() != nil:
			return q
		case errors.Is(err, context.DeadlineExceeded):
			if err := ping(); err != nil {
				log.Debug("stream ping failed", "error", err)
				return q
			}
		case errors.Is(err, events.ErrClosed):
			// An overlapping connection for the same client tore the
			// queue down; keep serving on a fresh one.
			q = s.events.Open(clientID)
		default:
			return q
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("client_id"))
	if clientID == "" {
		s.errorResponse(w, http.StatusBadRequest, "client_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	log := s.logger.With("client_id", clientID, "transport", "sse")
	rc := http.NewResponseController(w)
	extend := func() {
		if err := rc.SetWriteDeadline(time.Now().Add(2 * s.cfg.PingInterval)); err != nil {
			log.Debug("failed to reset write deadline", "error", err)
		}
	}

	send := func(e events.Event) error {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", e.Type, err)
		}
		extend()
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		extend()
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	q := s.events.Open(clientID)
	defer s.metrics.StreamOpened("sse")()
	log.Info("stream connected")
	start := time.Now()

	if err := send(events.Message(events.TypeConnected, "SSE connected")); err == nil {
		q = s.dispatch(r.Context(), clientID, q, send, ping, log)
	}

	s.events.CloseQueue(clientID, q)
	log.Info("stream disconnected", "duration", time.Since(start))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("client_id"))
	if clientID == "" {
		s.errorResponse(w, http.StatusBadRequest, "client_id is required")
		return
	}
	log := s.logger.With("client_id", clientID, "transport", "websocket")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(4096)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The stream is one-way; reading only surfaces control frames and
	// the client's close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	writeWait := 2 * s.cfg.PingInterval
	send := func(e events.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return conn.WriteJSON(e)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	}

	q := s.events.Open(clientID)
	defer s.metrics.StreamOpened("websocket")()
	log.Info("stream connected")
	start := time.Now()

	if err := send(events.Message(events.TypeConnected, "WebSocket connected")); err == nil {
		q = s.dispatch(ctx, clientID, q, send, ping, log)
	}

	s.events.CloseQueue(clientID, q)
	if r.Context().Err() != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	log.Info("stream disconnected", "duration", time.Since(start))
}
