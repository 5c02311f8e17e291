package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/progress"
)

const (
	defaultWriteTimeout = time.Second
	sseKeepAlive        = 15 * time.Second
)

// subscribe registers a fresh mailbox with the broadcaster. The returned
// cancel func unsubscribes it.
func (s *Server) subscribe() (*progress.Mailbox, string, func(), error) {
	box := progress.NewMailbox()
	id, err := s.broadcaster.Subscribe(box)
	if err != nil {
		return nil, "", nil, fmt.Errorf("subscribe observer: %w", err)
	}
	return box, id, func() { s.broadcaster.Unsubscribe(id) }, nil
}

func (s *Server) writeTimeout() time.Duration {
	if d := s.cfg.WriteTimeout(); d > 0 {
		return d
	}
	return defaultWriteTimeout
}

// websocketFeed handles GET /ws. Each connection gets its own mailbox and a
// writer loop; inbound messages are ignored.
func (s *Server) websocketFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.CORSOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	box, id, unsubscribe, err := s.subscribe()
	if err != nil {
		s.logger.Error("websocket subscribe failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()
	logger := s.logger.With(zap.String("connection_id", id))
	logger.Info("progress observer connected", zap.String("transport", "websocket"))

	// CloseRead discards client frames and cancels ctx when the peer goes.
	ctx := conn.CloseRead(r.Context())
	err = s.pump(ctx, box, func(ctx context.Context, msg progress.Message) error {
		return wsjson.Write(ctx, conn, msg)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("progress observer disconnected", zap.String("transport", "websocket"))
		_ = conn.Close(websocket.StatusNormalClosure, "")
	default:
		logger.Warn("progress observer dropped", zap.String("transport", "websocket"), zap.Error(err))
	}
}

// eventStream handles GET /api/progress/events as a server-sent event feed.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	box, id, unsubscribe, err := s.subscribe()
	if err != nil {
		s.logger.Error("event stream subscribe failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer unsubscribe()
	logger := s.logger.With(zap.String("connection_id", id))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.Info("progress observer connected", zap.String("transport", "sse"))

	rc := http.NewResponseController(w)
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	write := func(payload string) error {
		if err := rc.SetWriteDeadline(time.Now().Add(s.writeTimeout())); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("set write deadline: %w", err)
		}
		if _, err := fmt.Fprint(w, payload); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		flusher.Flush()
		return nil
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Info("progress observer disconnected", zap.String("transport", "sse"))
			return
		case <-keepAlive.C:
			if err := write(": keep-alive\n\n"); err != nil {
				logger.Warn("progress observer dropped", zap.String("transport", "sse"), zap.Error(err))
				return
			}
		case u := <-box.C():
			data, err := json.Marshal(u.Message())
			if err != nil {
				logger.Error("encode progress message failed", zap.Error(err))
				continue
			}
			if err := write("event: progress\ndata: " + string(data) + "\n\n"); err != nil {
				logger.Warn("progress observer dropped", zap.String("transport", "sse"), zap.Error(err))
				return
			}
		}
	}
}

// pump forwards mailbox updates through send until ctx ends or a send fails.
// Each send is bounded by the configured write timeout.
func (s *Server) pump(ctx context.Context, box *progress.Mailbox, send func(context.Context, progress.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-box.C():
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout())
			err := send(wctx, u.Message())
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("send progress: %w", err)
			}
		}
	}
}
