package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livevox/internal/engine"
	"github.com/MrWong99/livevox/internal/health"
	"github.com/MrWong99/livevox/internal/observe"
)

// streamWriteTimeout bounds a single snapshot write to a UI client.
const streamWriteTimeout = 5 * time.Second

// Handler returns the HTTP surface: session API, WebSocket stream, health
// probes and Prometheus metrics, wrapped in the observe middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/session", a.handleSnapshot)
	mux.HandleFunc("POST /api/session/start", a.handleStart)
	mux.HandleFunc("POST /api/session/stop", a.handleStop)
	mux.HandleFunc("GET /api/session/stream", a.handleStream)

	checks := append([]health.Checker{health.Breakers("transport", a.breakers...)}, a.pingers...)
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Snapshot())
}

// handleStart starts a session and answers once it is connecting. The request
// context bounds the setup; the session itself outlives the request.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.engine.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, a.engine.Snapshot())
	case errors.Is(err, engine.ErrSessionActive):
		writeJSON(w, http.StatusConflict, a.engine.Snapshot())
	case errors.Is(err, engine.ErrShutdown):
		writeJSON(w, http.StatusServiceUnavailable, a.engine.Snapshot())
	default:
		observe.Logger(r.Context()).Warn("session start failed", "err", err)
		writeJSON(w, http.StatusBadGateway, a.engine.Snapshot())
	}
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.engine.Close(); err != nil {
		slog.Warn("session stop", "err", err)
	}
	writeJSON(w, http.StatusOK, a.engine.Snapshot())
}

// handleStream pushes one snapshot per UI poll interval until the client
// goes away or the server shuts down.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer closes.
	ctx := c.CloseRead(r.Context())

	interval := a.cfg.Server.UIPollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := writeSnapshot(ctx, c, a.engine.Snapshot()); err != nil {
			if ctx.Err() == nil {
				slog.Debug("ui stream write failed", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func writeSnapshot(ctx context.Context, c *websocket.Conn, s engine.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
