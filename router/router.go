package router

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/improdead/esprit/config"
	gwmw "github.com/improdead/esprit/middleware"
	"github.com/improdead/esprit/observability"
	"github.com/improdead/esprit/telemetry"
	"github.com/improdead/esprit/tracer"
)

// NewRouter returns a configured chi Router exposing the control
// surface: health checks, metrics, the fan-out websocket, and the
// screenshot lookup. hub and tr may be the same process's singletons;
// metrics may be nil to disable /metrics.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, hub *telemetry.Hub, tr *tracer.Tracer, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	// --- Middleware Chain (order matters) ---
	r.Use(gwmw.DashboardCORS(cfg.DashboardOrigins))
	r.Use(gwmw.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Unauthenticated health endpoints ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"esprit-dispatch"}`))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"esprit-dispatch"}`))
	})

	if metrics != nil {
		r.Get("/metrics", metrics.Handler())
	}

	// --- Dashboard-facing routes (auth + rate limit) ---
	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader, cfg.DashboardToken)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)

	r.Group(func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)

		r.Get("/ws", wsHandler(hub, appLogger))
		r.Get("/v1/screenshot/{agentID}", screenshotHandler(tr))
	})

	return r
}

// wsHandler upgrades the connection, registers it with the fan-out
// Hub, and runs the write loop until the client disconnects or the
// server shuts down. The read loop only exists to detect client
// disconnects, the fan-out protocol carries no client-originated
// messages.
func wsHandler(hub *telemetry.Hub, appLogger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			appLogger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		sub, err := hub.Subscribe(ctx, conn)
		if err != nil {
			appLogger.Debug().Err(err).Msg("fan-out subscribe failed")
			return
		}
		defer hub.Unsubscribe(sub.ID())

		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					hub.Unsubscribe(sub.ID())
					return
				}
			}
		}()

		if err := hub.WriteLoop(ctx, sub); err != nil {
			appLogger.Debug().Err(err).Msg("fan-out write loop ended")
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// screenshotHandler serves the screenshot REST contract:
// {screenshot: base64|null, url, agent_id}. The dispatch core never
// renders or stores images itself, it only carries whatever the
// (out-of-scope) tool runtime attached to a completed tool execution's
// result map under a "screenshot" key.
func screenshotHandler(tr *tracer.Tracer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agentID")
		w.Header().Set("Content-Type", "application/json")

		s := tr.Snapshot()
		execID, ok := s.LatestScreenshots[agentID]
		if !ok {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"screenshot": nil,
				"url":        nil,
				"agent_id":   agentID,
			})
			return
		}

		exec := s.ToolExecutions[execID]
		var b64, url any
		if resMap, ok := exec.Result.(map[string]any); ok {
			if v, ok := resMap["screenshot"]; ok {
				b64 = v
			}
			if v, ok := resMap["url"]; ok {
				url = v
			}
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"screenshot": b64,
			"url":        url,
			"agent_id":   agentID,
		})
	}
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("ESPRIT_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
