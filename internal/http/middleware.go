package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type contextKey string

const traceKey contextKey = "trace"

// trace is created once per request and filled in further down the chain.
// The access log reads it after the handler returns, so auth and handlers
// can attribute a request without the log line living inside them.
type trace struct {
	requestID string
	caller    models.Identity
	rideID    string
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.accessLogMiddleware)
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tr := &trace{requestID: r.Header.Get("X-Request-ID"), rideID: mux.Vars(r)["ride_id"]}
		if tr.requestID == "" {
			tr.requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", tr.requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), traceKey, tr)))

		route := routeTemplate(r)
		status := strconv.Itoa(sw.status)
		elapsed := time.Since(start)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		attrs := []slog.Attr{
			slog.String("request_id", tr.requestID),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("remote_addr", remoteIP(r)),
		}
		if tr.caller.ID != "" {
			attrs = append(attrs, slog.String("caller_id", tr.caller.ID), slog.String("role", string(tr.caller.Role)))
		}
		if tr.rideID != "" {
			attrs = append(attrs, slog.String("ride_id", tr.rideID))
		}
		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.LogAttrs(r.Context(), level, "http_request", attrs...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r), "request_id", requestIDFrom(r.Context()))
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: apperr.KindInternal, Message: "internal error"}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func traceFrom(ctx context.Context) *trace {
	tr, _ := ctx.Value(traceKey).(*trace)
	return tr
}

func requestIDFrom(ctx context.Context) string {
	if tr := traceFrom(ctx); tr != nil {
		return tr.requestID
	}
	return ""
}

// noteCaller and noteRide attribute the request in its access log line.
func noteCaller(ctx context.Context, who models.Identity) {
	if tr := traceFrom(ctx); tr != nil {
		tr.caller = who
	}
}

func noteRide(ctx context.Context, rideID string) {
	if tr := traceFrom(ctx); tr != nil {
		tr.rideID = rideID
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
