package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/client"
	"github.com/muurk/loxclient/internal/logging"
)

// StatusResponse is the body of GET /state
type StatusResponse struct {
	Host         string     `json:"host"`
	State        string     `json:"state"`
	Reconnecting bool       `json:"reconnecting"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	TokenRights  int        `json:"token_rights,omitempty"`
	Firmware     string     `json:"firmware,omitempty"`
	Serial       string     `json:"serial,omitempty"`
	Gen2         bool       `json:"gen2"`
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Host:         s.source.Host(),
		State:        string(s.source.State()),
		Reconnecting: s.source.Reconnecting(),
	}
	if token := s.source.Token(); token != nil {
		expiry := token.ValidUntil.UTC()
		resp.TokenExpiry = &expiry
		resp.TokenRights = token.Rights
	}
	if caps := s.source.Capabilities(); caps != nil {
		resp.Firmware = caps.Version
		resp.Serial = caps.SerialNumber
		resp.Gen2 = caps.Gen2()
	}
	return resp
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.source.State()
	code := http.StatusOK
	if state != client.StateReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": string(state)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", zap.Error(err))
	}
}

// logRequests logs every request at debug level
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
