package httpapi

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/docmirror/internal/docmirror"
)

// ServerConfig tunes the local diagnostics API. The server binds to loopback
// and is meant for the desktop shell and support tooling, not the open
// internet; the token guard keeps other local processes out.
type ServerConfig struct {
	AdminToken   string
	MaxBodyBytes int64
}

// Server exposes the sync engine's operational surface over HTTP: stats,
// diagnostics export, forced retries, and per-document sync-mode control.
type Server struct {
	engine *docmirror.Engine
	cfg    ServerConfig
}

func NewServer(engine *docmirror.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *docmirror.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch {
	case r.URL.Path == "/v1/sync/stats" && r.Method == http.MethodGet:
		s.handleStats(w)
		return
	case r.URL.Path == "/v1/sync/diagnostics" && r.Method == http.MethodGet:
		s.handleDiagnostics(w)
		return
	case r.URL.Path == "/v1/sync/retries/force" && r.Method == http.MethodPost:
		s.handleForceRetry(w, r)
		return
	case r.URL.Path == "/v1/sync/modes" && r.Method == http.MethodGet:
		s.handleListModes(w)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "documents" && parts[3] == "sync-mode" {
		documentID := parts[2]
		switch {
		case len(parts) == 4 && r.Method == http.MethodGet:
			s.handleGetMode(w, documentID)
			return
		case len(parts) == 5 && parts[4] == "enable" && r.Method == http.MethodPost:
			s.handleEnable(w, r, documentID)
			return
		case len(parts) == 5 && parts[4] == "disable" && r.Method == http.MethodPost:
			s.handleDisable(w, r, documentID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// authorize accepts any request when no token is configured (loopback-only
// dev setups) and requires an exact bearer match otherwise.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return hmac.Equal([]byte(token), []byte(s.cfg.AdminToken))
}

func (s *Server) handleStats(w http.ResponseWriter) {
	stats, err := s.engine.GetStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter) {
	diag, err := s.engine.ExportDiagnostics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.ForceRetryAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		GeneratedAt string                  `json:"generatedAt"`
		Attempted   int                     `json:"attempted"`
		Results     []docmirror.RetryResult `json:"results"`
	}{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Attempted:   len(results),
		Results:     results,
	})
}

func (s *Server) handleListModes(w http.ResponseWriter) {
	modes, err := s.engine.ListSyncModes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if modes == nil {
		modes = []docmirror.SyncModeRecord{}
	}
	writeJSON(w, http.StatusOK, struct {
		SyncModes []docmirror.SyncModeRecord `json:"syncModes"`
	}{SyncModes: modes})
}

func (s *Server) handleGetMode(w http.ResponseWriter, documentID string) {
	rec, err := s.engine.GetSyncMode(documentID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request, documentID string) {
	rec, err := s.engine.EnableCloudSync(r.Context(), documentID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request, documentID string) {
	var body struct {
		PurgeRemote bool `json:"purgeRemote"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	rec, err := s.engine.DisableCloudSync(r.Context(), documentID, body.PurgeRemote)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docmirror.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, docmirror.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, docmirror.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not_authenticated", err.Error())
	case errors.Is(err, docmirror.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "offline", err.Error())
	case errors.Is(err, docmirror.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, docmirror.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
