// Package httpapi exposes the admin and metrics HTTP endpoint.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oriole-im/oriole/cluster"
	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/consts"
	"github.com/oriole-im/oriole/db"
	"github.com/oriole-im/oriole/logger"
	"github.com/oriole-im/oriole/presence"
	"github.com/oriole-im/oriole/session"
)

// Server is the HTTP admin API. All /api/v1 routes require the configured
// bearer token; /metrics is open for scrapers.
type Server struct {
	addr     string
	apiKey   string
	sessions *session.Manager
	presence *presence.Manager
	// clusterMgr is nil in standalone deployments.
	clusterMgr *cluster.Manager
	// registrations is nil when no gateway secret is configured.
	registrations *db.RegistrationStore
	server        *http.Server
}

func New(cfg config.HTTPAPIConfig, sessions *session.Manager, pm *presence.Manager,
	clusterMgr *cluster.Manager, registrations *db.RegistrationStore) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	return &Server{
		addr:          cfg.Addr,
		apiKey:        cfg.APIKey,
		sessions:      sessions,
		presence:      pm,
		clusterMgr:    clusterMgr,
		registrations: registrations,
	}, nil
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("error shutting down HTTP API server: %v", err)
		}
	}()

	logger.Infof("starting HTTP API server on %s", s.addr)
	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/cluster/members", s.handleClusterMembers).Methods("GET")
	v1.HandleFunc("/sessions/{username}", s.handleUserSessions).Methods("GET")
	v1.HandleFunc("/presence/{username}", s.handleUserPresence).Methods("GET")
	v1.HandleFunc("/registrations/{username}", s.handleListRegistrations).Methods("GET")
	v1.HandleFunc("/registrations/{username}/{gateway}", s.handleDeleteRegistration).Methods("DELETE")

	return router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"sessions": s.sessions.TotalCount(),
	}
	if s.clusterMgr != nil {
		status["cluster"] = map[string]any{
			"node_id": s.clusterMgr.LocalNodeID().String(),
			"members": s.clusterMgr.MemberCount(),
			"senior":  s.clusterMgr.IsSenior(),
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	if s.clusterMgr == nil {
		s.writeError(w, http.StatusNotFound, "not running in cluster mode")
		return
	}

	type member struct {
		ID     string `json:"id"`
		Addr   string `json:"addr"`
		Port   uint16 `json:"port"`
		Senior bool   `json:"senior"`
	}
	members := s.clusterMgr.Members()
	out := make([]member, 0, len(members))
	for _, m := range members {
		out = append(out, member{
			ID:     m.ID.String(),
			Addr:   m.Addr,
			Port:   m.Port,
			Senior: m.Senior,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	type sessionInfo struct {
		JID       string `json:"jid"`
		Available bool   `json:"available"`
		Show      string `json:"show,omitempty"`
		Priority  int    `json:"priority"`
		Anonymous bool   `json:"anonymous"`
	}
	sessions := s.sessions.GetSessions(username)
	out := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		p := sess.Presence()
		out = append(out, sessionInfo{
			JID:       sess.Address().String(),
			Available: p.IsAvailable(),
			Show:      string(p.Show),
			Priority:  p.Priority,
			Anonymous: sess.IsAnonymous(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserPresence(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	out := map[string]any{
		"username":  username,
		"available": s.presence.IsAvailable(username),
	}
	if p := s.presence.GetPresence(username); p != nil {
		out["show"] = string(p.Show)
		if p.Status != "" {
			out["status"] = p.Status
		}
	} else {
		if since, ok := s.presence.LastActivity(r.Context(), username); ok {
			out["last_active_seconds"] = int64(since.Seconds())
		}
		if status, ok := s.presence.LastPresenceStatus(r.Context(), username); ok {
			out["last_status"] = status
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	if s.registrations == nil {
		s.writeError(w, http.StatusNotFound, "gateway registrations not configured")
		return
	}
	username := mux.Vars(r)["username"]

	regs, err := s.registrations.ListByUser(r.Context(), username)
	if err != nil {
		logger.Errorf("failed to list registrations for %s: %v", username, err)
		s.writeError(w, http.StatusInternalServerError, "failed to list registrations")
		return
	}

	type registration struct {
		Gateway    string `json:"gateway"`
		RemoteUser string `json:"remote_user"`
		Nickname   string `json:"nickname,omitempty"`
	}
	out := make([]registration, 0, len(regs))
	for _, reg := range regs {
		out = append(out, registration{
			Gateway:    reg.Gateway,
			RemoteUser: reg.RemoteUser,
			Nickname:   reg.Nickname,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteRegistration(w http.ResponseWriter, r *http.Request) {
	if s.registrations == nil {
		s.writeError(w, http.StatusNotFound, "gateway registrations not configured")
		return
	}
	vars := mux.Vars(r)

	err := s.registrations.Delete(r.Context(), vars["username"], vars["gateway"])
	if errors.Is(err, consts.ErrDBNotFound) {
		s.writeError(w, http.StatusNotFound, "no such registration")
		return
	}
	if err != nil {
		logger.Errorf("failed to delete registration: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete registration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("failed to encode HTTP API response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
