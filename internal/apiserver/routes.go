package apiserver

import (
	"net/http"
	"strings"

	"github.com/moolen/nosql/internal/connection"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerHandlers() {
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.router.HandleFunc("/healthz", s.withMethod(http.MethodGet, s.handleHealth))
	s.router.HandleFunc("/profiles", s.withMethod(http.MethodGet, s.handleProfiles))
	s.router.HandleFunc("/profiles/", s.withMethod(http.MethodGet, s.handleProfile))
	s.router.HandleFunc("/bindings", s.withMethod(http.MethodGet, s.handleBindings))
}

// handleHealth reports 200 when every profile is active and 503 otherwise,
// listing the profiles that are not.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.profiles.Healthy() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}

	unhealthy := make(map[string]string)
	for _, info := range s.profiles.Profiles() {
		if info.State != connection.StateActive.String() {
			unhealthy[info.Identity] = info.State
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":   "degraded",
		"profiles": unhealthy,
	})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.profiles.Profiles())
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/profiles/")
	svc, ok := s.profiles.Connection(id)
	if id == "" || !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown profile "+id)
		return
	}
	writeJSON(w, http.StatusOK, svc.Info())
}

type binding struct {
	Name    string `json:"name"`
	Profile string `json:"profile"`
	Type    string `json:"type"`
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	bindings := []binding{}
	if s.store != nil {
		for _, e := range s.store.List() {
			bindings = append(bindings, binding{Name: e.Name, Profile: e.Profile, Type: e.Type.String()})
		}
	}
	writeJSON(w, http.StatusOK, bindings)
}
