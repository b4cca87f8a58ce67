package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mcprouter/router/internal/routererr"
	"github.com/mcprouter/router/internal/store"
	"github.com/mcprouter/router/internal/upstream"
)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type registerInput struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Description   string `json:"description"`
	Enabled       *bool  `json:"enabled"`
	AutoReconnect *bool  `json:"autoReconnect"`
}

func (in registerInput) enabled() bool {
	if in.Enabled == nil {
		return true
	}
	return *in.Enabled
}

func (in registerInput) autoReconnect() bool {
	if in.AutoReconnect == nil {
		return true
	}
	return *in.AutoReconnect
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name          string `json:"name"`
		URL           string `json:"url"`
		Description   string `json:"description"`
		Enabled       *bool  `json:"enabled"`
		AutoReconnect *bool  `json:"autoReconnect"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	input := registerInput{Name: strings.TrimSpace(body.Name), URL: body.URL, Description: body.Description, Enabled: body.Enabled, AutoReconnect: body.AutoReconnect}
	cfg, err := s.registerServer(r.Context(), input)
	if err != nil {
		writeRouterErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("registered %q", cfg.Name),
		"server":  cfg,
		"stats":   s.aggregateStats(r.Context()),
	})
}

func (s *Server) registerServer(ctx context.Context, in registerInput) (*store.ServerConfig, error) {
	if in.Name == "" || in.URL == "" {
		return nil, routererr.InvalidInput("name and url are required")
	}
	if !serverNamePattern.MatchString(in.Name) {
		return nil, routererr.InvalidInput("name %q must match ^[A-Za-z0-9_-]+$", in.Name)
	}
	parsed, err := url.Parse(in.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, routererr.InvalidInput("url %q does not parse", in.URL)
	}

	existing, err := s.repo.FindByName(ctx, in.Name)
	if err != nil {
		return nil, routererr.Internal("register: %v", err)
	}
	if existing != nil && existing.URL != in.URL {
		return nil, routererr.NameURLConflict(in.Name, existing.URL)
	}

	cfg := &store.ServerConfig{
		Name:          in.Name,
		URL:           in.URL,
		Description:   in.Description,
		Enabled:       in.enabled(),
		AutoReconnect: in.autoReconnect(),
		TimeoutMS:     store.DefaultTimeoutMS,
		RetryAttempts: store.DefaultRetryAttempts,
	}
	stored, err := s.repo.Upsert(ctx, cfg)
	if err != nil {
		if store.IsDuplicateName(err) {
			return nil, routererr.NameURLConflict(in.Name, in.URL)
		}
		return nil, routererr.Internal("register: upsert: %v", err)
	}

	upCfg := upstream.ServerConfig{
		ID: stored.ID, Name: stored.Name, URL: stored.URL,
		AutoReconnect: stored.AutoReconnect, TimeoutMS: stored.TimeoutMS, RetryAttempts: stored.RetryAttempts,
	}
	if stored.Enabled {
		if err := s.manager.ConnectWithRetry(ctx, upCfg, stored.RetryAttempts); err != nil {
			s.logger.Warn("initial connect failed, server registered but disconnected", "server", stored.Name, "error", err)
		} else {
			s.registry.RegisterToolsFor(s.manager.Tools(stored.Name))
		}
	}

	if s.syncEngine != nil {
		if err := s.syncEngine.Publish(ctx, store.EventRegistered, upCfg); err != nil {
			s.logger.Warn("publish sync event failed", "server", stored.Name, "error", err)
		}
	}

	return stored, nil
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("serverName")
	if err := s.unregisterServer(r.Context(), name); err != nil {
		writeRouterErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("unregistered %q", name)})
}

func (s *Server) unregisterServer(ctx context.Context, name string) error {
	stored, err := s.repo.FindByName(ctx, name)
	if err != nil {
		return routererr.Internal("unregister: %v", err)
	}
	if stored == nil {
		return routererr.ServerNotFound(name)
	}

	s.registry.UnregisterToolsFor(name)
	if err := s.manager.Disconnect(name); err != nil {
		s.logger.Warn("disconnect during unregister failed", "server", name, "error", err)
	}
	if _, err := s.repo.SoftDelete(ctx, stored.ID); err != nil {
		return routererr.Internal("unregister: soft delete: %v", err)
	}

	if s.syncEngine != nil {
		upCfg := upstream.ServerConfig{ID: stored.ID, Name: stored.Name, URL: stored.URL}
		if err := s.syncEngine.Publish(ctx, store.EventUnregistered, upCfg); err != nil {
			s.logger.Warn("publish sync event failed", "server", name, "error", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_, err := s.repo.FindAll(r.Context(), true)
	latency := time.Since(start)

	storeHealth := map[string]any{"connected": err == nil, "latencyMs": latency.Milliseconds()}
	if err != nil {
		storeHealth["error"] = err.Error()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"store":  storeHealth,
		"stats":  s.aggregateStats(r.Context()),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sanitized())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, s.aggregateStats(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": code, "message": message})
}

func writeRouterErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routererr.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, routererr.ErrNameURLConflict):
		writeError(w, http.StatusConflict, "name_url_conflict", err.Error())
	case errors.Is(err, routererr.ErrServerNotFound):
		writeError(w, http.StatusNotFound, "server_not_found", err.Error())
	case errors.Is(err, routererr.ErrServerDisconnected):
		writeError(w, http.StatusServiceUnavailable, "server_disconnected", err.Error())
	case errors.Is(err, routererr.ErrInvalidAPIKey):
		writeError(w, http.StatusUnauthorized, "invalid_api_key", err.Error())
	case errors.Is(err, routererr.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
