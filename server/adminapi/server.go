// Package adminapi exposes the quarantine review interface over HTTP.
// Reviewers list held messages, inspect and edit their content, and
// approve or delete them. The API is protected by a bearer API key and
// an optional allowed-hosts list.
package adminapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailkeep/mailkeep/consts"
	"github.com/mailkeep/mailkeep/logger"
	"github.com/mailkeep/mailkeep/server/quarantine"
)

// maxContentSize bounds uploaded replacement content.
const maxContentSize = 64 << 20

// Server represents the admin HTTP API server.
type Server struct {
	name         string
	addr         string
	apiKey       string
	allowedHosts []string
	store        *quarantine.Store
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
	startedAt    time.Time
}

// ServerOptions holds configuration options for the admin API server.
type ServerOptions struct {
	Name         string
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new admin API server.
func New(store *quarantine.Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}
	if store == nil {
		return nil, fmt.Errorf("quarantine store is required for admin API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		name:         options.Name,
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        store,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
		startedAt:    time.Now(),
	}, nil
}

// Start creates and runs an admin API server, reporting fatal errors on
// errChan.
func Start(ctx context.Context, store *quarantine.Store, options ServerOptions, errChan chan error) {
	server, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Admin API: Starting server", "name", server.name, "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

// start initializes and runs the HTTP server.
func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Routes(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server", "name", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "name", s.name, "error", err)
		}
	}()

	if s.tls {
		s.server.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			Renegotiation: tls.RenegotiateNever,
		}
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Routes builds the HTTP handler with all routes and middleware. The
// metrics endpoint is served outside the API key requirement.
func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/admin").Subrouter()
	api.Use(s.loggingMiddleware, s.allowedHostsMiddleware, s.authMiddleware)

	api.HandleFunc("/quarantine", s.handleListQuarantine).Methods("GET")
	api.HandleFunc("/quarantine/{id}", s.handleGetQuarantine).Methods("GET")
	api.HandleFunc("/quarantine/{id}/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/quarantine/{id}/delete", s.handleDelete).Methods("POST")
	api.HandleFunc("/quarantine/{id}/content", s.handleUpdateContent).Methods("PUT")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	return router
}

// loggingMiddleware logs each request with its duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("Admin API: Request", "name", s.name, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request completed", "name", s.name, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// allowedHostsMiddleware restricts requests to the configured hosts or
// CIDR blocks. An empty list allows all hosts.
func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the bearer API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

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

// recordResponse is the JSON shape of a quarantine record. Content is
// included only on single-record fetches.
type recordResponse struct {
	ID            string     `json:"id"`
	Identity      string     `json:"identity"`
	Status        string     `json:"status"`
	Sender        string     `json:"sender,omitempty"`
	Recipient     string     `json:"recipient,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	Date          *time.Time `json:"date,omitempty"`
	Amount        *float64   `json:"amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	Vendor        string     `json:"vendor,omitempty"`
	Size          int        `json:"size"`
	ContentHash   string     `json:"content_hash"`
	CapturedAt    time.Time  `json:"captured_at"`
	ContentBase64 string     `json:"content_base64,omitempty"`
}

func toRecordResponse(rec *quarantine.Record, includeContent bool) recordResponse {
	resp := recordResponse{
		ID:            rec.ID,
		Identity:      rec.Identity,
		Status:        string(rec.Status),
		Sender:        rec.Metadata.Sender,
		Recipient:     rec.Metadata.Recipient,
		Subject:       rec.Metadata.Subject,
		Currency:      rec.Metadata.Currency,
		InvoiceNumber: rec.Metadata.InvoiceNumber,
		Vendor:        rec.Metadata.Vendor,
		Size:          len(rec.RawContent),
		ContentHash:   rec.ContentHash,
		CapturedAt:    rec.CapturedAt,
	}
	if !rec.Metadata.Date.IsZero() {
		d := rec.Metadata.Date
		resp.Date = &d
	}
	if rec.Metadata.AmountFound {
		a := rec.Metadata.Amount
		resp.Amount = &a
	}
	if includeContent {
		resp.ContentBase64 = base64.StdEncoding.EncodeToString(rec.RawContent)
	}
	return resp
}

// handleListQuarantine lists quarantine records, optionally filtered by
// the identity query parameter.
func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")

	records, err := s.store.List(r.Context(), identity)
	if err != nil {
		logger.Warn("Admin API: Failed to list quarantine records", "name", s.name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list quarantine records")
		return
	}

	resp := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toRecordResponse(rec, false))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(resp),
		"records": resp,
	})
}

// handleGetQuarantine returns one record including its content.
func (s *Server) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err, "Failed to load quarantine record")
		return
	}
	s.writeJSON(w, http.StatusOK, toRecordResponse(rec, true))
}

// handleApprove releases a pending message for delivery.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Approve(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "Failed to approve quarantine record")
		return
	}
	logger.Info("Admin API: Quarantine record approved", "name", s.name, "id", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(quarantine.StatusApproved)})
}

// handleDelete tombstones a pending message.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "Failed to delete quarantine record")
		return
	}
	logger.Info("Admin API: Quarantine record deleted", "name", s.name, "id", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(quarantine.StatusDeleted)})
}

// handleUpdateContent replaces the content of a pending record. The body
// is either raw message bytes (Content-Type: message/rfc822) or JSON with
// a content_base64 field.
func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var content []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "message/rfc822") {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxContentSize+1))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		content = raw
	} else {
		var req struct {
			ContentBase64 string `json:"content_base64"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxContentSize+1)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "content_base64 is not valid base64")
			return
		}
		content = raw
	}

	if len(content) == 0 {
		s.writeError(w, http.StatusBadRequest, "Replacement content must not be empty")
		return
	}
	if len(content) > maxContentSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Replacement content too large")
		return
	}

	if err := s.store.UpdateContent(r.Context(), id, content); err != nil {
		s.writeStoreError(w, err, "Failed to update quarantine content")
		return
	}
	logger.Info("Admin API: Quarantine content updated", "name", s.name, "id", id, "size", len(content))
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "size": len(content)})
}

// handleStats reports aggregate quarantine counts and server uptime.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, approved, deleted, err := s.store.Stats(r.Context())
	if err != nil {
		logger.Warn("Admin API: Failed to read stats", "name", s.name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pending":        pending,
		"approved":       approved,
		"deleted":        deleted,
		"total":          pending + approved + deleted,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// writeStoreError maps store errors onto HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, consts.ErrStoreNotFound):
		s.writeError(w, http.StatusNotFound, "Quarantine record not found")
	case errors.Is(err, consts.ErrStoreConflict):
		s.writeError(w, http.StatusConflict, "Quarantine record is not pending")
	default:
		logger.Warn("Admin API: Store operation failed", "name", s.name, "error", err)
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "name", s.name, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
