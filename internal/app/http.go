package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scrivener/internal/auth"
	"scrivener/internal/search"
	"scrivener/internal/store"
)

// Searcher is the optional free-text query surface.
type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type HTTPServer struct {
	service    *Service
	operator   *auth.OperatorVerifier
	searcher   Searcher
	corsOrigin string
}

func NewHTTPServer(service *Service, operator *auth.OperatorVerifier, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, operator: operator, corsOrigin: corsOrigin}
}

// WithSearch attaches the optional search facade.
func (s *HTTPServer) WithSearch(searcher Searcher) *HTTPServer {
	s.searcher = searcher
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"ledger": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["ledger"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/webhooks/merge" {
		var ev MergeEvent
		if err := decodeBody(r, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		txn, err := s.service.IngestMerge(r.Context(), ev)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"transaction": txn})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/edits" {
		var edit ManualEdit
		if err := decodeBody(r, &edit); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		txn, err := s.service.RecordManualEdit(r.Context(), edit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"transaction": txn})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reverts" {
		if err := s.operator.Verify(bearerToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Operator token required", nil)
			return
		}
		var req RevertRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		txn, err := s.service.Revert(r.Context(), req)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"transaction": txn})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/history" {
		repoBranch := r.URL.Query().Get("repoBranch")
		if repoBranch == "" {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "repoBranch query parameter required", nil)
			return
		}
		limit := queryInt(r, "limit", 50)
		items, err := s.service.History(r.Context(), repoBranch, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": nonNilTxns(items)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/concepts" {
		repoBranch := r.URL.Query().Get("repoBranch")
		conceptKey := r.URL.Query().Get("key")
		if repoBranch == "" || conceptKey == "" {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "repoBranch and key query parameters required", nil)
			return
		}
		items, err := s.service.ByConcept(r.Context(), repoBranch, conceptKey)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": nonNilTxns(items)})
		return
	}

	// Transaction ids contain '#', so they travel as a query parameter.
	if r.Method == http.MethodGet && r.URL.Path == "/api/transactions" {
		repoBranch := r.URL.Query().Get("repoBranch")
		id := r.URL.Query().Get("id")
		if repoBranch == "" || id == "" {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "repoBranch and id query parameters required", nil)
			return
		}
		txn, err := s.service.GetTransaction(r.Context(), repoBranch, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transaction": txn})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if s.searcher == nil {
			writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
			return
		}
		resp := s.searcher.Search(r.Context(), search.Query{
			Text:       r.URL.Query().Get("q"),
			RepoBranch: r.URL.Query().Get("repoBranch"),
			Kind:       r.URL.Query().Get("kind"),
			ConceptKey: r.URL.Query().Get("conceptKey"),
			Limit:      queryInt(r, "limit", 20),
			Offset:     queryInt(r, "offset", 0),
		})
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, origin string) {
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func nonNilTxns(items []store.Transaction) []store.Transaction {
	if items == nil {
		return []store.Transaction{}
	}
	return items
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
