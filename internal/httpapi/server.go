package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// RecordSchema is a JSON Schema document every written record must satisfy.
	RecordSchema []byte
	// PresenceInterval is the heartbeat period of /v1/presence connections.
	PresenceInterval time.Duration
	Logger           *zerolog.Logger
}

type Server struct {
	repo        Repository
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schema      *jsonschema.Schema
	logger      zerolog.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type recordPage struct {
	Records    []labsync.Record `json:"records"`
	NextCursor *string          `json:"nextCursor"`
}

// NewServer builds a server with the default configuration.
func NewServer(repo Repository) *Server {
	server, err := NewServerWithConfig(repo, ServerConfig{})
	if err != nil {
		panic(err)
	}
	return server
}

func NewServerWithConfig(repo Repository, cfg ServerConfig) (*Server, error) {
	if repo == nil {
		return nil, errors.New("httpapi: repository is required")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = 10 * time.Second
	}
	schema, err := compileRecordSchema(cfg.RecordSchema)
	if err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		repo:        repo,
		cfg:         cfg,
		rateLimiter: limiter,
		schema:      schema,
		logger:      logger.With().Str("component", "httpapi").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts, ok := splitEscapedPath(r.URL.EscapedPath())
	if !ok || len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "presence" && r.Method == http.MethodGet:
		requiredScope = scopeRecordsRead
		route = "presence"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "records" && r.Method == http.MethodGet:
		requiredScope = scopeRecordsRead
		route = "list_records"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "records" && r.Method == http.MethodPost:
		requiredScope = scopeRecordsWrite
		route = "create_record"
	case len(parts) == 5 && parts[1] == "collections" && parts[3] == "records" && r.Method == http.MethodGet:
		requiredScope = scopeRecordsRead
		route = "get_record"
	case len(parts) == 5 && parts[1] == "collections" && parts[3] == "records" && r.Method == http.MethodPut:
		requiredScope = scopeRecordsWrite
		route = "put_record"
	case len(parts) == 5 && parts[1] == "collections" && parts[3] == "records" && r.Method == http.MethodDelete:
		requiredScope = scopeRecordsWrite
		route = "delete_record"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.now()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	if route == "presence" {
		s.handlePresence(w, r, claims, correlationID)
		return
	}
	collection := parts[2]
	if !validCollection(collection) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid collection name", correlationID)
		return
	}

	switch route {
	case "list_records":
		s.handleListRecords(w, r, collection, correlationID)
	case "create_record":
		s.handleWriteRecord(w, r, collection, "", correlationID)
	case "get_record":
		s.handleGetRecord(w, r, collection, parts[4], correlationID)
	case "put_record":
		s.handleWriteRecord(w, r, collection, parts[4], correlationID)
	case "delete_record":
		s.handleDeleteRecord(w, r, collection, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), 100, 1, 1000)
	records, next, err := s.repo.List(r.Context(), collection, query.Get("cursor"), limit)
	if err != nil {
		s.writeRepositoryError(w, err, "list", collection, "", correlationID)
		return
	}
	page := recordPage{Records: records}
	if next != "" {
		page.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	record, err := s.repo.Get(r.Context(), collection, id)
	if err != nil {
		s.writeRepositoryError(w, err, "get", collection, id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleWriteRecord serves both POST (pathID empty) and PUT. Both upsert by id.
func (s *Server) handleWriteRecord(w http.ResponseWriter, r *http.Request, collection, pathID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var record labsync.Record
	if err := json.Unmarshal(body, &record); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if pathID != "" {
		if record.ID != "" && record.ID != pathID {
			writeError(w, http.StatusBadRequest, "bad_request", "record id does not match path", correlationID)
			return
		}
		record.ID = pathID
	}
	if err := validateRecordBody(s.schema, body, pathID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_record", err.Error(), correlationID)
		return
	}
	if err := s.repo.Upsert(r.Context(), collection, record); err != nil {
		s.writeRepositoryError(w, err, "upsert", collection, record.ID, correlationID)
		return
	}
	status := http.StatusOK
	if pathID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, record)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	if err := s.repo.Delete(r.Context(), collection, id); err != nil {
		s.writeRepositoryError(w, err, "delete", collection, id, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRepositoryError(w http.ResponseWriter, err error, action, collection, id, correlationID string) {
	switch {
	case errors.Is(err, labsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
	case errors.Is(err, labsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).
			Str("action", action).
			Str("collection", collection).
			Str("record_id", id).
			Str("correlation_id", correlationID).
			Msg("repository call failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "repository failure", correlationID)
	}
}

func splitEscapedPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		decoded, err := url.PathUnescape(part)
		if err != nil || decoded == "" {
			return nil, false
		}
		parts = append(parts, decoded)
	}
	return parts, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
