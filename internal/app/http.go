package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"threadline/api/internal/archive"
	"threadline/api/internal/auth"
	"threadline/api/internal/logging"
	"threadline/api/internal/metrics"
	"threadline/api/internal/store"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPConfig struct {
	TokenSecret     []byte
	CORSOrigin      string
	MaxUploadBytes  int64
	ReadinessChecks map[string]Pinger
}

type HTTPServer struct {
	threads  *ThreadService
	messages *MessageService
	inbox    *InboxService
	archiver *archive.Scheduler
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      HTTPConfig
}

func NewHTTPServer(threads *ThreadService, messages *MessageService, inbox *InboxService, archiver *archive.Scheduler, m *metrics.Metrics, logger *zap.Logger, cfg HTTPConfig) *HTTPServer {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &HTTPServer{
		threads:  threads,
		messages: messages,
		inbox:    inbox,
		archiver: archiver,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("http"),
		cfg:      cfg,
	}
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
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "threads":
		s.handleThreads(w, r, actor, parts[2:])
		return
	case "messages":
		if len(parts) >= 3 {
			s.handleMessage(w, r, actor, parts[2], parts[3:])
			return
		}
	case "link-previews":
		if r.Method == http.MethodPost && len(parts) == 2 {
			var body struct {
				URL string `json:"url"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			preview, err := s.messages.GenerateLinkPreview(r.Context(), body.URL)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, preview)
			return
		}
	case "notifications":
		s.handleNotifications(w, r, actor, parts[2:])
		return
	case "admin":
		if r.Method == http.MethodPost && len(parts) == 4 && parts[2] == "archive" && parts[3] == "run" {
			s.handleArchiveRun(w, r, actor)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, pinger := range s.cfg.ReadinessChecks {
		if err := pinger.Ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			page, err := pageFromQuery(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
				return
			}
			items, total, err := s.threads.ListThreads(ctx, actor, store.ThreadStatus(r.URL.Query().Get("status")), page)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, pageResponse(items, total, page))
		case http.MethodPost:
			var body CreateThreadInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			thread, err := s.threads.CreateThread(ctx, actor, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, thread)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if parts[0] == "by-event" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		page, err := pageFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		query := r.URL.Query()
		items, total, err := s.threads.ListThreadsByEvent(ctx, actor, query.Get("referenceId"), store.ReferenceType(strings.ToUpper(query.Get("referenceType"))), page)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pageResponse(items, total, page))
		return
	}

	threadID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			thread, err := s.threads.GetThread(ctx, actor, threadID)
			s.respond(w, r, http.StatusOK, thread, err)
		case http.MethodPatch, http.MethodPut:
			var body UpdateThreadInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			thread, err := s.threads.UpdateThread(ctx, actor, threadID, body)
			s.respond(w, r, http.StatusOK, thread, err)
		case http.MethodDelete:
			err := s.threads.DeleteThread(ctx, actor, threadID)
			s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "resolve", "reopen", "archive", "pin", "unpin", "leave":
		if r.Method != http.MethodPost || len(parts) != 2 {
			methodNotAllowed(w)
			return
		}
		var (
			thread store.Thread
			err    error
		)
		switch parts[1] {
		case "resolve":
			var body struct {
				Notes string `json:"notes"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			thread, err = s.threads.ResolveThread(ctx, actor, threadID, body.Notes)
		case "reopen":
			thread, err = s.threads.ReopenThread(ctx, actor, threadID)
		case "archive":
			thread, err = s.threads.ArchiveThread(ctx, actor, threadID)
		case "pin":
			thread, err = s.threads.PinThread(ctx, actor, threadID)
		case "unpin":
			thread, err = s.threads.UnpinThread(ctx, actor, threadID)
		case "leave":
			thread, err = s.threads.LeaveThread(ctx, actor, threadID)
		}
		s.respond(w, r, http.StatusOK, thread, err)
		return

	case "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		marked, err := s.messages.MarkThreadAsRead(ctx, actor, threadID)
		s.respond(w, r, http.StatusOK, map[string]any{"marked": marked}, err)
		return

	case "unread":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		count, err := s.messages.GetUnreadCount(ctx, actor, threadID)
		s.respond(w, r, http.StatusOK, map[string]any{"unreadCount": count}, err)
		return

	case "messages":
		s.handleThreadMessages(w, r, actor, threadID)
		return

	case "participants":
		s.handleParticipants(w, r, actor, threadID, parts[2:])
		return

	case "attachments":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleUpload(w, r, actor, threadID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleThreadMessages(w http.ResponseWriter, r *http.Request, actor Actor, threadID string) {
	switch r.Method {
	case http.MethodGet:
		page, err := pageFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		rootsOnly := r.URL.Query().Get("rootsOnly") == "true"
		items, total, err := s.messages.ListMessages(r.Context(), actor, threadID, rootsOnly, page)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pageResponse(items, total, page))
	case http.MethodPost:
		var body SendMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.messages.SendMessage(r.Context(), actor, threadID, body)
		s.respond(w, r, http.StatusCreated, msg, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request, actor Actor, threadID string, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			UserIDs []string              `json:"userIds"`
			Role    store.ParticipantRole `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.UserIDs) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userIds is required", nil)
			return
		}
		result, err := s.threads.AddParticipants(ctx, actor, threadID, body.UserIDs, body.Role)
		s.respond(w, r, http.StatusOK, result, err)
		return
	}

	userID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		thread, err := s.threads.RemoveParticipant(ctx, actor, threadID, userID)
		s.respond(w, r, http.StatusOK, thread, err)
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body struct {
			Role store.ParticipantRole `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		thread, err := s.threads.AddParticipant(ctx, actor, threadID, userID, body.Role)
		s.respond(w, r, http.StatusOK, thread, err)
	case len(parts) == 2 && parts[1] == "role" && r.Method == http.MethodPut:
		var body struct {
			Role store.ParticipantRole `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		thread, err := s.threads.UpdateParticipantRole(ctx, actor, threadID, userID, body.Role)
		s.respond(w, r, http.StatusOK, thread, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, actor Actor, threadID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Attachment too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form with a file field is required", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	att, err := s.messages.UploadAttachment(r.Context(), actor, threadID, header.Filename, file)
	s.respond(w, r, http.StatusCreated, att, err)
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request, actor Actor, messageID string, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPatch, http.MethodPut:
			var body struct {
				Content store.MessageContent `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			msg, err := s.messages.EditMessage(ctx, actor, messageID, body.Content)
			s.respond(w, r, http.StatusOK, msg, err)
		case http.MethodDelete:
			err := s.messages.DeleteMessage(ctx, actor, messageID)
			s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case parts[0] == "replies" && r.Method == http.MethodGet:
		page, err := pageFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		items, total, err := s.messages.GetReplies(ctx, actor, messageID, page)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pageResponse(items, total, page))
	case parts[0] == "replies" && r.Method == http.MethodPost:
		var body SendMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.messages.SendReply(ctx, actor, messageID, body)
		s.respond(w, r, http.StatusCreated, msg, err)
	case parts[0] == "read" && r.Method == http.MethodPost:
		msg, err := s.messages.MarkAsRead(ctx, actor, messageID)
		s.respond(w, r, http.StatusOK, msg, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		page, err := pageFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		items, err := s.inbox.List(r.Context(), actor, r.URL.Query().Get("unread") == "true", page)
		s.respond(w, r, http.StatusOK, map[string]any{"items": items}, err)
		return
	}
	if len(parts) == 2 && parts[1] == "read" && r.Method == http.MethodPost {
		err := s.inbox.MarkRead(r.Context(), actor, parts[0])
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleArchiveRun(w http.ResponseWriter, r *http.Request, actor Actor) {
	if !actor.IsAdmin() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	if s.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Archive scheduler is not running", nil)
		return
	}
	result, err := s.archiver.RunNow(r.Context())
	if errors.Is(err, archive.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
		return
	}
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	claims, err := auth.ParseToken(s.cfg.TokenSecret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	return Actor{
		UserID:      claims.UserID,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}, true
}

// respond writes payload on success and the mapped error otherwise.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func pageFromQuery(r *http.Request) (store.Page, error) {
	query := r.URL.Query()
	page := store.Page{SortBy: query.Get("sortBy"), Desc: query.Get("order") == "desc"}
	for name, target := range map[string]*int{"page": &page.Page, "limit": &page.Limit} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return store.Page{}, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*target = value
	}
	return page.Normalize(), nil
}

func pageResponse[T any](items []T, total int, page store.Page) map[string]any {
	return map[string]any{
		"items": items,
		"total": total,
		"page":  page.Page,
		"limit": page.Limit,
	}
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
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http_request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
