// ABOUTME: HTTP admin API handlers for conversations, turns, models and usage.
// ABOUTME: Every route runs behind the auth middleware; errors are JSON {"error": msg}.

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/2389/iris/internal/auth"
	"github.com/2389/iris/internal/catalog"
	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/llm"
	"github.com/2389/iris/internal/pipeline"
	"github.com/2389/iris/internal/store"
)

const (
	// defaultUsageDays is the usage window when ?days is absent.
	defaultUsageDays = 7

	// maxUsageDays matches the retention of the usage table.
	maxUsageDays = 7

	// maxRequestBytes caps admin request bodies.
	maxRequestBytes = 1 << 20
)

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	Content        string `json:"content"`
	Model          string `json:"model,omitempty"`
}

// SegmentResponse is one outbound segment.
type SegmentResponse struct {
	Text     string `json:"text"`
	Filename string `json:"filename,omitempty"`
}

// SendResponse is the JSON response for POST /api/send.
type SendResponse struct {
	ConversationID string            `json:"conversation_id"`
	State          string            `json:"state"`
	Model          string            `json:"model"`
	Text           string            `json:"text"`
	Segments       []SegmentResponse `json:"segments"`
	Usage          *llm.Usage        `json:"usage,omitempty"`
	Notices        []string          `json:"notices,omitempty"`
}

// MessageResponse is one history entry.
type MessageResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	Attachments int    `json:"attachments,omitempty"`
}

// ConversationResponse is the JSON response for GET /api/conversations/{id}.
type ConversationResponse struct {
	conversation.Snapshot
	Messages []MessageResponse `json:"messages"`
}

// SettingsResponse is returned by settings and action endpoints.
type SettingsResponse struct {
	ConversationID string                `json:"conversation_id"`
	Settings       conversation.Settings `json:"settings"`
}

// ModelResponse is one catalog entry with its derived flags.
type ModelResponse struct {
	catalog.Model
	Free   bool `json:"free"`
	Images bool `json:"images"`
}

// ModelsResponse is the JSON response for GET /api/models.
type ModelsResponse struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Models    []ModelResponse `json:"models"`
}

// UsageResponse is the JSON response for GET /api/usage.
type UsageResponse struct {
	Since       time.Time          `json:"since"`
	TotalTokens int64              `json:"total_tokens"`
	Models      []store.ModelUsage `json:"models"`
}

// registerAPIRoutes registers the admin API behind the auth middleware.
func (s *Server) registerAPIRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"GET /api/conversations/{id}":            s.handleGetConversation,
		"PATCH /api/conversations/{id}/settings": s.handleUpdateSettings,
		"POST /api/conversations/{id}/{action}":  s.handleConversationAction,
		"POST /api/send":                         s.handleSend,
		"GET /api/models":                        s.handleListModels,
		"GET /api/usage":                         s.handleUsage,
		"GET /api/audit":                         s.handleAuditLog,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, authMiddleware(handler))
	}
}

// handleGetConversation handles GET /api/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	snap := s.conversations.Snapshot(r.PathValue("id"))

	messages := make([]MessageResponse, 0, len(snap.History))
	for _, m := range snap.History {
		attachments := 0
		for _, p := range m.Parts {
			if !p.IsText() {
				attachments++
			}
		}
		messages = append(messages, MessageResponse{
			ID:          m.ID,
			Role:        string(m.Role),
			Text:        m.Text(),
			Attachments: attachments,
		})
	}

	s.writeJSON(w, http.StatusOK, ConversationResponse{Snapshot: snap, Messages: messages})
}

// handleUpdateSettings handles PATCH /api/conversations/{id}/settings.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch conversation.Patch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&patch); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if patch.IsEmpty() {
		s.sendJSONError(w, http.StatusBadRequest, "no settings to update")
		return
	}
	if patch.ModelOverride != nil {
		*patch.ModelOverride = catalog.ParseModelID(*patch.ModelOverride)
	}

	settings, err := s.conversations.UpdateSettings(id, patch)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.audit(r, store.AuditUpdateSettings, id, map[string]any{"settings": settings})
	s.writeJSON(w, http.StatusOK, SettingsResponse{ConversationID: id, Settings: settings})
}

// handleConversationAction handles POST /api/conversations/{id}/{reset|clear|stop}.
func (s *Server) handleConversationAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch action := r.PathValue("action"); action {
	case "reset":
		settings := s.conversations.ResetSettings(id)
		s.audit(r, store.AuditResetSettings, id, nil)
		s.writeJSON(w, http.StatusOK, SettingsResponse{ConversationID: id, Settings: settings})
	case "clear":
		s.conversations.ClearHistory(id)
		s.audit(r, store.AuditClearHistory, id, nil)
		s.writeJSON(w, http.StatusOK, SettingsResponse{ConversationID: id, Settings: s.conversations.Settings(id)})
	case "stop":
		if !s.conversations.RequestStop(id) {
			s.sendJSONError(w, http.StatusConflict, "no response in progress")
			return
		}
		s.audit(r, store.AuditStop, id, nil)
		w.WriteHeader(http.StatusAccepted)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown action: "+action)
	}
}

// parseSendRequest parses and validates a SendRequest from the given reader.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r, maxRequestBytes)).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	if req.Content == "" {
		return nil, errors.New("content is required")
	}

	if req.UserID == "" {
		return nil, errors.New("user_id is required")
	}

	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}
	return &req, nil
}

// handleSend handles POST /api/send: it runs one turn and returns the segments.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn := pipeline.Turn{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		DisplayName:    req.DisplayName,
		Text:           req.Content,
	}
	if req.Model != "" {
		turn.DefaultModel = catalog.ParseModelID(req.Model)
	}

	res, err := s.pipeline.Handle(r.Context(), turn)
	if err != nil {
		status, msg := turnErrorStatus(err)
		s.logger.Warn("admin turn failed", "conversation_id", req.ConversationID, "error", err)
		s.sendJSONError(w, status, msg)
		return
	}

	resp := SendResponse{
		ConversationID: req.ConversationID,
		State:          res.State.String(),
		Model:          res.Model,
		Text:           res.Text,
		Segments:       make([]SegmentResponse, 0, len(res.Segments)),
		Usage:          res.Usage,
		Notices:        res.Notices,
	}
	for _, seg := range res.Segments {
		resp.Segments = append(resp.Segments, SegmentResponse{Text: seg.Text, Filename: seg.Filename})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// turnErrorStatus maps a failed turn to an HTTP status and message.
func turnErrorStatus(err error) (int, string) {
	var transportErr *pipeline.TransportError
	var extractionErr *pipeline.ExtractionError
	switch {
	case errors.As(err, &transportErr):
		return http.StatusBadGateway, transportErr.Error()
	case errors.As(err, &extractionErr):
		return http.StatusBadGateway, extractionErr.Error()
	case errors.Is(err, pipeline.ErrStopped):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "turn failed"
	}
}

// handleListModels handles GET /api/models[?free=1].
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	var models []catalog.Model
	if free, _ := strconv.ParseBool(r.URL.Query().Get("free")); free {
		models = s.catalog.FreeModels(r.Context())
	} else {
		for _, m := range s.catalog.AllModels(r.Context()) {
			models = append(models, m)
		}
		sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	}
	resp := ModelsResponse{FetchedAt: s.catalog.FetchedAt(), Models: make([]ModelResponse, 0, len(models))}
	for _, m := range models {
		resp.Models = append(resp.Models, ModelResponse{Model: m, Free: m.IsFree(), Images: m.SupportsImages()})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleUsage handles GET /api/usage[?days=N].
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := defaultUsageDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxUsageDays {
			s.sendJSONError(w, http.StatusBadRequest, "days must be between 1 and 7")
			return
		}
		days = n
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	total, err := s.store.TokensSince(r.Context(), since)
	if err != nil {
		s.logger.Error("reading token usage", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	byModel, err := s.store.UsageByModel(r.Context(), since)
	if err != nil {
		s.logger.Error("reading usage by model", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	if byModel == nil {
		byModel = []store.ModelUsage{}
	}
	s.writeJSON(w, http.StatusOK, UsageResponse{Since: since, TotalTokens: total, Models: byModel})
}

// handleAuditLog handles GET /api/audit[?conversation_id=X&limit=N].
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.AuditFilter
	if id := q.Get("conversation_id"); id != "" {
		filter.ConversationID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		filter.Limit = n
	}

	entries, err := s.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit log", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// audit records an admin API change; failures are logged, not returned.
func (s *Server) audit(r *http.Request, action store.AuditAction, conversationID string, detail map[string]any) {
	entry := &store.AuditEntry{
		Actor:          auth.OperatorFrom(r.Context()),
		Action:         action,
		ConversationID: conversationID,
		Detail:         detail,
	}
	if err := s.store.AppendAuditLog(r.Context(), entry); err != nil {
		s.logger.Warn("failed to write audit entry", "action", action, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
