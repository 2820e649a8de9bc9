package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ragchat/internal/util"
	"ragchat/pkg/domain"
	"ragchat/pkg/storage"
	"ragchat/pkg/store"
	"ragchat/services/chat/internal/app"
)

const (
	sidebarKey   = "sidebar_collapsed"
	maxBodyBytes = 1 << 20
)

// Limiter guards the ask endpoint.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Preferences    storage.KV
	AskLimiter     Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	store          *store.Store
	prefs          storage.KV
	askLimiter     Limiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	prefs := cfg.Preferences
	if prefs == nil {
		prefs = storage.NewMemoryKV()
	}
	s := &Server{
		app:            cfg.App,
		store:          cfg.App.Store(),
		prefs:          prefs,
		askLimiter:     cfg.AskLimiter,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("chat",
			util.WithSecurityHeaders(
				util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/current", s.handleGetCurrent)
	s.mux.HandleFunc("PUT /api/sessions/current", s.handleSetCurrent)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PATCH /api/sessions/{id}", s.handleUpdateSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/archive", s.handleArchiveSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleAddMessage)
	s.mux.HandleFunc("PATCH /api/sessions/{id}/messages/{messageId}", s.handleUpdateMessage)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages/{messageId}/stream", s.handleStreamMessage)
	s.mux.HandleFunc("POST /api/sessions/{id}/ask", s.handleAsk)

	s.mux.HandleFunc("GET /api/preferences/sidebar", s.handleGetSidebar)
	s.mux.HandleFunc("PUT /api/preferences/sidebar", s.handleSetSidebar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		IsLoading:        s.store.IsLoading(),
		CurrentSessionID: s.store.CurrentSessionID(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.store.AllSessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := s.store.CreateSession(req.InitialMessage)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetCurrent(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.store.CurrentSession()
	if !ok {
		writeError(w, http.StatusNotFound, "no session selected")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var req setCurrentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !s.store.SetCurrentSession(strings.TrimSpace(req.ID)) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": s.store.CurrentSessionID()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == nil {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	id := r.PathValue("id")
	if !s.store.UpdateSessionTitle(id, *req.Title) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, _ := s.store.Session(id)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.store.DeleteSession(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.ArchiveSession(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, _ := s.store.Session(id)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := r.PathValue("id")
	if _, ok := s.store.Session(sessionID); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if s.app.Busy(sessionID) {
		writeError(w, http.StatusConflict, app.ErrSessionBusy.Error())
		return
	}
	id, ok := s.store.AddMessage(sessionID, domain.NewMessage{
		Content:     req.Content,
		IsUser:      req.IsUser,
		IsStreaming: req.IsStreaming,
		Sources:     req.Sources,
		Confidence:  req.Confidence,
	})
	if !ok {
		writeError(w, http.StatusConflict, "a message is still streaming")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"id": id})
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.Atoi(r.PathValue("messageId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	patch, err := parseMessagePatch(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessionID := r.PathValue("id")
	if _, ok := findMessage(s.store, sessionID, messageID); !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if !s.store.UpdateMessage(sessionID, messageID, patch) {
		writeError(w, http.StatusConflict, "only the last message can be streaming")
		return
	}
	msg, _ := findMessage(s.store, sessionID, messageID)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.Atoi(r.PathValue("messageId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req streamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := r.PathValue("id")
	ctx := context.WithoutCancel(r.Context())
	_, err = s.app.StartStream(ctx, sessionID, messageID, req.Text, app.StreamMetadata{
		Sources:    req.Sources,
		Confidence: req.Confidence,
	})
	switch {
	case errors.Is(err, app.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, app.ErrSessionBusy), errors.Is(err, app.ErrNotStreamTarget):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, app.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"sessionId": sessionID, "messageId": messageID})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	sessionID := r.PathValue("id")
	if _, ok := s.store.Session(sessionID); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if s.askLimiter != nil && !s.askLimiter.Allow(r.Context(), "ask:"+util.ClientIP(r, s.trustedProxies)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	// The answer outlives the request; keep its values but drop its deadline.
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.app.StartQuestion(ctx, sessionID, question, strings.TrimSpace(req.DocID)); err != nil {
		switch {
		case errors.Is(err, app.ErrSessionBusy):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sessionID})
}

func (s *Server) handleGetSidebar(w http.ResponseWriter, r *http.Request) {
	data, ok, err := s.prefs.Get(r.Context(), sidebarKey)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("read sidebar preference failed", "err", err)
		writeError(w, http.StatusInternalServerError, "preference unavailable")
		return
	}
	collapsed := false
	if ok {
		if err := json.Unmarshal(data, &collapsed); err != nil {
			util.LoggerFromContext(r.Context()).Warn("decode sidebar preference failed, using default", "err", err)
			collapsed = false
		}
	}
	writeJSON(w, http.StatusOK, sidebarPreference{Collapsed: &collapsed})
}

func (s *Server) handleSetSidebar(w http.ResponseWriter, r *http.Request) {
	var req sidebarPreference
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Collapsed == nil {
		writeError(w, http.StatusBadRequest, "collapsed is required")
		return
	}
	data, _ := json.Marshal(*req.Collapsed)
	if err := s.prefs.Put(r.Context(), sidebarKey, data); err != nil {
		util.LoggerFromContext(r.Context()).Error("write sidebar preference failed", "err", err)
		writeError(w, http.StatusInternalServerError, "preference unavailable")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func findMessage(st *store.Store, sessionID string, messageID int) (domain.Message, bool) {
	sess, ok := st.Session(sessionID)
	if !ok {
		return domain.Message{}, false
	}
	for _, m := range sess.Messages {
		if m.ID == messageID {
			return m, true
		}
	}
	return domain.Message{}, false
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
