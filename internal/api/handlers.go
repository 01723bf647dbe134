package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/chatrun/internal/run"
	"github.com/KafClaw/chatrun/internal/store"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type postMessageRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

type postMessageResponse struct {
	MessageID string `json:"message_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	conv, err := s.store.CreateConversation(r.Context(), &store.Conversation{UserID: userFrom(r), Title: req.Title})
	if err != nil {
		slog.Error("Create conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create conversation")
		return
	}
	slog.Info("Conversation created", "user_id", conv.UserID, "conversation_id", conv.ID)
	writeJSON(w, http.StatusCreated, conv)
}

// ownedConversation loads the path conversation and checks it belongs to the
// caller. It writes the error response and returns nil on failure.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.UserID != userFrom(r)) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return nil
	}
	if err != nil {
		slog.Error("Load conversation failed", "conversation_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return nil
	}
	return conv
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	sub, err := s.runs.Submit(r.Context(), conv.ID, req.Text, req.Metadata)
	if sub == nil {
		slog.Error("Post message failed", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store message")
		return
	}
	resp := postMessageResponse{MessageID: sub.Message.ID, RunID: sub.Run.ID, Status: string(sub.Run.Status)}
	if err != nil {
		// The message and run are committed; the run can be re-enqueued.
		slog.Error("Run stored but not enqueued", "run_id", sub.Run.ID, "conversation_id", conv.ID, "error", err)
		resp.Error = "run stored but not enqueued"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	slog.Info("User message posted, agent run queued", "conversation_id", conv.ID,
		"message_id", sub.Message.ID, "run_id", sub.Run.ID, "job_id", sub.Job.JobID)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}
	filter, err := parseMessageFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), conv.ID, filter)
	if err != nil {
		slog.Error("List messages failed", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	slog.Debug("Messages retrieved", "conversation_id", conv.ID, "count", len(msgs))
	writeJSON(w, http.StatusOK, msgs)
}

func parseMessageFilter(r *http.Request) (store.MessageFilter, error) {
	q := r.URL.Query()
	f := store.MessageFilter{AfterID: q.Get("after_id"), Limit: DefaultListLimit}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxListLimit {
			return f, errors.New("limit must be between 1 and 500")
		}
		f.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.Since = &t
	}
	return f, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		slog.Error("Load run failed", "run_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	if !s.owns(w, r, rn.ConversationID, "Not authorized to view this run") {
		return
	}
	rn.LastError = run.Truncate(rn.LastError, run.MaxErrorLength)
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMedia(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Media not found")
		return
	}
	if err != nil {
		slog.Error("Load media failed", "media_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load media")
		return
	}
	if !s.owns(w, r, m.ConversationID, "Not authorized to access this media") {
		return
	}

	f, err := os.Open(m.StoragePath)
	if err != nil {
		slog.Error("Media file not found on disk", "media_id", id, "storage_path", m.StoragePath, "error", err)
		writeError(w, http.StatusNotFound, "Media file not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", m.MediaType)
	w.Header().Set("Content-Disposition", `inline; filename="`+m.ID+`.png"`)
	http.ServeContent(w, r, m.ID+".png", m.CreatedAt, f)
}

// owns checks that the conversation belongs to the caller, writing 403 when
// it does not.
func (s *Server) owns(w http.ResponseWriter, r *http.Request, conversationID, detail string) bool {
	conv, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		slog.Error("Load conversation failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return false
	}
	if conv.UserID != userFrom(r) {
		writeError(w, http.StatusForbidden, detail)
		return false
	}
	return true
}
