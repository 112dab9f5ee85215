package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/altiqa/helpchat/internal/chat"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/retrieve"
	"github.com/altiqa/helpchat/internal/translate"
)

// maxChatBodyBytes bounds request bodies; queries are short.
const maxChatBodyBytes = 64 * 1024

type chatHandler struct {
	service *chat.Service
	logger  *slog.Logger
}

// chatRequest is the wire shape of POST /api/v1/chat.
type chatRequest struct {
	Query          string          `json:"query"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserContext    userContextBody `json:"user_context"`
}

type userContextBody struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Language    string   `json:"language,omitempty"`
	CurrentPage string   `json:"current_page,omitempty"`
}

// chatResponseBody is the wire shape of a chat answer. The same shape is
// served whether the grounded path or the fallback path produced it.
type chatResponseBody struct {
	Message          string         `json:"message"`
	Citations        []citationBody `json:"citations"`
	Confidence       float64        `json:"confidence"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	InteractionID    string         `json:"interaction_id"`
}

type citationBody struct {
	Title    string `json:"title"`
	Category string `json:"category"`
}

func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	body := http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", h.logger)
			return
		}
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}
	_, _ = io.Copy(io.Discard, body)

	user, err := parseUserContext(req.UserContext)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_user_context", err.Error(), h.logger)
		return
	}

	resp, err := h.service.Process(r.Context(), req.Query, user, req.ConversationID)
	if err != nil {
		var rlErr *chat.RateLimitError
		switch {
		case errors.Is(err, chat.ErrEmptyQuery):
			WriteError(w, http.StatusBadRequest, "empty_query", "query must not be empty", h.logger)
		case errors.As(err, &rlErr):
			w.Header().Set("Retry-After", strconv.Itoa(int(rlErr.RetryAfter.Seconds())+1))
			WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", h.logger)
		default:
			// Process absorbs pipeline failures; reaching here is a bug, but
			// the client still gets structured JSON.
			h.logger.Error("unexpected process error", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		}
		return
	}

	citations := make([]citationBody, len(resp.Citations))
	for i, c := range resp.Citations {
		citations[i] = citationBody{Title: c.Title, Category: c.Category.String()}
	}
	writeJSON(w, http.StatusOK, chatResponseBody{
		Message:          resp.Message,
		Citations:        citations,
		Confidence:       resp.Confidence,
		ProcessingTimeMS: resp.ProcessingTime.Milliseconds(),
		InteractionID:    resp.InteractionID,
	})
}

// feedbackRequest attaches user feedback to a past interaction.
type feedbackRequest struct {
	InteractionID string `json:"interaction_id"`
	Feedback      string `json:"feedback"`
}

func (h *chatHandler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}
	if req.InteractionID == "" || req.Feedback == "" {
		WriteError(w, http.StatusBadRequest, "missing_fields", "interaction_id and feedback are required", h.logger)
		return
	}

	if err := h.service.Feedback(r.Context(), req.InteractionID, req.Feedback); err != nil {
		WriteError(w, http.StatusNotFound, "unknown_interaction", "no such interaction", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// parseUserContext validates roles and language against their closed sets.
func parseUserContext(body userContextBody) (retrieve.UserContext, error) {
	if body.UserID == "" {
		return retrieve.UserContext{}, errors.New("user_id is required")
	}
	if len(body.Roles) == 0 {
		return retrieve.UserContext{}, errors.New("at least one role is required")
	}

	roles := make([]knowledge.Role, len(body.Roles))
	for i, raw := range body.Roles {
		role, err := knowledge.ParseRole(raw)
		if err != nil {
			return retrieve.UserContext{}, err
		}
		roles[i] = role
	}

	lang, err := translate.ParseLanguage(body.Language)
	if err != nil {
		return retrieve.UserContext{}, err
	}

	return retrieve.UserContext{
		UserID:      body.UserID,
		Roles:       roles,
		Language:    lang,
		CurrentPage: body.CurrentPage,
	}, nil
}
