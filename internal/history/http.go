package history

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/membership"
	"github.com/parley/chat-app/internal/metrics"
)

// wireMessage is the JSON shape of one history message.
type wireMessage struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// pageResponse is the JSON body of a history page.
type pageResponse struct {
	Messages []wireMessage `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// Handler serves GET /rooms/{roomID}/messages. Requests authenticate with
// the same bearer credential as the WebSocket handshake and membership is
// re-checked per request.
type Handler struct {
	service       *Service
	authenticator *auth.Authenticator
	gate          *membership.Gate
}

// NewHandler creates the history HTTP handler.
func NewHandler(service *Service, authenticator *auth.Authenticator, gate *membership.Gate) *Handler {
	return &Handler{service: service, authenticator: authenticator, gate: gate}
}

// ServeHTTP implements http.Handler. Register under "GET /rooms/{roomID}/messages".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if roomID == "" {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	principal, err := h.authenticate(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.gate.Authorize(r.Context(), principal.UserID, roomID); err != nil {
		writeError(w, http.StatusForbidden, "not a member of room")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	before := r.URL.Query().Get("before")

	start := time.Now()
	page, err := h.service.FetchPage(r.Context(), roomID, limit, before)
	metrics.HistoryFetchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrCursorNotFound) {
			writeError(w, http.StatusNotFound, "cursor message not found")
			return
		}
		log.Printf("history: fetch page room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	resp := pageResponse{
		Messages: make([]wireMessage, 0, len(page.Messages)),
		HasMore:  page.HasMore,
	}
	for _, msg := range page.Messages {
		resp.Messages = append(resp.Messages, wireMessage{
			ID:        msg.ID,
			RoomID:    msg.RoomID,
			UserID:    msg.UserID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.UnixMilli(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// authenticate extracts and verifies the bearer token.
func (h *Handler) authenticate(ctx context.Context, r *http.Request) (*auth.Principal, error) {
	header := r.Header.Get("Authorization")
	credential := ""
	if strings.HasPrefix(header, "Bearer ") {
		credential = strings.TrimPrefix(header, "Bearer ")
	}
	return h.authenticator.Authenticate(ctx, credential)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
