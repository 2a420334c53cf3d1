package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/RichardoC/convo/internal/db"
	"github.com/RichardoC/convo/internal/exchange"
	"github.com/RichardoC/convo/internal/models"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100

	detailNotFound = "Conversation not found"
	detailInternal = "Internal server error"
)

// Store is the conversation store as seen by the management endpoints.
type Store interface {
	CreateConversation(ctx context.Context, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, offset, limit int) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id int64) error
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	Ping(ctx context.Context) error
}

type Exchanger interface {
	SendMessage(ctx context.Context, req exchange.Request) (*models.Message, error)
}

type Handler struct {
	store    Store
	exchange Exchanger
	logger   *zap.Logger
}

func NewHandler(store Store, exchanger Exchanger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:    store,
		exchange: exchanger,
		logger:   logger,
	}
}

type MessageRequest struct {
	Content        *string `json:"content"`
	Role           string  `json:"role"`
	ConversationID *int64  `json:"conversation_id"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conversation, err := h.store.CreateConversation(r.Context(), req.Title)
	if err != nil {
		h.logger.Error("Failed to create conversation", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, detailInternal)
		return
	}

	h.writeJSON(w, http.StatusOK, conversation)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	conversations, err := h.store.ListConversations(r.Context(), offset, limit)
	if err != nil {
		h.logger.Error("Failed to list conversations",
			zap.Error(err),
			zap.Int("offset", offset),
			zap.Int("limit", limit))
		h.writeError(w, http.StatusInternalServerError, detailInternal)
		return
	}

	h.logger.Debug("Retrieved conversations", zap.Int("count", len(conversations)))
	h.writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	conversation, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		h.writeStoreError(w, err, "Failed to get conversation", convID)
		return
	}

	h.writeJSON(w, http.StatusOK, conversation)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteConversation(r.Context(), convID); err != nil {
		h.writeStoreError(w, err, "Failed to delete conversation", convID)
		return
	}

	h.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	messages, err := h.store.ListMessages(r.Context(), convID)
	if err != nil {
		h.writeStoreError(w, err, "Failed to get messages", convID)
		return
	}

	h.writeJSON(w, http.StatusOK, messages)
}

// HandleMessage runs a full exchange for POST /messages.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}
	h.sendMessage(w, r, req.ConversationID, req)
}

// HandleConversationMessage runs a full exchange against the conversation
// named in the path.
func (h *Handler) HandleConversationMessage(w http.ResponseWriter, r *http.Request) {
	convID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}
	h.sendMessage(w, r, &convID, req)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, convID *int64, req MessageRequest) {
	reply, err := h.exchange.SendMessage(r.Context(), exchange.Request{
		ConversationID: convID,
		Content:        *req.Content,
		Role:           req.Role,
	})
	if err != nil {
		var id int64
		if convID != nil {
			id = *convID
		}
		h.writeStoreError(w, err, "Failed to process message", id)
		return
	}

	h.writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("Health check failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) decodeMessage(w http.ResponseWriter, r *http.Request) (MessageRequest, bool) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.Content == nil {
		h.writeError(w, http.StatusBadRequest, "content is required")
		return req, false
	}
	return req, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, msg string, convID int64) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, detailNotFound)
		return
	}
	h.logger.Error(msg, zap.Error(err), zap.Int64("conversation_id", convID))
	h.writeError(w, http.StatusInternalServerError, detailInternal)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	h.writeJSON(w, status, errorResponse{Detail: detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
