package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/middleware"
	"github.com/pliu/msgsync/internal/store"
	"github.com/pliu/msgsync/internal/ws"
)

type MessageHandler struct {
	Store store.Store
	Hub   *ws.Hub
	Log   *zap.Logger
}

type SendRequest struct {
	Content string `json:"content"`
}

// peer resolves the {username} route variable. It writes the error response itself and
// returns nil when the request cannot proceed.
func (h *MessageHandler) peer(w http.ResponseWriter, r *http.Request) *store.Account {
	acct, err := h.Store.GetUserByUsername(mux.Vars(r)["username"])
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return nil
	}
	return acct
}

func (h *MessageHandler) serverError(w http.ResponseWriter, event string, err error) {
	logger(h.Log).Error(event, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (h *MessageHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.Store.GetConversations(middleware.UserID(r))
	if err != nil {
		h.serverError(w, "list_conversations_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *MessageHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	peer := h.peer(w, r)
	if peer == nil {
		return
	}
	msgs, err := h.Store.GetConversation(middleware.UserID(r), peer.ID)
	if err != nil {
		h.serverError(w, "get_conversation_failed", err)
		return
	}
	if msgs == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)
	peer := h.peer(w, r)
	if peer == nil {
		return
	}
	if peer.ID == userID {
		http.Error(w, "Cannot message yourself", http.StatusBadRequest)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Content is required", http.StatusBadRequest)
		return
	}

	msg, err := h.Store.SaveMessage(userID, peer.ID, req.Content)
	if err != nil {
		h.serverError(w, "save_message_failed", err)
		return
	}

	if h.Hub != nil {
		h.Hub.ConversationUpdated(peer.ID, userID)
		h.Hub.ConversationUpdated(userID, peer.ID)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	peer := h.peer(w, r)
	if peer == nil {
		return
	}
	if err := h.Store.DeleteConversation(middleware.UserID(r), peer.ID); err != nil {
		h.serverError(w, "delete_conversation_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	peer := h.peer(w, r)
	if peer == nil {
		return
	}
	if _, err := h.Store.MarkRead(middleware.UserID(r), peer.ID); err != nil {
		h.serverError(w, "mark_read_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.UnreadCount(middleware.UserID(r))
	if err != nil {
		h.serverError(w, "unread_count_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}
