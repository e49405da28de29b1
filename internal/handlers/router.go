package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/auth"
	"github.com/pliu/msgsync/internal/middleware"
	"github.com/pliu/msgsync/internal/store"
	"github.com/pliu/msgsync/internal/ws"
)

// MessagesPrefix is where the message API is mounted.
const MessagesPrefix = "/api/messages"

// NewRouter wires every dev server endpoint.
func NewRouter(st store.Store, hub *ws.Hub, issuer *auth.Issuer, log *zap.Logger) *mux.Router {
	authHandler := &AuthHandler{Store: st, Issuer: issuer, Log: log}
	msgHandler := &MessageHandler{Store: st, Hub: hub, Log: log}
	requireAuth := middleware.AuthMiddleware(issuer)

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))

	r.HandleFunc("/api/auth/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")

	api := r.PathPrefix(MessagesPrefix).Subrouter()
	api.Use(requireAuth)
	api.HandleFunc("/conversations", msgHandler.ListConversations).Methods("GET")
	api.HandleFunc("/conversation/{username}", msgHandler.GetConversation).Methods("GET")
	api.HandleFunc("/conversation/{username}", msgHandler.DeleteConversation).Methods("DELETE")
	api.HandleFunc("/send/{username}", msgHandler.Send).Methods("POST")
	api.HandleFunc("/read/{username}", msgHandler.MarkRead).Methods("PUT")
	api.HandleFunc("/unread-count", msgHandler.UnreadCount).Methods("GET")
	api.HandleFunc("/users/username/{username}", authHandler.GetUserByUsername).Methods("GET")
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")

	// WebSocket Endpoint
	r.Handle("/ws", requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r, middleware.UserID(r))
	})))

	return r
}
