// Package server wires the HTTP handlers into a ServeMux for the chatrelay
// application via routing helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application routes:
// health check, the WebSocket endpoint, the account endpoints, conversation
// history, and static attachment serving.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("GET /ws", g.WebSocketHandler)
	mux.HandleFunc("POST /register", g.RegisterHandler)
	mux.HandleFunc("POST /login", g.LoginHandler)
	mux.HandleFunc("POST /logout", g.LogoutHandler)
	mux.HandleFunc("GET /profile", g.ProfileHandler)
	mux.HandleFunc("GET /people", g.PeopleHandler)
	mux.HandleFunc("GET /messages/{userId}", g.MessagesHandler)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(g.uploadDir))))
	return mux
}
