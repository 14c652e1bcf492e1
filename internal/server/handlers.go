// Package server exposes the HTTP surface: the authenticated WebSocket
// upgrade, the account endpoints, conversation history, and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"chatrelay/internal/identity"
	"chatrelay/internal/store"
)

const tokenCookie = "token"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

var validate = validator.New()

// IdentityVerifier validates an opaque bearer token and yields the identity
// it speaks for.
type IdentityVerifier interface {
	Verify(token string) (identity.Identity, error)
}

// TokenIssuer signs a token for a freshly authenticated identity.
type TokenIssuer interface {
	Issue(id identity.Identity) (string, error)
}

// TokenService both issues and verifies tokens.
type TokenService interface {
	IdentityVerifier
	TokenIssuer
}

// UserDirectory is the account store behind the registration and login
// endpoints.
type UserDirectory interface {
	Create(username, password string) (store.User, error)
	Authenticate(username, password string) (store.User, error)
	List() ([]store.User, error)
}

// ConversationLog reads back the history between two users, oldest first.
type ConversationLog interface {
	Conversation(a, b string) ([]store.Message, error)
}

// Gateway binds the HTTP handlers to the hub and its collaborators.
type Gateway struct {
	hub       *Hub
	tokens    TokenService
	users     UserDirectory
	history   ConversationLog
	uploadDir string
}

// NewGateway creates a Gateway serving the full HTTP surface.
func NewGateway(hub *Hub, tokens TokenService, users UserDirectory, history ConversationLog, uploadDir string) *Gateway {
	return &Gateway{
		hub:       hub,
		tokens:    tokens,
		users:     users,
		history:   history,
		uploadDir: uploadDir,
	}
}

// WebSocketHandler authenticates the handshake's token cookie and upgrades
// the connection. Requests without a valid token are rejected before the
// upgrade, so no frame is ever sent and no partial state is registered.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	id, status, err := g.identityFromRequest(r)
	if err != nil {
		log.Printf("Refusing WebSocket connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The hub launches the pump goroutines on registration.
	g.hub.register <- NewClient(conn, g.hub, r.RemoteAddr, id)
}

// HealthHandler provides a simple health check endpoint.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay server is running!")
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RegisterHandler creates an account, signs a token, and sets it as a cookie.
func (g *Gateway) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	user, err := g.users.Create(req.Username, req.Password)
	if errors.Is(err, store.ErrUserExists) {
		http.Error(w, "username already taken", http.StatusConflict)
		return
	}
	if err != nil {
		log.Printf("Registration failed for %q: %v", req.Username, err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	if !g.issueCookie(w, user) {
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]string{"id": user.ID})
}

// LoginHandler verifies credentials and sets a fresh token cookie.
func (g *Gateway) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	user, err := g.users.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrBadCredentials):
		http.Error(w, "wrong credentials", http.StatusUnauthorized)
		return
	case err != nil:
		log.Printf("Login failed for %q: %v", req.Username, err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	if !g.issueCookie(w, user) {
		return
	}
	writeJSON(w, map[string]string{"id": user.ID})
}

// LogoutHandler clears the token cookie.
func (g *Gateway) LogoutHandler(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, "ok")
}

// ProfileHandler echoes the identity bound to the request's token.
func (g *Gateway) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	id, status, err := g.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", status)
		return
	}
	writeJSON(w, map[string]string{"userId": id.UserID, "username": id.DisplayName})
}

// PeopleHandler lists every registered user, online or not.
func (g *Gateway) PeopleHandler(w http.ResponseWriter, r *http.Request) {
	if _, status, err := g.identityFromRequest(r); err != nil {
		http.Error(w, "unauthorized", status)
		return
	}

	users, err := g.users.List()
	if err != nil {
		log.Printf("Listing users failed: %v", err)
		http.Error(w, "listing users failed", http.StatusInternalServerError)
		return
	}

	type person struct {
		ID       string `json:"_id"`
		Username string `json:"username"`
	}
	writeJSON(w, lo.Map(users, func(u store.User, _ int) person {
		return person{ID: u.ID, Username: u.Username}
	}))
}

// MessagesHandler returns the requester's conversation with the given peer,
// oldest first.
func (g *Gateway) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, status, err := g.identityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", status)
		return
	}

	peer := r.PathValue("userId")
	messages, err := g.history.Conversation(id.UserID, peer)
	if err != nil {
		log.Printf("Reading conversation %s/%s failed: %v", id.UserID, peer, err)
		http.Error(w, "reading conversation failed", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, messages)
}

// identityFromRequest resolves the token cookie into an identity, reporting
// the HTTP status to use on failure.
func (g *Gateway) identityFromRequest(r *http.Request) (identity.Identity, int, error) {
	cookie, err := r.Cookie(tokenCookie)
	if err != nil || cookie.Value == "" {
		return identity.Identity{}, http.StatusUnauthorized, errors.New("no token cookie")
	}
	id, err := g.tokens.Verify(cookie.Value)
	if err != nil {
		return identity.Identity{}, http.StatusForbidden, err
	}
	return id, 0, nil
}

func (g *Gateway) issueCookie(w http.ResponseWriter, user store.User) bool {
	token, err := g.tokens.Issue(identity.Identity{UserID: user.ID, DisplayName: user.Username})
	if err != nil {
		log.Printf("Signing token for %s failed: %v", user.Username, err)
		http.Error(w, "signing token failed", http.StatusInternalServerError)
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}
