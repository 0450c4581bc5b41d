package ws

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg/logger"
	"github.com/akinalp/chatsync/pkg/ratelimit"
)

// TokenValidator is the slice of pkg/token the handler needs.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)
}

// Handler upgrades relay connections and attaches them to the Hub.
type Handler struct {
	hub            *Hub
	tokenValidator TokenValidator
	members        MembershipSource
	limiter        *ratelimit.ConnectLimiter
	upgrader       websocket.Upgrader
	log            zerolog.Logger
}

// NewHandler, constructor. allowedOrigins restricts browser origins; "*"
// or an empty list allows any. limiter may be nil. Without members the
// relay refuses subscriptions to channel, message and reaction rows.
func NewHandler(hub *Hub, tokenValidator TokenValidator, members MembershipSource, limiter *ratelimit.ConnectLimiter, allowedOrigins []string, log zerolog.Logger) *Handler {
	h := &Handler{
		hub:            hub,
		tokenValidator: tokenValidator,
		members:        members,
		limiter:        limiter,
		log:            logger.Component(log, "ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		if origin == "" || len(set) == 0 {
			return true
		}
		return set[origin]
	}
}

// HandleConnection upgrades the request and runs the connection's pumps.
//
// Browsers cannot set headers on a websocket handshake, so the token comes
// in the query string:
//
//	ws://relay/ws?token=JWT
//
// 1. Per-IP connect limit
// 2. Token from the query, JWT check
// 3. HTTP → websocket upgrade
// 4. Register the client with the hub
// 5. WritePump in a goroutine, ReadPump blocks here
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// 1.
	if h.limiter != nil {
		ip := ratelimit.ExtractIP(r)
		if !h.limiter.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(h.limiter.RetryAfterSeconds(ip)))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	// 2.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.tokenValidator.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// 3.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", claims.UserID).Msg("upgrade failed")
		return
	}

	// 4.
	client := newClient(h.hub, conn, claims.UserID, h.members)
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	// 5.
	go client.WritePump()
	client.ReadPump()
}
