package handlers

import (
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/shellgate/shellgate/internal/assistant"
	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/broker"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/sshconn"
)

// Injected from main.
var (
	Manager *sshconn.Manager
	Assist  *assistant.Bridge
)

// TerminalStream upgrades to a websocket and runs a session broker for its
// lifetime. The token arrives via the Authorization header or the ?token=
// query parameter; browsers cannot set headers on websocket handshakes.
func TerminalStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	token := middleware.BearerToken(r)
	if token == "" {
		conn.Close(4401, "Authentication required")
		return
	}
	claims, err := auth.VerifyToken(token)
	if err != nil {
		conn.Close(4401, "Invalid token")
		return
	}
	user, err := database.GetUserByID(claims.UserID)
	if err != nil {
		conn.Close(4401, "Invalid token")
		return
	}

	conn.SetReadLimit(1024 * 1024)

	b := broker.New(user.ID, conn, Manager, Profiles, Assist)
	b.Run(r.Context())

	conn.Close(websocket.StatusNormalClosure, "")
}
