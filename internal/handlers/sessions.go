package handlers

import (
	"log"
	"net/http"

	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/middleware"
)

// ListSessions returns this user's terminal session history, newest first,
// including disconnected sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sessions, err := database.ListSessions(user.ID)
	if err != nil {
		log.Printf("List sessions for %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if sessions == nil {
		sessions = []database.TerminalSession{}
	}
	writeSuccess(w, http.StatusOK, sessions)
}
