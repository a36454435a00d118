package handlers

import (
	"net/http"
	"time"
)

var startTime = time.Now()

func Health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    int64(time.Since(startTime).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
