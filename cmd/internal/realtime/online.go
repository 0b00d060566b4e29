package realtime

import (
	"encoding/json"
	"net/http"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// OnlineHandler serves GET /v1/online with the current roster.
func OnlineHandler(registry *ConnectionRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(v1.OnlineUsersPayload{UserIDs: registry.OnlineUsers()})
	})
}
