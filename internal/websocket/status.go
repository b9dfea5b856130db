package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/luciancaetano/relayhub/internal/room"
)

// statusPayload is the read-only aggregation served by /status. Everything
// here is derived from registry state on each request.
type statusPayload struct {
	Status        string        `json:"status"`
	Mode          string        `json:"mode"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
	Rooms         int           `json:"rooms"`
	Connections   int           `json:"connections"`
	RoomStatus    []room.Status `json:"roomStatus"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	connections := 0
	s.clients.Range(func(_, _ interface{}) bool {
		connections++
		return true
	})

	payload := statusPayload{
		Status:        "ok",
		Mode:          s.cfg.Mode,
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Rooms:         s.registry.Count(),
		Connections:   connections,
		RoomStatus:    s.registry.Statuses(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode", http.StatusInternalServerError)
	}
}
