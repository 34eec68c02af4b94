package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/projector"
)

var upgrader = websocket.Upgrader{}

// feedCommand is what a connected client may ask of its projector.
type feedCommand struct {
	Action   string             `json:"action"` // "switch" | "refresh"
	Category projector.Category `json:"category,omitempty"`
}

// handleFeed runs one observer's feed session: a per-session projector fed
// from the broker, snapshots pushed after every applied event, commands
// read from the socket. Closing the socket tears the subscription down.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role := projector.Role(vars["role"])
	userID := vars["user_id"]
	if role != projector.RoleRequester && role != projector.RoleProvider {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	defer conn.Close()

	proj := projector.New(role, userID, &projector.StoreFetcher{Store: s.Store}, s.logger)
	defer proj.Close()

	// A completed authoritative refresh pushes a fresh snapshot, so a new
	// observer sees their existing rides without waiting for an event.
	refreshed := make(chan struct{}, 1)
	proj.OnRefresh(func() {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})

	if cat := projector.Category(r.URL.Query().Get("category")); cat != "" {
		proj.SetActive(cat)
	} else {
		proj.SetActive(proj.Active())
	}

	sub := s.Broker.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	defer close(done)
	cmds := make(chan feedCommand)
	go func() {
		defer close(cmds)
		for {
			var cmd feedCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			select {
			case cmds <- cmd:
			case <-done:
				return
			}
		}
	}()

	if err := conn.WriteJSON(proj.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			proj.Apply(ev)
		case <-refreshed:
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			switch cmd.Action {
			case "switch":
				proj.SetActive(cmd.Category)
			case "refresh":
				if err := proj.RefreshActive(r.Context()); err != nil {
					s.logger.Warn("manual refresh failed", "user_id", userID, "error", err)
				}
			}
		}
		if err := conn.WriteJSON(proj.Snapshot()); err != nil {
			return
		}
	}
}

// handleNotifySocket registers a websocket session for alert delivery.
func (s *Server) handleNotifySocket(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Notify.Add(userID, conn)
	go func() {
		defer s.Notify.Remove(userID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
