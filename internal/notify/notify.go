// Package notify delivers user-facing alerts triggered by the transition
// engine: status changes and low-balance warnings.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	KindStatusChange = "status_change"
	KindLowBalance   = "low_balance"
)

// Notification is the trigger payload pushed to an observer.
type Notification struct {
	RideID  string         `json:"ride_id"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Session is one connected client.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(n)
}

// Dispatcher holds websocket sessions per user and falls back to a webhook
// POST for users without a live connection. Delivery is best-effort; the
// change feed and manual refresh carry the authoritative state.
type Dispatcher struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	WebhookURL string // optional fallback endpoint
	Client     *http.Client
	Logger     *slog.Logger
}

func NewDispatcher(webhookURL string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions:   make(map[string]*Session),
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 3 * time.Second},
		Logger:     logger,
	}
}

func (d *Dispatcher) Add(userID string, conn *websocket.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[userID] = &Session{conn: conn}
}

func (d *Dispatcher) Remove(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, userID)
}

// StatusChanged implements lifecycle.Notifier.
func (d *Dispatcher) StatusChanged(rideID string, oldStatus, newStatus models.RideStatus, observerID string) {
	observability.NotificationsTotal.WithLabelValues(KindStatusChange).Inc()
	d.deliver(observerID, Notification{
		RideID:  rideID,
		Kind:    KindStatusChange,
		Message: fmt.Sprintf("ride %s is now %s", rideID, newStatus),
		Details: map[string]any{"old_status": oldStatus, "new_status": newStatus},
	})
}

// LowBalance implements lifecycle.Notifier. The engine fires it once per
// threshold crossing.
func (d *Dispatcher) LowBalance(rideID, accountID string, newBalance, threshold float64) {
	observability.NotificationsTotal.WithLabelValues(KindLowBalance).Inc()
	d.deliver(accountID, Notification{
		RideID:  rideID,
		Kind:    KindLowBalance,
		Message: fmt.Sprintf("account balance %.2f is below %.2f", newBalance, threshold),
		Details: map[string]any{"account_id": accountID, "balance": newBalance, "threshold": threshold},
	})
}

func (d *Dispatcher) deliver(userID string, n Notification) {
	d.mu.RLock()
	s, ok := d.sessions[userID]
	d.mu.RUnlock()
	if ok {
		err := s.Send(n)
		if err == nil {
			return
		}
		d.Logger.Warn("ws notification send failed", "user_id", userID, "error", err)
	}
	if d.WebhookURL == "" {
		return
	}
	body, _ := json.Marshal(map[string]any{"user_id": userID, "notification": n})
	resp, err := d.Client.Post(d.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		d.Logger.Warn("webhook notification failed", "user_id", userID, "error", err)
		return
	}
	_ = resp.Body.Close()
}
