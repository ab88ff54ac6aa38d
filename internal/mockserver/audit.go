package mockserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Account event types
const (
	EventRegistered  = "registered"
	EventLogin       = "login"
	EventLoginFailed = "login_failed"
	EventTrial       = "trial"
	EventLogout      = "logout"
	EventBotStarted  = "bot_started"
	EventBotStopped  = "bot_stopped"
)

// Event is one entry of the account audit trail
type Event struct {
	ID         string
	Type       string
	UserID     string
	Detail     json.RawMessage
	RemoteAddr string
	CreatedAt  time.Time
}

// RecordEvent appends an event to the audit trail
func (s *Store) RecordEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	detail := "{}"
	if len(ev.Detail) > 0 {
		detail = string(ev.Detail)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_events (id, type, user_id, detail, remote_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.Type, ev.UserID, detail, ev.RemoteAddr, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Events returns up to limit of a user's most recent events, newest first
func (s *Store) Events(ctx context.Context, userID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, user_id, detail, remote_addr, created_at
		FROM account_events WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.UserID, &detail, &ev.RemoteAddr, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			ev.Detail = json.RawMessage(detail.String)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// audit records an event for the request's user. Failures are logged only.
func (s *Server) audit(r *http.Request, eventType, userID string, detail map[string]interface{}) {
	ev := &Event{Type: eventType, UserID: userID, RemoteAddr: r.RemoteAddr}
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			ev.Detail = data
		}
	}
	if err := s.store.RecordEvent(r.Context(), ev); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("audit failed")
	}
}
