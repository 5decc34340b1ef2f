package api

import (
	"obf-bridge/internal/database"
	"obf-bridge/internal/enrollment"
)

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Code      int    `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EnrollRequest carries the enrollment token pasted from the badge factory
type EnrollRequest struct {
	Token string `json:"token"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	enrollment.Status
	WebSocketClients int `json:"websocket_clients"`
}

// PingResponse reports the outcome of an authenticated ping
type PingResponse struct {
	OK bool `json:"ok"`
}

// IssueBadgeRequest is the body of POST /badges/{id}/issue
type IssueBadgeRequest struct {
	Recipients   []string               `json:"recipients"`
	IssuedOn     int64                  `json:"issued_on,omitempty"`
	EmailSubject string                 `json:"email_subject,omitempty"`
	EmailBody    string                 `json:"email_body,omitempty"`
	EmailFooter  string                 `json:"email_footer,omitempty"`
	LogEntry     map[string]interface{} `json:"log_entry,omitempty"`
}

// RevokeEventRequest is the optional body of DELETE /events/{id}; emails may
// also be given as repeated email query parameters
type RevokeEventRequest struct {
	Emails []string `json:"emails"`
}

// ActionResponse acknowledges a write operation
type ActionResponse struct {
	BadgeID    string   `json:"badge_id,omitempty"`
	EventID    string   `json:"event_id,omitempty"`
	Recipients []string `json:"recipients"`
}

// HistoryResponse lists local issuance log entries
type HistoryResponse struct {
	Records []database.IssuanceRecord `json:"records"`
}
