package database

import (
	"fmt"
	"strings"
	"time"
)

// Issuance log actions
const (
	ActionIssued  = "issued"
	ActionRevoked = "revoked"
)

// IssuanceRecord is one locally recorded issue or revoke call
type IssuanceRecord struct {
	ID         int64     `json:"id"`
	ClientID   string    `json:"clientId"`
	BadgeID    string    `json:"badgeId"`
	Action     string    `json:"action"`
	Recipients []string  `json:"recipients"`
	EventID    string    `json:"eventId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RecordIssuance appends a record to the issuance log
func (db *DB) RecordIssuance(rec *IssuanceRecord) error {
	if rec.Action != ActionIssued && rec.Action != ActionRevoked {
		return fmt.Errorf("invalid issuance action: %q", rec.Action)
	}

	query := db.rebind(`
		INSERT INTO issuance_log (client_id, badge_id, action, recipients, event_id)
		VALUES (?, ?, ?, ?, ?)
	`)

	_, err := db.conn.Exec(query, rec.ClientID, rec.BadgeID, rec.Action,
		strings.Join(rec.Recipients, "|"), rec.EventID)
	if err != nil {
		return fmt.Errorf("failed to record %s for badge %s: %w", rec.Action, rec.BadgeID, err)
	}

	return nil
}

// ListIssuance returns the newest records first, optionally filtered by badge
func (db *DB) ListIssuance(badgeID string, limit int) ([]IssuanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, client_id, badge_id, action, recipients, COALESCE(event_id, ''), created_at
		FROM issuance_log`
	args := []interface{}{}
	if badgeID != "" {
		query += " WHERE badge_id = ?"
		args = append(args, badgeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issuance log: %w", err)
	}
	defer rows.Close()

	var records []IssuanceRecord
	for rows.Next() {
		var rec IssuanceRecord
		var recipients string
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.BadgeID, &rec.Action,
			&recipients, &rec.EventID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issuance row: %w", err)
		}
		if recipients != "" {
			rec.Recipients = strings.Split(recipients, "|")
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issuance rows: %w", err)
	}

	return records, nil
}
