package client

import (
	"encoding/json"
	"strconv"
)

// FlexBool decodes booleans the API sends as true, 1, "1" or "true"
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
	case float64:
		*b = v != 0
	case string:
		parsed, err := strconv.ParseBool(v)
		*b = FlexBool(err == nil && parsed)
	default:
		*b = false
	}
	return nil
}

// Badge is a badge definition owned by the client
type Badge struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Image        string   `json:"image,omitempty"`
	CSS          string   `json:"css,omitempty"`
	CriteriaHTML string   `json:"criteria_html,omitempty"`
	EmailSubject string   `json:"email_subject,omitempty"`
	EmailBody    string   `json:"email_body,omitempty"`
	EmailFooter  string   `json:"email_footer,omitempty"`
	Category     []string `json:"category,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Draft        FlexBool `json:"draft"`

	// Expires is the validity period in months, 0 for badges that never expire
	Expires  int   `json:"expires,omitempty"`
	Created  int64 `json:"ctime,omitempty"`
	Modified int64 `json:"mtime,omitempty"`
}

// Issuer is the organisation the client issues badges as
type Issuer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Email       string `json:"email,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Assertion is an issuance event: one badge awarded to a set of recipients
type Assertion struct {
	ID            string   `json:"id"`
	BadgeID       string   `json:"badge_id"`
	Recipients    []string `json:"recipient,omitempty"`
	IssuedOn      int64    `json:"issued_on,omitempty"`
	Expires       int64    `json:"expires,omitempty"`
	APIConsumerID string   `json:"api_consumer_id,omitempty"`
	EmailSubject  string   `json:"email_subject,omitempty"`
}

// Revoked maps revoked recipient emails to the unix time of revocation
type Revoked struct {
	Revoked map[string]int64 `json:"revoked"`
}

// IssueRequest describes a badge issuance
type IssueRequest struct {
	Recipients   []string
	IssuedOn     int64
	EmailSubject string
	EmailBody    string
	EmailFooter  string
	// LogEntry is stored by the API alongside the event
	LogEntry map[string]interface{}
}
