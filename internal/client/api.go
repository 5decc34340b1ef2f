package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Ping checks that the API accepts the client certificate
func (c *Client) Ping(ctx context.Context) error {
	clientID, err := c.ClientID()
	if err != nil {
		return err
	}

	_, err = c.Request(ctx, APIRequest{Path: "/ping/" + clientID, Method: http.MethodGet})
	return err
}

// GetIssuer returns the issuer the client belongs to
func (c *Client) GetIssuer(ctx context.Context) (*Issuer, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	var issuer Issuer
	if err := c.requestInto(ctx, APIRequest{Path: "/client/" + clientID}, &issuer); err != nil {
		return nil, err
	}
	return &issuer, nil
}

// GetBadge returns a single badge
func (c *Client) GetBadge(ctx context.Context, badgeID string) (*Badge, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	var badge Badge
	if err := c.requestInto(ctx, APIRequest{Path: "/badge/" + clientID + "/" + url.PathEscape(badgeID)}, &badge); err != nil {
		return nil, err
	}
	return &badge, nil
}

// GetCategories returns the badge category names
func (c *Client) GetCategories(ctx context.Context) ([]string, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	var categories []string
	if err := c.requestInto(ctx, APIRequest{Path: "/badge/" + clientID + "/_/categorylist"}, &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// GetBadges lists published badges, optionally limited to categories
func (c *Client) GetBadges(ctx context.Context, categories []string) ([]Badge, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{"draft": 0}
	if len(categories) > 0 {
		params["category"] = categories
	}

	var badges []Badge
	err = c.requestInto(ctx, APIRequest{
		Path:         "/badge/" + clientID,
		Method:       http.MethodGet,
		Params:       params,
		Preprocessor: JoinLines,
	}, &badges)
	if err != nil {
		return nil, err
	}
	return badges, nil
}

// GetAssertions lists issuance events, optionally filtered by badge and
// recipient email. Empty filters are omitted.
func (c *Client) GetAssertions(ctx context.Context, badgeID, email string) ([]Assertion, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{"api_consumer_id": c.consumerID}
	if badgeID != "" {
		params["badge_id"] = badgeID
	}
	if email != "" {
		params["email"] = email
	}

	var assertions []Assertion
	err = c.requestInto(ctx, APIRequest{
		Path:         "/event/" + clientID,
		Method:       http.MethodGet,
		Params:       params,
		Preprocessor: JoinLines,
	}, &assertions)
	if err != nil {
		return nil, err
	}
	return assertions, nil
}

// GetEvent returns a single issuance event
func (c *Client) GetEvent(ctx context.Context, eventID string) (*Assertion, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	var event Assertion
	if err := c.requestInto(ctx, APIRequest{Path: "/event/" + clientID + "/" + url.PathEscape(eventID)}, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// GetRevoked returns the revocations recorded for an event
func (c *Client) GetRevoked(ctx context.Context, eventID string) (*Revoked, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	var revoked Revoked
	if err := c.requestInto(ctx, APIRequest{Path: "/event/" + clientID + "/" + url.PathEscape(eventID) + "/revoked"}, &revoked); err != nil {
		return nil, err
	}
	if revoked.Revoked == nil {
		revoked.Revoked = map[string]int64{}
	}
	return &revoked, nil
}

// DeleteBadges removes every badge of the client
func (c *Client) DeleteBadges(ctx context.Context) error {
	clientID, err := c.ClientID()
	if err != nil {
		return err
	}

	_, err = c.Request(ctx, APIRequest{Path: "/badge/" + clientID, Method: http.MethodDelete})
	return err
}

// ExportBadge creates a badge on the API from a local definition
func (c *Client) ExportBadge(ctx context.Context, badge *Badge) error {
	if badge == nil {
		return fmt.Errorf("badge is required")
	}
	clientID, err := c.ClientID()
	if err != nil {
		return err
	}

	params := map[string]interface{}{
		"name":          badge.Name,
		"description":   badge.Description,
		"image":         badge.Image,
		"css":           badge.CSS,
		"criteria_html": badge.CriteriaHTML,
		"email_subject": badge.EmailSubject,
		"email_body":    badge.EmailBody,
		"email_footer":  badge.EmailFooter,
		"expires":       "",
		"tags":          []string{},
		"draft":         bool(badge.Draft),
	}

	_, err = c.Request(ctx, APIRequest{Path: "/badge/" + clientID, Method: http.MethodPost, Params: params})
	return err
}

// IssueBadge awards badge to the recipients in req
func (c *Client) IssueBadge(ctx context.Context, badge *Badge, req *IssueRequest) error {
	if badge == nil || badge.ID == "" {
		return fmt.Errorf("badge id is required")
	}
	if req == nil || len(req.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	clientID, err := c.ClientID()
	if err != nil {
		return err
	}

	logEntry := req.LogEntry
	if logEntry == nil {
		logEntry = map[string]interface{}{}
	}

	params := map[string]interface{}{
		"recipient":       req.Recipients,
		"issued_on":       req.IssuedOn,
		"email_subject":   req.EmailSubject,
		"email_body":      req.EmailBody,
		"email_footer":    req.EmailFooter,
		"api_consumer_id": c.consumerID,
		"log_entry":       logEntry,
	}
	if badge.Expires > 0 {
		params["expires"] = badge.Expires
	}

	_, err = c.Request(ctx, APIRequest{
		Path:   "/badge/" + clientID + "/" + url.PathEscape(badge.ID),
		Method: http.MethodPost,
		Params: params,
	})
	return err
}

// RevokeEvent revokes an issued event for the given recipient emails
func (c *Client) RevokeEvent(ctx context.Context, eventID string, emails []string) error {
	if len(emails) == 0 {
		return fmt.Errorf("at least one email is required")
	}
	clientID, err := c.ClientID()
	if err != nil {
		return err
	}

	_, err = c.Request(ctx, APIRequest{
		Path:   "/event/" + clientID + "/" + url.PathEscape(eventID) + "/",
		Method: http.MethodDelete,
		Params: map[string]interface{}{"email": emails},
	})
	return err
}

// requestInto performs req and decodes the result into v. A nil result
// (empty or non-JSON body) leaves v untouched.
func (c *Client) requestInto(ctx context.Context, req APIRequest, v interface{}) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	result, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	if err := json.Unmarshal(result, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", strings.TrimPrefix(req.Path, "/"), err)
	}
	return nil
}
