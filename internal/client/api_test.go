package client

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obf-bridge/internal/auth"
	"obf-bridge/internal/logging"
	"obf-bridge/internal/testpki"
)

func decodeJSONBody(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestIssueBadge_Expires(t *testing.T) {
	tests := []struct {
		name        string
		expires     int
		wantExpires bool
	}{
		{name: "zero omits expires", expires: 0},
		{name: "negative omits expires", expires: -3},
		{name: "positive sends expires", expires: 12, wantExpires: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &mockTransport{status: http.StatusCreated, body: `{}`}
			c := newTestClient(t, "client-1", transport)

			err := c.IssueBadge(context.Background(), &Badge{ID: "badge-9", Expires: tt.expires}, &IssueRequest{
				Recipients:   []string{"a@example.com", "b@example.com"},
				IssuedOn:     1700000000,
				EmailSubject: "Congratulations",
				EmailBody:    "You earned it",
				EmailFooter:  "-- footer",
			})
			require.NoError(t, err)

			call := transport.lastCall(t)
			assert.Equal(t, http.MethodPost, call.Method)
			assert.Equal(t, "https://api.example.com/v1/badge/client-1/badge-9", call.URL)

			body := decodeJSONBody(t, call.Body)
			assert.Equal(t, []interface{}{"a@example.com", "b@example.com"}, body["recipient"])
			assert.Equal(t, float64(1700000000), body["issued_on"])
			assert.Equal(t, "Congratulations", body["email_subject"])
			assert.Equal(t, "You earned it", body["email_body"])
			assert.Equal(t, "-- footer", body["email_footer"])
			assert.Equal(t, "test-consumer", body["api_consumer_id"])
			assert.Equal(t, map[string]interface{}{}, body["log_entry"])

			expires, ok := body["expires"]
			assert.Equal(t, tt.wantExpires, ok)
			if tt.wantExpires {
				assert.Equal(t, float64(tt.expires), expires)
			}
		})
	}
}

func TestIssueBadge_Validation(t *testing.T) {
	transport := &mockTransport{}
	c := newTestClient(t, "client-1", transport)
	ctx := context.Background()

	assert.Error(t, c.IssueBadge(ctx, nil, &IssueRequest{Recipients: []string{"a@example.com"}}))
	assert.Error(t, c.IssueBadge(ctx, &Badge{ID: "b"}, &IssueRequest{}))
	assert.Equal(t, 0, transport.callCount())
}

func TestExportBadge(t *testing.T) {
	transport := &mockTransport{status: http.StatusCreated, body: `{}`}
	c := newTestClient(t, "client-1", transport)

	err := c.ExportBadge(context.Background(), &Badge{
		Name:         "Gold",
		Description:  "Top marks",
		Image:        "data:image/png;base64,AAAA",
		CSS:          "p{}",
		CriteriaHTML: "<p>Do it</p>",
		EmailSubject: "s",
		EmailBody:    "b",
		EmailFooter:  "f",
		Draft:        true,
	})
	require.NoError(t, err)

	call := transport.lastCall(t)
	assert.Equal(t, "https://api.example.com/v1/badge/client-1", call.URL)
	body := decodeJSONBody(t, call.Body)
	assert.Equal(t, "Gold", body["name"])
	assert.Equal(t, "Top marks", body["description"])
	assert.Equal(t, "p{}", body["css"])
	assert.Equal(t, "<p>Do it</p>", body["criteria_html"])
	assert.Equal(t, "", body["expires"])
	assert.Equal(t, []interface{}{}, body["tags"])
	assert.Equal(t, true, body["draft"])
}

func TestGetBadges_Params(t *testing.T) {
	transport := &mockTransport{body: "{\"id\":\"a\",\"name\":\"A\",\"draft\":0}\n{\"id\":\"b\",\"name\":\"B\",\"draft\":\"1\"}\n"}
	c := newTestClient(t, "client-1", transport)

	badges, err := c.GetBadges(context.Background(), []string{"Science", "Arts"})
	require.NoError(t, err)
	require.Len(t, badges, 2)
	assert.Equal(t, "a", badges[0].ID)
	assert.False(t, bool(badges[0].Draft))
	assert.True(t, bool(badges[1].Draft))

	call := transport.lastCall(t)
	assert.Equal(t, "0", call.Params.Get("draft"))
	assert.Equal(t, "Science|Arts", call.Params.Get("category"))

	_, err = c.GetBadges(context.Background(), nil)
	require.NoError(t, err)
	_, present := transport.lastCall(t).Params["category"]
	assert.False(t, present)
}

func TestGetAssertions_Params(t *testing.T) {
	transport := &mockTransport{body: ""}
	c := newTestClient(t, "client-1", transport)

	assertions, err := c.GetAssertions(context.Background(), "", "")
	require.NoError(t, err)
	assert.Empty(t, assertions)
	call := transport.lastCall(t)
	assert.Equal(t, "test-consumer", call.Params.Get("api_consumer_id"))
	_, hasBadge := call.Params["badge_id"]
	_, hasEmail := call.Params["email"]
	assert.False(t, hasBadge)
	assert.False(t, hasEmail)

	_, err = c.GetAssertions(context.Background(), "badge-1", "a@example.com")
	require.NoError(t, err)
	call = transport.lastCall(t)
	assert.Equal(t, "badge-1", call.Params.Get("badge_id"))
	assert.Equal(t, "a@example.com", call.Params.Get("email"))
}

func TestRevokeEvent_Query(t *testing.T) {
	transport := &mockTransport{status: http.StatusNoContent}
	c := newTestClient(t, "client-1", transport)

	err := c.RevokeEvent(context.Background(), "event-1", []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)

	call := transport.lastCall(t)
	assert.Equal(t, http.MethodDelete, call.Method)
	assert.Equal(t, "https://api.example.com/v1/event/client-1/event-1/", call.URL)
	assert.Equal(t, "a@example.com|b@example.com", call.Params.Get("email"))
	assert.Equal(t, "email=a%40example.com%7Cb%40example.com", call.Params.Encode())

	assert.Error(t, c.RevokeEvent(context.Background(), "event-1", nil))
}

// enrolledMockAPI starts a mutual-TLS API and a client holding a certificate
// issued by its CA
func enrolledMockAPI(t *testing.T, clientID string) (*testpki.MockAPI, *Client) {
	t.Helper()

	api, err := testpki.NewMockAPI()
	require.NoError(t, err)
	t.Cleanup(api.Close)

	dir := t.TempDir()
	store, err := auth.NewFileCredentialStore(dir, filepath.Join(dir, "obf.key"), filepath.Join(dir, "obf.pem"))
	require.NoError(t, err)

	keyPEM, certPEM, err := api.CA.ClientKeyPair(clientID, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.StorePrivateKey(keyPEM))
	require.NoError(t, store.StoreCertificate(certPEM))

	tc := DefaultTransportConfig()
	tc.RootCAs = api.CA.Pool()
	tc.MaxRetries = 0
	transport, err := NewHTTPTransport(tc, store, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(transport.CloseIdleConnections)

	cfg := testConfig()
	cfg.APIURL = api.URL()
	c, err := New(cfg, staticIdentity(clientID), transport, logging.Discard())
	require.NoError(t, err)

	return api, c
}

func TestOperations_AgainstMockAPI(t *testing.T) {
	api, c := enrolledMockAPI(t, "client-1")
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	last := api.LastRequest()
	assert.Equal(t, "/v1/ping/client-1", last.Path)
	assert.True(t, last.HasPeerTLS)
	assert.Equal(t, "client-1", last.PeerCN)

	issuer, err := c.GetIssuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-1", issuer.ID)
	assert.Equal(t, "Test Issuer", issuer.Name)

	categories, err := c.GetCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Science", "Arts"}, categories)

	badges, err := c.GetBadges(ctx, nil)
	require.NoError(t, err)
	require.Len(t, badges, 2)
	assert.Equal(t, "badge-1", badges[0].ID)

	badge, err := c.GetBadge(ctx, "badge-2")
	require.NoError(t, err)
	assert.Equal(t, "Second", badge.Name)

	assertions, err := c.GetAssertions(ctx, "badge-1", "")
	require.NoError(t, err)
	require.Len(t, assertions, 1)
	assert.Equal(t, []string{"a@example.com"}, assertions[0].Recipients)
	assert.Equal(t, "badge-1", api.LastRequest().Query.Get("badge_id"))

	event, err := c.GetEvent(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, "badge-1", event.BadgeID)

	revoked, err := c.GetRevoked(ctx, "event-1")
	require.NoError(t, err)
	assert.Empty(t, revoked.Revoked)

	require.NoError(t, c.IssueBadge(ctx, badge, &IssueRequest{Recipients: []string{"a@example.com"}}))
	assert.Equal(t, http.StatusCreated, c.LastHTTPCode())

	require.NoError(t, c.RevokeEvent(ctx, "event-1", []string{"a@example.com", "b@example.com"}))
	last = api.LastRequest()
	assert.Equal(t, "/v1/event/client-1/event-1/", last.Path)
	assert.Equal(t, "a@example.com|b@example.com", last.Query.Get("email"))

	require.NoError(t, c.DeleteBadges(ctx))
	assert.Equal(t, http.StatusNoContent, c.LastHTTPCode())
}

func TestOperations_NotFound(t *testing.T) {
	_, c := enrolledMockAPI(t, "client-1")
	ctx := context.Background()

	// 404 without a body
	_, err := c.GetBadge(ctx, "missing")
	code, message, ok := IsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "", message)

	// 404 with an error field
	_, err = c.GetEvent(ctx, "missing")
	code, message, ok = IsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "event not found", message)
	assert.Equal(t, "event not found", c.LastError())
}

func TestOperations_ClientIDMismatchRejected(t *testing.T) {
	api, _ := enrolledMockAPI(t, "client-1")

	// Same certificate, but requests are made for a different client id
	dir := t.TempDir()
	store, err := auth.NewFileCredentialStore(dir, filepath.Join(dir, "obf.key"), filepath.Join(dir, "obf.pem"))
	require.NoError(t, err)
	keyPEM, certPEM, err := api.CA.ClientKeyPair("client-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.StorePrivateKey(keyPEM))
	require.NoError(t, store.StoreCertificate(certPEM))

	tc := DefaultTransportConfig()
	tc.RootCAs = api.CA.Pool()
	transport, err := NewHTTPTransport(tc, store, logging.Discard())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.APIURL = api.URL()
	c, err := New(cfg, staticIdentity("client-2"), transport, logging.Discard())
	require.NoError(t, err)

	err = c.Ping(context.Background())
	code, message, ok := IsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "client id mismatch", message)
}

func TestOperations_NotEnrolledFailsClosed(t *testing.T) {
	api, err := testpki.NewMockAPI()
	require.NoError(t, err)
	defer api.Close()

	dir := t.TempDir()
	store, err := auth.NewFileCredentialStore(dir, filepath.Join(dir, "obf.key"), filepath.Join(dir, "obf.pem"))
	require.NoError(t, err)

	tc := DefaultTransportConfig()
	tc.RootCAs = api.CA.Pool()
	transport, err := NewHTTPTransport(tc, store, logging.Discard())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.APIURL = api.URL()
	c, err := New(cfg, staticIdentity("client-1"), transport, logging.Discard())
	require.NoError(t, err)

	_, err = c.GetIssuer(context.Background())
	assert.ErrorIs(t, err, ErrNotEnrolled)
	assert.Empty(t, api.Requests(), "no request may reach the server without credentials")
}
