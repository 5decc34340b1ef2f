package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"obf-bridge/internal/client"
	"obf-bridge/internal/database"
	"obf-bridge/internal/enrollment"
	"obf-bridge/internal/logging"
)

const maxBodyBytes = 1 << 20

// Handlers contains all HTTP handlers for the admin API
type Handlers struct {
	enroller Enroller
	badges   BadgeService
	issuance IssuanceLog
	hub      *Hub
	logger   *logrus.Logger
}

// NewHandlers creates a new handlers instance. issuance may be nil.
func NewHandlers(enroller Enroller, badges BadgeService, issuance IssuanceLog, hub *Hub, logger *logrus.Logger) *Handlers {
	return &Handlers{
		enroller: enroller,
		badges:   badges,
		issuance: issuance,
		hub:      hub,
		logger:   logger,
	}
}

// GetStatus reports the local identity
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, StatusResponse{
		Status:           h.enroller.Status(),
		WebSocketClients: h.hub.ConnectionCount(),
	})
}

// Enroll exchanges the posted token for a client certificate
func (h *Handlers) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, h.logger, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.enroller.Enroll(r.Context(), req.Token); err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, h.enroller.Status())
}

// Deauthenticate drops the local identity
func (h *Handlers) Deauthenticate(w http.ResponseWriter, r *http.Request) {
	h.enroller.Deauthenticate(r.Context())
	writeJSON(w, h.logger, http.StatusOK, h.enroller.Status())
}

// Ping tests the mutual TLS connection
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	if code, err := h.enroller.TestConnection(r.Context()); err != nil {
		h.logger.WithError(err).WithField("code", code).Debug("Connection test failed")
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, PingResponse{OK: true})
}

// GetIssuer returns the issuer profile
func (h *Handlers) GetIssuer(w http.ResponseWriter, r *http.Request) {
	issuer, err := h.badges.GetIssuer(r.Context())
	h.respond(w, issuer, err)
}

// GetCategories lists badge categories
func (h *Handlers) GetCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.badges.GetCategories(r.Context())
	if categories == nil {
		categories = []string{}
	}
	h.respond(w, categories, err)
}

// GetBadges lists published badges, optionally filtered by repeated
// category parameters
func (h *Handlers) GetBadges(w http.ResponseWriter, r *http.Request) {
	badges, err := h.badges.GetBadges(r.Context(), r.URL.Query()["category"])
	if badges == nil {
		badges = []client.Badge{}
	}
	h.respond(w, badges, err)
}

// GetBadge returns one badge
func (h *Handlers) GetBadge(w http.ResponseWriter, r *http.Request) {
	badge, err := h.badges.GetBadge(r.Context(), mux.Vars(r)["id"])
	h.respond(w, badge, err)
}

// GetAssertions lists issuance events, optionally by badge_id and email
func (h *Handlers) GetAssertions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	assertions, err := h.badges.GetAssertions(r.Context(), q.Get("badge_id"), q.Get("email"))
	if assertions == nil {
		assertions = []client.Assertion{}
	}
	h.respond(w, assertions, err)
}

// GetEvent returns one issuance event
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.badges.GetEvent(r.Context(), mux.Vars(r)["id"])
	h.respond(w, event, err)
}

// GetRevoked returns the revocation list of an event
func (h *Handlers) GetRevoked(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.badges.GetRevoked(r.Context(), mux.Vars(r)["id"])
	h.respond(w, revoked, err)
}

// IssueBadge awards a badge. The badge is fetched first so its validity
// period is sent along with the issuance.
func (h *Handlers) IssueBadge(w http.ResponseWriter, r *http.Request) {
	badgeID := mux.Vars(r)["id"]

	var req IssueBadgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	recipients := cleanList(req.Recipients)
	if len(recipients) == 0 {
		writeError(w, h.logger, http.StatusBadRequest, "at least one recipient is required")
		return
	}

	ctx := r.Context()
	badge, err := h.badges.GetBadge(ctx, badgeID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if badge == nil || badge.ID == "" {
		writeError(w, h.logger, http.StatusNotFound, fmt.Sprintf("badge %s not found", badgeID))
		return
	}

	issuedOn := req.IssuedOn
	if issuedOn == 0 {
		issuedOn = time.Now().Unix()
	}

	err = h.badges.IssueBadge(ctx, badge, &client.IssueRequest{
		Recipients:   recipients,
		IssuedOn:     issuedOn,
		EmailSubject: req.EmailSubject,
		EmailBody:    req.EmailBody,
		EmailFooter:  req.EmailFooter,
		LogEntry:     req.LogEntry,
	})
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.record(database.ActionIssued, badge.ID, "", recipients)
	h.hub.Notify(EventBadgeIssued, map[string]interface{}{
		"badge_id":   badge.ID,
		"recipients": recipients,
	})

	writeJSON(w, h.logger, http.StatusCreated, ActionResponse{BadgeID: badge.ID, Recipients: recipients})
}

// RevokeEvent revokes an issued event for the given recipients
func (h *Handlers) RevokeEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]

	emails := r.URL.Query()["email"]
	if r.ContentLength > 0 {
		var req RevokeEventRequest
		if !h.decode(w, r, &req) {
			return
		}
		emails = append(emails, req.Emails...)
	}
	emails = cleanList(emails)
	if len(emails) == 0 {
		writeError(w, h.logger, http.StatusBadRequest, "at least one email is required")
		return
	}

	if err := h.badges.RevokeEvent(r.Context(), eventID, emails); err != nil {
		h.writeFailure(w, err)
		return
	}

	h.record(database.ActionRevoked, "", eventID, emails)
	h.hub.Notify(EventEventRevoked, map[string]interface{}{
		"event_id":   eventID,
		"recipients": emails,
	})

	writeJSON(w, h.logger, http.StatusOK, ActionResponse{EventID: eventID, Recipients: emails})
}

// GetHistory lists local issuance log entries
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.issuance == nil {
		writeError(w, h.logger, http.StatusNotFound, "issuance log is not configured")
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, h.logger, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.issuance.History(q.Get("badge_id"), limit)
	if err != nil {
		logging.LogStorageError(h.logger, err, "list_issuance", true)
		writeError(w, h.logger, http.StatusInternalServerError, "failed to read issuance log")
		return
	}
	if records == nil {
		records = []database.IssuanceRecord{}
	}

	writeJSON(w, h.logger, http.StatusOK, HistoryResponse{Records: records})
}

// WebSocket attaches the caller to the event feed
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.ServeWebSocket(w, r); err != nil {
		// The upgrader has already answered the request
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
	}
}

// record appends to the issuance log. The remote call already succeeded, so
// a local storage failure is only logged.
func (h *Handlers) record(action, badgeID, eventID string, recipients []string) {
	if h.issuance == nil {
		return
	}

	err := h.issuance.RecordIssuance(&database.IssuanceRecord{
		ClientID:   h.enroller.Status().ClientID,
		BadgeID:    badgeID,
		Action:     action,
		Recipients: recipients,
		EventID:    eventID,
	})
	if err != nil {
		logging.LogStorageError(h.logger, err, "record_issuance", true)
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handlers) respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, v)
}

// writeFailure maps enrollment and client errors onto HTTP answers
func (h *Handlers) writeFailure(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("status", status).Warn("Request failed")
	}
	writeJSON(w, h.logger, status, resp)
}

func errorResponse(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error(), Timestamp: time.Now().Unix()}

	var enrollErr *enrollment.Error
	if errors.As(err, &enrollErr) {
		resp.Kind = string(enrollErr.Kind)
		resp.Code = enrollErr.Code
		return enrollmentStatus(enrollErr.Kind), resp
	}

	var clientErr *client.Error
	if errors.As(err, &clientErr) {
		resp.Kind = string(clientErr.Kind)
		resp.Code = clientErr.Code
		return client.HTTPStatus(err), resp
	}

	return http.StatusInternalServerError, resp
}

func enrollmentStatus(kind enrollment.ErrorKind) int {
	switch kind {
	case enrollment.ErrKindTokenDecode, enrollment.ErrKindTokenDecryptFailure:
		return http.StatusBadRequest
	case enrollment.ErrKindServerRejected, enrollment.ErrKindTransportFailure, enrollment.ErrKindKeyParseFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
