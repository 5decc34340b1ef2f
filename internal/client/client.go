package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"obf-bridge/internal/auth"
	"obf-bridge/internal/config"
	"obf-bridge/internal/logging"
)

// IdentitySource provides the enrolled client id
type IdentitySource interface {
	GetClientID() string
}

// APIRequest describes a single call against the badge API
type APIRequest struct {
	// Path is appended to the API base URL and must start with "/"
	Path   string
	Method string
	// Params become the query string for GET and DELETE and the JSON body for POST
	Params map[string]interface{}
	// Preprocessor, when set, rewrites the raw body before JSON decoding
	Preprocessor Preprocessor
}

// Client performs authenticated requests against the badge API
type Client struct {
	baseURL    string
	consumerID string
	identity   IdentitySource
	transport  Transport
	logger     *logrus.Logger

	mu          sync.RWMutex
	lastCode    int
	lastError   string
	retainRaw   bool
	rawResponse []byte
}

// New creates a client. identity supplies the client id at call time so a
// client built before enrollment works once enrollment completes.
func New(cfg *config.Config, identity IdentitySource, transport Transport, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity source is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		consumerID: cfg.APIConsumerID,
		identity:   identity,
		transport:  transport,
		logger:     logger,
		retainRaw:  cfg.RetainRawResponse,
	}, nil
}

// BaseURL returns the API base URL without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ClientID returns the current client id, or ErrMissingClientID
func (c *Client) ClientID() (string, error) {
	id := c.identity.GetClientID()
	if id == "" {
		return "", &Error{Kind: ErrKindMissingClientID}
	}
	return id, nil
}

// Request performs an authenticated call and returns the decoded JSON body.
// A body that is not valid JSON yields a nil result rather than an error.
func (c *Client) Request(ctx context.Context, req APIRequest) (json.RawMessage, error) {
	clientID, err := c.ClientID()
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := c.baseURL + req.Path
	opts := Options{ClientCertificate: true}

	var resp *Response
	switch method {
	case http.MethodGet:
		resp, err = c.transport.Get(ctx, target, EncodeQuery(req.Params), opts)
	case http.MethodDelete:
		resp, err = c.transport.Delete(ctx, target, EncodeQuery(req.Params), opts)
	case http.MethodPost:
		params := req.Params
		if params == nil {
			params = map[string]interface{}{}
		}
		body, merr := json.Marshal(params)
		if merr != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", merr)
		}
		resp, err = c.transport.Post(ctx, target, body, opts)
	default:
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}

	if err != nil {
		return nil, c.transportError(clientID, method, req.Path, err)
	}

	raw := resp.Body
	if req.Preprocessor != nil {
		raw = []byte(req.Preprocessor(string(raw)))
	}
	result := decodeBody(raw)

	message := ""
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !success {
		// Error bodies are plain JSON objects even on line-delimited endpoints
		message = errorField(decodeBody(resp.Body))
	}
	c.recordResult(resp, message)

	if !success {
		apiErr := &Error{Kind: ErrKindHTTP, Code: resp.StatusCode, Message: message}
		logging.LogAPIError(c.logger, apiErr, clientID, method+" "+req.Path, resp.StatusCode)
		return nil, apiErr
	}

	return result, nil
}

func (c *Client) transportError(clientID, method, path string, err error) error {
	if errors.Is(err, auth.ErrNotEnrolled) {
		c.recordFailure("")
		logging.LogSecurityError(c.logger, err, clientID, method+" "+path)
		return &Error{Kind: ErrKindNotEnrolled, Err: err}
	}

	c.recordFailure(err.Error())
	logging.LogNetworkError(c.logger, err, method+" "+path, 0)
	return &Error{Kind: ErrKindTransportFailure, Message: err.Error(), Err: err}
}

func (c *Client) recordResult(resp *Response, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCode = resp.StatusCode
	c.lastError = message
	if c.retainRaw {
		c.rawResponse = append([]byte(nil), resp.Body...)
	}
}

func (c *Client) recordFailure(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCode = 0
	c.lastError = message
}

// LastHTTPCode returns the status code of the most recent response, 0 when
// the last call never reached the server
func (c *Client) LastHTTPCode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCode
}

// LastError returns the error message of the most recent call, "" on success
func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// RawResponse returns the last raw body when retention is enabled
func (c *Client) RawResponse() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rawResponse == nil {
		return nil
	}
	return append([]byte(nil), c.rawResponse...)
}

// SetRetainRawResponse toggles raw body retention and clears any stored body
func (c *Client) SetRetainRawResponse(enable bool) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retainRaw = enable
	c.rawResponse = nil
	return c
}

// decodeBody returns the body as JSON, or nil when it does not parse
func decodeBody(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}

// errorField extracts the "error" string from a JSON object body
func errorField(body json.RawMessage) string {
	if body == nil {
		return ""
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	switch v := obj["error"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// EncodeQuery converts request params into query values. Slices are joined
// with "|", the API's list separator; booleans become 1 or 0.
func EncodeQuery(params map[string]interface{}) url.Values {
	if len(params) == 0 {
		return nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		if v, ok := queryValue(params[k]); ok {
			values.Set(k, v)
		}
	}
	return values
}

func queryValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []string:
		return strings.Join(val, "|"), true
	case bool:
		if val {
			return "1", true
		}
		return "0", true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case fmt.Stringer:
		return val.String(), true
	default:
		return fmt.Sprint(val), true
	}
}
