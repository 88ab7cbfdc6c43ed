// Package transport implements the HTTP/JSON wire protocol spoken with remote servers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/logging"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/internal/telemetry"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Ensure Client implements domain.RemoteTransport
var _ domain.RemoteTransport = (*Client)(nil)

// Config contains transport configuration
type Config struct {
	// Path prefix of the data endpoints
	DataPrefix string

	// Path prefix of the session endpoints
	SessionPrefix string

	// Per-request timeout
	Timeout time.Duration

	// Additional headers sent with every request
	Headers map[string]string
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() Config {
	return Config{
		DataPrefix:    "/srv/data",
		SessionPrefix: "/srv/session",
		Timeout:       30 * time.Second,
	}
}

// Client is an HTTP client for the discovery/retrieval/storage protocol
type Client struct {
	config     Config
	httpClient *http.Client
	headers    http.Header
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new transport client
func New(config Config, options ...ClientOption) *Client {
	defaults := DefaultConfig()
	if config.DataPrefix == "" {
		config.DataPrefix = defaults.DataPrefix
	}
	if config.SessionPrefix == "" {
		config.SessionPrefix = defaults.SessionPrefix
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	for k, v := range config.Headers {
		headers.Set(k, v)
	}

	client := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		headers:    headers,
		logger:     log.With().Str("component", "transport").Logger(),
		metrics:    metrics.GetMetrics(),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

type discoveryRequest struct {
	Criteria proto.Criteria `json:"criteria"`
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

type objectsMessage struct {
	Objects []proto.Object `json:"objects"`
}

type signatureResponse struct {
	Signature string `json:"signature"`
}

type sessionRequest struct {
	Area   string `json:"area,omitempty"`
	Handle string `json:"handle,omitempty"`
}

type credentialsRequest struct {
	Handle string `json:"handle"`
	proto.Credentials
}

// Discover returns the ids and generation numbers of the objects matching the criteria
func (c *Client) Discover(ctx context.Context, loc proto.Location, token string, criteria proto.Criteria) (*proto.DiscoveryResult, error) {
	if criteria == nil {
		criteria = proto.Criteria{}
	}
	var result proto.DiscoveryResult
	path := c.dataPath("discovery", loc.Schema, loc.Table)
	if err := c.call(ctx, "discovery", http.MethodPost, loc.Address, path, token, discoveryRequest{Criteria: criteria}, &result); err != nil {
		return nil, err
	}
	if len(result.IDs) != len(result.GNs) {
		return nil, fmt.Errorf("failed to decode discovery: %d ids but %d generation numbers", len(result.IDs), len(result.GNs))
	}
	c.metrics.RemoteObjectsTotal.WithLabelValues("discovery").Add(float64(len(result.IDs)))
	return &result, nil
}

// Retrieve fetches the full objects for the given ids
func (c *Client) Retrieve(ctx context.Context, loc proto.Location, token string, ids []int64) ([]proto.Object, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var response objectsMessage
	path := c.dataPath("retrieval", loc.Schema, loc.Table)
	if err := c.call(ctx, "retrieval", http.MethodPost, loc.Address, path, token, idsRequest{IDs: ids}, &response); err != nil {
		return nil, err
	}
	c.metrics.RemoteObjectsTotal.WithLabelValues("retrieval").Add(float64(len(response.Objects)))
	return response.Objects, nil
}

// Store sends objects to the storage endpoint and returns them as persisted
func (c *Client) Store(ctx context.Context, loc proto.Location, token string, objects []proto.Object) ([]proto.Object, error) {
	var response objectsMessage
	path := c.dataPath("storage", loc.Schema, loc.Table)
	if err := c.call(ctx, "storage", http.MethodPost, loc.Address, path, token, objectsMessage{Objects: objects}, &response); err != nil {
		return nil, err
	}
	c.metrics.RemoteObjectsTotal.WithLabelValues("storage").Add(float64(len(response.Objects)))
	return response.Objects, nil
}

// Signature returns the current version stamp of a schema
func (c *Client) Signature(ctx context.Context, address, schema, token string) (string, error) {
	var response signatureResponse
	path := c.config.DataPrefix + "/signature/" + url.PathEscape(schema)
	if err := c.call(ctx, "signature", http.MethodPost, address, path, token, struct{}{}, &response); err != nil {
		return "", err
	}
	return response.Signature, nil
}

// CreateSession opens a session, optionally bound to a parent session handle
func (c *Client) CreateSession(ctx context.Context, address, area, parentHandle string) (*proto.SessionHandle, error) {
	var handle proto.SessionHandle
	body := sessionRequest{Area: area, Handle: parentHandle}
	if err := c.call(ctx, "session", http.MethodPost, address, c.sessionPath(""), "", body, &handle); err != nil {
		return nil, err
	}
	if handle.Handle == "" {
		return nil, fmt.Errorf("failed to open session: server returned no handle")
	}
	return &handle, nil
}

// PollSession asks whether a session handle has been authorized
func (c *Client) PollSession(ctx context.Context, address, handle string) (*proto.SessionInfo, error) {
	var info proto.SessionInfo
	path := c.sessionPath("") + "?handle=" + url.QueryEscape(handle)
	if err := c.call(ctx, "session", http.MethodGet, address, path, "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Authenticate exchanges a handle and credentials for an authorization
func (c *Client) Authenticate(ctx context.Context, address, handle string, creds proto.Credentials) (*proto.SessionInfo, error) {
	var info proto.SessionInfo
	body := credentialsRequest{Handle: handle, Credentials: creds}
	if err := c.call(ctx, "session", http.MethodPost, address, c.sessionPath("htpasswd"), "", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteSession ends a session on the server
func (c *Client) DeleteSession(ctx context.Context, address, handle string) error {
	path := c.sessionPath("") + "?handle=" + url.QueryEscape(handle)
	return c.call(ctx, "session", http.MethodDelete, address, path, "", nil, nil)
}

// OAuthURL returns the redirect URL starting an OAuth handshake for a handle
func (c *Client) OAuthURL(address, provider, handle string) string {
	return strings.TrimRight(address, "/") + c.sessionPath(url.PathEscape(provider)) + "?handle=" + url.QueryEscape(handle)
}

func (c *Client) dataPath(phase, schema, table string) string {
	return fmt.Sprintf("%s/%s/%s/%s/", c.config.DataPrefix, phase, url.PathEscape(schema), url.PathEscape(table))
}

func (c *Client) sessionPath(sub string) string {
	if sub == "" {
		return c.config.SessionPrefix + "/"
	}
	return c.config.SessionPrefix + "/" + sub + "/"
}

// call performs one request, decoding the JSON response into out when non-nil
func (c *Client) call(ctx context.Context, phase, method, address, path, token string, body, out interface{}) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "remote."+phase)
	defer span.End()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("remote.address", address),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)

	timer := prometheus.NewTimer(c.metrics.RemoteRequestDuration.WithLabelValues(phase))
	defer func() {
		timer.ObserveDuration()
		success := "true"
		if err != nil {
			success = "false"
			telemetry.MarkSpanError(ctx, err)
			logger := logging.FromContext(c.logger.WithContext(ctx))
			logger.Debug().Err(err).
				Str("address", address).
				Str("path", path).
				Msg("Remote request failed")
		}
		c.metrics.RemoteRequestsTotal.WithLabelValues(phase, success).Inc()
	}()

	resp, err := c.do(ctx, method, address, path, token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, address, path, token string, body interface{}) (*http.Response, error) {
	u, err := url.Parse(strings.TrimRight(address, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid remote address %q: %w", address, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("auth_token", token)
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error string `json:"error"`
		}
		message := resp.Status
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
			message = errResp.Error
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: message}
	}

	return resp, nil
}
