// Package remote talks to the shared backend: the change feed, per-type
// upsert and delete procedures, the diagnostic log table and the object
// store holding vehicle photos.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ezcar24/dealersync/internal/record"
)

const (
	// FetchRPC is the change feed procedure.
	FetchRPC = "get_changes"

	// LogTable receives diagnostic entries.
	LogTable = "application_logs"
)

// Epoch is sent as "since" when a full pull is wanted.
var Epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Client is the remote store collaborator.
type Client interface {
	// FetchChanges returns every record of the dealer changed at or after
	// since, tombstones included. It does not retry.
	FetchChanges(ctx context.Context, dealerID string, since time.Time) (*record.Snapshot, error)

	// Upsert sends a batch of wire-shape records of one type. Re-sending an
	// applied record is a no-op on the backend.
	Upsert(ctx context.Context, kind record.EntityType, payloads []json.RawMessage) error

	// Delete removes one record by id.
	Delete(ctx context.Context, kind record.EntityType, dealerID, id string) error

	// WriteLog appends one diagnostic entry.
	WriteLog(ctx context.Context, entry LogEntry) error
}

// Config holds connection settings for HTTPClient.
type Config struct {
	// URL is the backend base URL, e.g. https://xyz.supabase.co
	URL string

	// APIKey is the project key sent as the apikey header.
	APIKey string

	// AccessToken is the user session token. Empty falls back to APIKey.
	AccessToken string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxRetries bounds retries of transient failures on push paths.
	MaxRetries int

	// RetryInitialInterval is the first retry delay.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the retry delay.
	RetryMaxInterval time.Duration
}

// HTTPClient implements Client and ObjectStore over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client. httpClient may be nil.
func NewHTTPClient(cfg Config, httpClient *http.Client) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		token:      token,
		httpClient: httpClient,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryInitialInterval,
		maxDelay:   cfg.RetryMaxInterval,
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 200 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 5 * time.Second
	}
	return c
}

// FetchChanges implements Client.
func (c *HTTPClient) FetchChanges(ctx context.Context, dealerID string, since time.Time) (*record.Snapshot, error) {
	if since.IsZero() {
		since = Epoch
	}
	params := map[string]string{
		"dealer_id": dealerID,
		"since":     since.UTC().Format(time.RFC3339),
	}

	snap := record.NewSnapshot()
	if err := c.do(ctx, FetchRPC, http.MethodPost, "/rest/v1/rpc/"+FetchRPC, nil, params, snap, 0); err != nil {
		return nil, err
	}
	return snap, nil
}

// Upsert implements Client.
func (c *HTTPClient) Upsert(ctx context.Context, kind record.EntityType, payloads []json.RawMessage) error {
	if len(payloads) == 0 {
		return nil
	}
	rpc := kind.UpsertRPC()
	body := map[string][]json.RawMessage{"payload": payloads}
	return c.do(ctx, rpc, http.MethodPost, "/rest/v1/rpc/"+rpc, nil, body, nil, c.maxRetries)
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, kind record.EntityType, dealerID, id string) error {
	rpc := kind.DeleteRPC()
	body := map[string]string{"p_id": id, "p_dealer_id": dealerID}
	return c.do(ctx, rpc, http.MethodPost, "/rest/v1/rpc/"+rpc, nil, body, nil, c.maxRetries)
}

// do sends one JSON request and decodes the response into out. Transient
// failures are retried up to retries times with exponential backoff, honoring
// Retry-After.
func (c *HTTPClient) do(
	ctx context.Context,
	rpc, method, requestPath string,
	headers map[string]string,
	body any,
	out any,
	retries int,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", rpc, err)
		}
	}
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}

	return c.send(ctx, rpc, method, requestPath, headers, contentType, bodyBytes, retries, func(payload []byte) error {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", rpc, err)
		}
		return nil
	})
}

// send is the retry loop shared by JSON and binary requests.
func (c *HTTPClient) send(
	ctx context.Context,
	rpc, method, requestPath string,
	headers map[string]string,
	contentType string,
	bodyBytes []byte,
	retries int,
	onSuccess func(payload []byte) error,
) error {
	hinted := &retryAfterBackOff{BackOff: c.newBackOff()}
	var policy backoff.BackOff = backoff.WithMaxRetries(hinted, uint64(retries))
	policy = backoff.WithContext(policy, ctx)

	operation := func() error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build %s request: %w", rpc, err))
		}
		c.authorize(req)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return fmt.Errorf("%w: %s: %v", ErrConnectivity, rpc, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %s: reading response: %v", ErrConnectivity, rpc, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if err := onSuccess(payload); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}

		remoteErr := decodeError(rpc, resp.StatusCode, payload)
		if !remoteErr.Transient() {
			return backoff.Permanent(remoteErr)
		}
		hinted.hint = parseRetryAfter(resp.Header.Get("Retry-After"))
		return remoteErr
	}

	return backoff.Retry(operation, policy)
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
}

func (c *HTTPClient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryAfterBackOff stretches the next delay to a server-provided hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func decodeError(rpc string, status int, payload []byte) *Error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
		Details string `json:"details"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	return &Error{
		RPC:        rpc,
		StatusCode: status,
		Code:       body.Code,
		Message:    msg,
		Hint:       body.Hint,
		Details:    body.Details,
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}
