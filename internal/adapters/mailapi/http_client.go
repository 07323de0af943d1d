package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
)

// TokenSource supplies a bearer token for the upstream API. Token
// acquisition (OAuth2 et al.) happens behind this func.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields the same token.
func StaticToken(token string) TokenSource {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

// HTTPError carries the status of a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.StatusCode, e.Message)
}

// Client is the REST implementation of the core.MailAPI port. Failures
// are classified for the resilience executor: 429 carries the server's
// retry-after, 5xx and network errors are transient, remaining 4xx are
// terminal.
type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	pageSize   int
	logger     *zap.Logger
}

// NewClient creates a new upstream mail API client
func NewClient(baseURL string, token TokenSource, timeout time.Duration, pageSize int, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		pageSize:   pageSize,
		logger:     logger,
	}
}

type wireMessage struct {
	ID         string              `json:"id"`
	From       string              `json:"from"`
	To         []string            `json:"to"`
	Subject    string              `json:"subject"`
	Body       string              `json:"body"`
	ReceivedAt time.Time           `json:"received_at"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

type deltaResponse struct {
	Messages   []wireMessage `json:"messages"`
	NextCursor string        `json:"next_cursor"`
	More       bool          `json:"more"`
}

type subscriptionResponse struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FetchDelta returns one page of changes for a resource.
func (c *Client) FetchDelta(ctx context.Context, resourceID, cursor string) (*core.DeltaPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("page_size", strconv.Itoa(c.pageSize))

	var out deltaResponse
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/resources/%s/delta?%s", url.PathEscape(resourceID), q.Encode()), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		// The upstream signals a stale cursor with 410 Gone.
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusGone {
			return nil, resilience.Terminal(fmt.Errorf("%w: %s", core.ErrInvalidCursor, httpErr.Message))
		}
		return nil, err
	}

	page := &core.DeltaPage{
		Messages:   make([]core.Message, 0, len(out.Messages)),
		NextCursor: out.NextCursor,
		More:       out.More,
	}
	for _, m := range out.Messages {
		page.Messages = append(page.Messages, core.Message{
			ID:         m.ID,
			ResourceID: resourceID,
			From:       m.From,
			To:         m.To,
			Subject:    m.Subject,
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt,
			Headers:    m.Headers,
		})
	}
	return page, nil
}

// CreateSubscription registers a change-notification subscription.
func (c *Client) CreateSubscription(ctx context.Context, resourcePath, notifyURL, clientState string, lifetime time.Duration) (string, time.Time, error) {
	body := map[string]any{
		"resource":         resourcePath,
		"notify_url":       notifyURL,
		"client_state":     clientState,
		"lifetime_seconds": int(lifetime.Seconds()),
	}
	var out subscriptionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/subscriptions", body, &out); err != nil {
		return "", time.Time{}, err
	}
	return out.ID, out.ExpiresAt, nil
}

// RenewSubscription extends an existing subscription.
func (c *Client) RenewSubscription(ctx context.Context, subscriptionID string, lifetime time.Duration) (time.Time, error) {
	body := map[string]any{
		"lifetime_seconds": int(lifetime.Seconds()),
	}
	var out subscriptionResponse
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/subscriptions/%s/renew", url.PathEscape(subscriptionID)), body, &out)
	if err != nil {
		return time.Time{}, err
	}
	return out.ExpiresAt, nil
}

// DeleteSubscription tears a subscription down.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	return c.doJSON(ctx, http.MethodDelete,
		fmt.Sprintf("/v1/subscriptions/%s", url.PathEscape(subscriptionID)), nil, nil)
}

// FetchMessage retrieves full message content.
func (c *Client) FetchMessage(ctx context.Context, resourceID, messageID string) (*core.Message, error) {
	var out wireMessage
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/resources/%s/messages/%s", url.PathEscape(resourceID), url.PathEscape(messageID)), nil, &out)
	if err != nil {
		return nil, err
	}
	return &core.Message{
		ID:         out.ID,
		ResourceID: resourceID,
		From:       out.From,
		To:         out.To,
		Subject:    out.Subject,
		Body:       out.Body,
		ReceivedAt: out.ReceivedAt,
		Headers:    out.Headers,
	}, nil
}

// MoveMessage moves a message to a folder.
func (c *Client) MoveMessage(ctx context.Context, resourceID, messageID, folder string) error {
	body := map[string]any{"destination": folder}
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/resources/%s/messages/%s/move", url.PathEscape(resourceID), url.PathEscape(messageID)), body, nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusForbidden {
			return resilience.Terminal(fmt.Errorf("%w: move to %s", core.ErrInsufficientPermission, folder))
		}
		return err
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return resilience.Terminal(fmt.Errorf("failed to encode request body: %w", err))
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return resilience.Terminal(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token(ctx)
	if err != nil {
		return resilience.Transient(fmt.Errorf("failed to acquire token: %w", err))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resilience.Transient(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resilience.RateLimited(httpErr, parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusNotFound:
		return resilience.Terminal(fmt.Errorf("%w: %s", core.ErrNotFound, httpErr.Message))
	case resp.StatusCode >= 500:
		return resilience.Transient(httpErr)
	default:
		return resilience.Terminal(httpErr)
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
