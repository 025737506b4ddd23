package mailgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://mail.googleapis.com/mail/v1"
	maxRetries     = 12  // Covers ~10 minutes of network outages
	maxBackoff     = 600 // Max backoff in seconds
)

// Client implements the Gateway interface over the provider's REST API.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	userID      string // "me" for authenticated user
	concurrency int    // Max parallel requests for batch operations
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConcurrency sets the max concurrent requests for batch operations.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithBaseURL overrides the provider endpoint (used in tests).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// NewClient creates a new gateway client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  oauth2.NewClient(context.Background(), tokenSource),
		baseURL:     defaultBaseURL,
		userID:      "me",
		concurrency: 5,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing
	return nil
}

// request makes an HTTP request with rate limiting and retry logic.
// bodyBytes can be nil for requests without a body.
func (c *Client) request(ctx context.Context, op Operation, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		// New reader per attempt so the body can be re-read on retry
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case 429: // Rate limited
			// Debug level: throttling is expected during a sweep and the
			// retry logic handles it automatically
			c.logger.Debug("rate limited, backing off 30s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case 403: // Could be rate limit or permission error
			if isRateLimitError(respBody) {
				c.logger.Debug("quota exceeded, backing off 60s", "path", path, "attempt", attempt)
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue
			}
			// Actual permission error - don't retry
			return nil, fmt.Errorf("forbidden (403): %s", string(respBody))

		case 500, 502, 503, 504: // Server errors
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case 401: // Unauthorized - token might be expired
			// oauth2.Client should auto-refresh, but if it fails, don't retry
			return nil, fmt.Errorf("unauthorized (401): token may be invalid")

		case 404:
			return nil, &NotFoundError{Path: path}

		default: // Other client errors - don't retry
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the backoff duration for a retry attempt.
// Uses exponential backoff with full jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}

	// Full jitter: random value between 0 and base
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// isRateLimitError checks if a 403 response is actually a rate limit error.
// The provider returns 403 with "rateLimitExceeded" for quota exhaustion
// instead of 429.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// Provider JSON response types (unexported, used only for JSON unmarshaling).

type wireMessage struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"threadId"`
	Subject        string   `json:"subject"`
	From           string   `json:"from"`
	Snippet        string   `json:"snippet"`
	BodyChars      int      `json:"bodyChars"`
	LabelIDs       []string `json:"labelIds"`
	InternalDate   string   `json:"internalDate"` // Unix milliseconds as string
}

type conversationResponse struct {
	ID       string        `json:"id"`
	Messages []wireMessage `json:"messages"`
}

type wireFolder struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	MessagesTotal int64  `json:"messagesTotal"`
}

type listFoldersResponse struct {
	Folders []wireFolder `json:"labels"`
}

type listFolderMessagesResponse struct {
	Messages []wireMessage `json:"messages"`
}

type sendDraftResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"threadId"`
	SentAt         string `json:"internalDate"` // Unix milliseconds as string
}

// mapMessage converts a wire message to the domain type. Optional fields
// absent from the provider payload stay at their zero values.
func mapMessage(w wireMessage) *Message {
	receivedAt, _ := strconv.ParseInt(w.InternalDate, 10, 64)
	return &Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Subject:        w.Subject,
		From:           w.From,
		Snippet:        w.Snippet,
		BodyChars:      w.BodyChars,
		FolderIDs:      w.LabelIDs,
		ReceivedAt:     receivedAt,
	}
}

// ListConversation returns all messages in a conversation, oldest first.
func (c *Client) ListConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	path := fmt.Sprintf("/users/%s/threads/%s?format=metadata", c.userID, conversationID)
	data, err := c.request(ctx, OpConversationGet, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp conversationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse conversation: %w", err)
	}

	messages := make([]*Message, len(resp.Messages))
	for i, m := range resp.Messages {
		messages[i] = mapMessage(m)
	}
	return messages, nil
}

// ListConversationsBatch fetches multiple conversations in parallel with rate limiting.
func (c *Client) ListConversationsBatch(ctx context.Context, conversationIDs []string) ([][]*Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	results := make([][]*Message, len(conversationIDs))
	sem := make(chan struct{}, c.concurrency)

	g, ctx := errgroup.WithContext(ctx)

	for i, id := range conversationIDs {
		i, id := i, id // Capture for goroutine

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return ctx.Err()
			}

			msgs, err := c.ListConversation(ctx, id)
			if err != nil {
				// Log but don't fail the batch - allow partial results
				c.logger.Warn("failed to fetch conversation", "id", id, "error", err)
				return nil
			}

			results[i] = msgs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// ListFolders returns all folders for the account.
func (c *Client) ListFolders(ctx context.Context) ([]*Folder, error) {
	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, err := c.request(ctx, OpFoldersList, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listFoldersResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse folders: %w", err)
	}

	folders := make([]*Folder, len(resp.Folders))
	for i, f := range resp.Folders {
		folders[i] = &Folder{
			ID:            f.ID,
			Name:          f.Name,
			Type:          f.Type,
			MessagesTotal: f.MessagesTotal,
		}
	}
	return folders, nil
}

// ListFolder returns messages in a folder matching the query.
func (c *Client) ListFolder(ctx context.Context, folderID, query string) ([]*Message, error) {
	params := url.Values{}
	params.Set("maxResults", "100")
	params.Set("labelIds", folderID)
	if query != "" {
		params.Set("q", query)
	}

	path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
	data, err := c.request(ctx, OpFolderList, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listFolderMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse folder messages: %w", err)
	}

	messages := make([]*Message, len(resp.Messages))
	for i, m := range resp.Messages {
		messages[i] = mapMessage(m)
	}
	return messages, nil
}

// SendDraft sends a previously composed draft.
func (c *Client) SendDraft(ctx context.Context, draftID string) (*SentMessage, error) {
	body, err := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: draftID})
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	path := fmt.Sprintf("/users/%s/drafts/send", c.userID)
	data, err := c.request(ctx, OpDraftSend, "POST", path, body)
	if err != nil {
		return nil, err
	}

	var resp sendDraftResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse send response: %w", err)
	}

	sentAt, _ := strconv.ParseInt(resp.SentAt, 10, 64)
	if sentAt == 0 {
		sentAt = time.Now().UnixMilli()
	}

	return &SentMessage{
		ID:             resp.ID,
		ConversationID: resp.ConversationID,
		SentAt:         sentAt,
	}, nil
}

// MoveMessage moves a message into the given folder.
func (c *Client) MoveMessage(ctx context.Context, messageID, folderID string) error {
	body, err := json.Marshal(struct {
		AddLabelIDs    []string `json:"addLabelIds"`
		RemoveLabelIDs []string `json:"removeLabelIds"`
	}{
		AddLabelIDs:    []string{folderID},
		RemoveLabelIDs: []string{"INBOX"},
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	path := fmt.Sprintf("/users/%s/messages/%s/modify", c.userID, messageID)
	_, err = c.request(ctx, OpMessageMove, "POST", path, body)
	return err
}

// ApplyLabel attaches a label to a message.
func (c *Client) ApplyLabel(ctx context.Context, messageID, label string) error {
	body, err := json.Marshal(struct {
		AddLabelIDs []string `json:"addLabelIds"`
	}{AddLabelIDs: []string{label}})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	path := fmt.Sprintf("/users/%s/messages/%s/modify", c.userID, messageID)
	_, err = c.request(ctx, OpLabelApply, "POST", path, body)
	return err
}

// Ensure Client implements Gateway interface.
var _ Gateway = (*Client)(nil)
