// Package fetch issues the chapter content requests. It owns transport
// concerns only: timeouts, randomized headers, and response classification.
// Retry, endpoint rotation, and backoff belong to the engine.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kyten/ficdl/internal/config"
)

// ErrNotFound marks a permanent 404: the chapter does not exist on the
// remote service and retrying cannot help.
var ErrNotFound = errors.New("chapter not found")

// ErrExtraction marks a well-formed response in which the chapter content
// could not be located.
var ErrExtraction = errors.New("content extraction failed")

// Extractor turns a raw decoded payload into chapter text. It is a
// collaborator so alternative API response shapes can plug in.
type Extractor interface {
	Extract(payload json.RawMessage) (content, title string, err error)
}

// apiExtractor handles the chapter API's {"data": {"content", "title"}}
// shape, falling back to top-level fields.
type apiExtractor struct{}

type apiPayload struct {
	Data    *apiPayloadBody `json:"data"`
	Content string          `json:"content"`
	Title   string          `json:"title"`
}

type apiPayloadBody struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

func (apiExtractor) Extract(payload json.RawMessage) (string, string, error) {
	var body apiPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", "", fmt.Errorf("error decoding chapter payload: %w", err)
	}
	if body.Data != nil && body.Data.Content != "" {
		return body.Data.Content, body.Data.Title, nil
	}
	if body.Content != "" {
		return body.Content, body.Title, nil
	}
	return "", "", ErrExtraction
}

// DefaultExtractor returns the extractor for the standard chapter API shape.
func DefaultExtractor() Extractor {
	return apiExtractor{}
}

// Client performs chapter requests over a shared resty transport.
type Client struct {
	http      *resty.Client
	minWaitMs int
	maxWaitMs int
	cookie    string
}

func NewClient(cfg *config.Config) *Client {
	rc := resty.New()
	rc.SetTimeout(cfg.RequestTimeout())
	rc.SetTransport(&http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout(),
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout(),
	})
	// Engine-level retry handles rotation and backoff; resty must not add
	// its own attempts underneath it.
	rc.SetRetryCount(0)
	return &Client{
		http:      rc,
		minWaitMs: cfg.MinWaitMs,
		maxWaitMs: cfg.MaxWaitMs,
		cookie:    cfg.Cookie,
	}
}

// Jitter returns a random politeness delay within the configured bounds.
func (c *Client) Jitter() time.Duration {
	spread := c.maxWaitMs - c.minWaitMs
	ms := c.minWaitMs
	if spread > 0 {
		ms += rand.Intn(spread + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// FetchChapter requests a single chapter from one endpoint and returns the
// raw decoded payload. A 404 maps to ErrNotFound; transport and decode
// errors come back as-is for the engine to retry.
func (c *Client) FetchChapter(ctx context.Context, endpoint, chapterID string) (json.RawMessage, error) {
	url := strings.TrimRight(endpoint, "/") + "/content"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(RandomHeaders(c.cookie)).
		SetQueryParam("item_id", chapterID).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("error requesting chapter %s: %w", chapterID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("chapter %s: %w", chapterID, ErrNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("unexpected status %d for chapter %s", resp.StatusCode(), chapterID)
	}
	body := resp.Body()
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid JSON response for chapter %s", chapterID)
	}
	return json.RawMessage(body), nil
}

// FetchBatch requests up to a full group of chapters in one call against
// the multi-chapter endpoint. The response maps chapter id to its payload;
// the caller demultiplexes and decides what a missing id means.
func (c *Client) FetchBatch(ctx context.Context, batchEndpoint string, ids []string) (map[string]json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(RandomHeaders(c.cookie)).
		SetQueryParam("item_ids", strings.Join(ids, ",")).
		Get(batchEndpoint)
	if err != nil {
		return nil, fmt.Errorf("error requesting batch of %d chapters: %w", len(ids), err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("unexpected status %d for batch request", resp.StatusCode())
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("error decoding batch response: %w", err)
	}
	return out, nil
}
