// Package storageclient reads persisted events through the query routes of a
// remote storage service.
package storageclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/bytedance/sonic"
)

var jsonAPI = sonic.ConfigStd

type Client struct {
	baseURL string
	http    *http.Client
	logger  pipeline.Logger
}

var _ pipeline.Loggable = (*Client)(nil)
var _ pipeline.EventFinder = (*Client)(nil)
var _ pipeline.EventCounter = (*Client)(nil)

// New creates a client for the storage service at baseURL. A nil hc uses a
// client with a ten seconds timeout.
func New(baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		panic("base URL is mandatory")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  &pipeline.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (c *Client) SetLogger(l pipeline.Logger) {
	c.logger = l
}

func (c *Client) FindListings(ctx context.Context, start, end time.Time) ([]*pipeline.ListingRecord, error) {
	var records []*pipeline.ListingRecord
	if err := c.get(ctx, "/events/listings", window(start, end), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) FindTransactions(ctx context.Context, start, end time.Time) ([]*pipeline.TransactionRecord, error) {
	var records []*pipeline.TransactionRecord
	if err := c.get(ctx, "/events/transactions", window(start, end), &records); err != nil {
		return nil, err
	}
	return records, nil
}

type countResponse struct {
	Type  pipeline.Kind `json:"type"`
	Count uint64        `json:"count"`
}

// CountEvents asks the storage service to count instead of downloading the
// events of the window.
func (c *Client) CountEvents(ctx context.Context, kind pipeline.Kind, start, end time.Time) (uint64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownKind, kind)
	}
	q := window(start, end)
	q.Set("type", kind.String())

	var resp countResponse
	if err := c.get(ctx, "/events/count", q, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func window(start, end time.Time) url.Values {
	q := url.Values{}
	q.Set("start_timestamp", pipeline.FormatTimestamp(start))
	q.Set("end_timestamp", pipeline.FormatTimestamp(end))
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	target := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrQuery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrQuery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: could not read the response of %s: %w", pipeline.ErrQuery, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Message string `json:"message"`
		}
		_ = jsonAPI.Unmarshal(body, &msg)
		return fmt.Errorf("%w: %s returned %d: %s", pipeline.ErrQuery, path, resp.StatusCode, msg.Message)
	}
	if err := jsonAPI.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: could not decode the response of %s: %w", pipeline.ErrQuery, path, err)
	}
	c.logger.Debug(fmt.Sprintf("queried %s", target))
	return nil
}
