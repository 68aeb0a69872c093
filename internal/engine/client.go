// Package engine is the client for the external analysis engine. The
// engine runs the actual pipeline; this side only consumes its chunked
// NDJSON event feed.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dyike/TradeFlowGo/models"
)

// FeedRequest is the engine's analyze request payload.
type FeedRequest struct {
	Ticker   string   `json:"ticker"`
	Date     string   `json:"date"`
	Market   string   `json:"market"`
	Analysts []string `json:"analysts"`
	Model    string   `json:"model"`
}

// Client talks to the analysis engine over HTTP.
type Client struct {
	client *resty.Client
	logger *slog.Logger
}

// NewClient creates an engine client. timeout bounds one full feed, so
// it is much larger than a typical request timeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)

	return &Client{
		client: client,
		logger: logger.With("component", "engine"),
	}
}

const maxFeedLine = 1 << 20

// Stream opens the token-level feed and invokes handle for every event
// in arrival order. It returns nil when the feed ends, whether or not a
// terminal event was seen; transport and protocol failures come back as
// errors. A cancelled ctx stops consumption promptly.
func (c *Client) Stream(ctx context.Context, req FeedRequest, handle func(models.EngineEvent) error) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/analyze/stream")
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return fmt.Errorf("engine returned status %d", resp.StatusCode())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFeedLine)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event models.EngineEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("malformed feed line: %w", err)
		}
		if err := handle(event); err != nil {
			return err
		}
		if event.TerminalEvent() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read feed: %w", err)
	}
	return nil
}

// Health checks the engine's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("engine health: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("engine health returned status %d", resp.StatusCode())
	}
	return nil
}
