package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dyike/TradeFlowGo/internal/marketdata"
	"github.com/dyike/TradeFlowGo/models"
)

// Client talks to a running TradeFlow server.
type Client struct {
	http *resty.Client
}

// NewClient builds an API client. user and pass may be empty for
// anonymous access.
func NewClient(baseURL, user, pass string) *Client {
	c := resty.New()
	c.SetBaseURL(strings.TrimRight(baseURL, "/"))
	c.SetTimeout(30 * time.Second)
	if user != "" {
		c.SetBasicAuth(user, pass)
	}
	return &Client{http: c}
}

// CreateRequest carries session creation parameters.
type CreateRequest struct {
	Ticker    string   `json:"ticker"`
	Market    string   `json:"market"`
	Model     string   `json:"model,omitempty"`
	StartDate string   `json:"start_date,omitempty"`
	EndDate   string   `json:"end_date,omitempty"`
	Analysts  []string `json:"analysts,omitempty"`
}

type sessionEnvelope struct {
	Session *models.Session `json:"session"`
	Error   string          `json:"error"`
}

type listEnvelope struct {
	Sessions []*models.Session `json:"sessions"`
	Error    string            `json:"error"`
}

// CreateSession submits a new analysis session.
func (c *Client) CreateSession(ctx context.Context, req CreateRequest) (*models.Session, error) {
	var out sessionEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/api/sessions")
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), out.Error)
	}
	return out.Session, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var out sessionEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/api/sessions/" + id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), out.Error)
	}
	return out.Session, nil
}

// ListSessions fetches the requester's session summaries.
func (c *Client) ListSessions(ctx context.Context) ([]*models.Session, error) {
	var out listEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/api/sessions")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), out.Error)
	}
	return out.Sessions, nil
}

// RetrySession re-admits a failed session.
func (c *Client) RetrySession(ctx context.Context, id string) (*models.Session, error) {
	var out sessionEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Post("/api/sessions/" + id + "/retry")
	if err != nil {
		return nil, fmt.Errorf("retry session: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), out.Error)
	}
	return out.Session, nil
}

// DeleteSession removes a session, cancelling it if running.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	var out sessionEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&out).
		Delete("/api/sessions/" + id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if resp.IsError() {
		return apiError(resp.StatusCode(), out.Error)
	}
	return nil
}

// ValidateTicker runs the server-side ticker lookup.
func (c *Client) ValidateTicker(ctx context.Context, ticker, market string) (*marketdata.Result, error) {
	var out marketdata.Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"ticker": ticker, "market": market}).
		SetResult(&out).
		Get("/api/validate")
	if err != nil {
		return nil, fmt.Errorf("validate ticker: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), "")
	}
	return &out, nil
}

// WatchSession follows a session's SSE stream, invoking handle with
// each snapshot until the session reaches a terminal state, the stream
// ends, or ctx is cancelled. The final snapshot is returned.
func (c *Client) WatchSession(ctx context.Context, id string, handle func(*models.Session)) (*models.Session, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/api/sessions/" + id + "/stream")
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return nil, apiError(resp.StatusCode(), "")
	}

	var last *models.Session
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "snapshot":
			var snap models.Session
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				continue
			}
			last = &snap
			if handle != nil {
				handle(&snap)
			}
			if snap.Status.Terminal() {
				return last, nil
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return last, fmt.Errorf("stream interrupted: %w", err)
	}
	return last, nil
}

func apiError(status int, message string) error {
	if message == "" {
		message = fmt.Sprintf("server returned status %d", status)
	}
	return fmt.Errorf("%s", message)
}
