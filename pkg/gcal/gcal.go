package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to the Google Calendar v3 REST API with a pre-issued OAuth
// bearer token. Token acquisition and refresh are a deployment concern.
type Client struct {
	http       *resty.Client
	calendarID string
}

type Config struct {
	BaseURL    string        `split_words:"true" default:"https://www.googleapis.com/calendar/v3"`
	Token      string        `split_words:"true" required:"true"`
	CalendarID string        `split_words:"true" default:"primary"`
	Timeout    time.Duration `split_words:"true" default:"10s"`
}

type Event struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"-"`
	End         time.Time `json:"-"`
}

type eventTime struct {
	DateTime string `json:"dateTime"`
}

type eventPayload struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
}

type eventListResponse struct {
	Items []struct {
		Summary     string    `json:"summary"`
		Description string    `json:"description"`
		Start       eventTime `json:"start"`
		End         eventTime `json:"end"`
	} `json:"items"`
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("calendar base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid calendar base url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("calendar token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	calendarID := strings.TrimSpace(cfg.CalendarID)
	if calendarID == "" {
		calendarID = "primary"
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(timeout)

	return &Client{
		http:       httpClient,
		calendarID: calendarID,
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

func (c *Client) CreateEvent(ctx context.Context, ev Event) error {
	payload := eventPayload{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       eventTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         eventTime{DateTime: ev.End.Format(time.RFC3339)},
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(fmt.Sprintf("/calendars/%s/events", url.PathEscape(c.calendarID)))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("create event: calendar api status=%d body=%s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]Event, error) {
	var out eventListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"timeMin":      timeMin.Format(time.RFC3339),
			"timeMax":      timeMax.Format(time.RFC3339),
			"singleEvents": "true",
			"orderBy":      "startTime",
		}).
		SetResult(&out).
		Get(fmt.Sprintf("/calendars/%s/events", url.PathEscape(c.calendarID)))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list events: calendar api status=%d body=%s", resp.StatusCode(), resp.String())
	}

	events := make([]Event, 0, len(out.Items))
	for _, item := range out.Items {
		ev := Event{
			Summary:     item.Summary,
			Description: item.Description,
		}
		if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
			ev.Start = t
		}
		if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.End = t
		}
		events = append(events, ev)
	}
	return events, nil
}
