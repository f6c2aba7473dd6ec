package calendar

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// listPageSize is the page size for event listing. Google caps pages at 250.
const listPageSize = 250

// Client is a wrapper around the Google Calendar API service.
type Client struct {
	service *calendar.Service
}

// NewClient creates a new Google Calendar API client using the provided
// HTTP client, which must already carry the user's credential.
func NewClient(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &Client{service: service}, nil
}

// ListEvents retrieves every event in a calendar.
// Important: Sets SingleEvents = true to expand recurring events.
func (c *Client) ListEvents(ctx context.Context, calendarID string) ([]*calendar.Event, error) {
	var events []*calendar.Event

	pageToken := ""
	for {
		call := c.service.Events.List(calendarID).
			Context(ctx).
			SingleEvents(true).
			MaxResults(listPageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}

		events = append(events, page.Items...)
		pageToken = page.NextPageToken
		if pageToken == "" {
			return events, nil
		}
	}
}

// InsertEvent inserts a new event into a calendar.
// Important: Sets sendUpdates="none" to prevent notifications.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) error {
	_, err := c.service.Events.Insert(calendarID, event).
		Context(ctx).
		SendUpdates("none"). // Disable notifications
		Do()
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// DeleteEvent deletes an event from a calendar.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.service.Events.Delete(calendarID, eventID).
		Context(ctx).
		SendUpdates("none"). // Disable notifications
		Do()
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}

	return nil
}
