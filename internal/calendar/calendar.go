// Package calendar wraps the slice of the Google Calendar API the sync
// engine uses and classifies its failures.
package calendar

import (
	"context"

	"google.golang.org/api/calendar/v3"
)

// API is the calendar surface the engine depends on. The source reader uses
// ListEvents to fetch remote-calendar sources; the target writer uses all
// three to rebuild the mirror.
type API interface {
	// ListEvents retrieves every event in a calendar, following
	// pagination and expanding recurring events into instances.
	ListEvents(ctx context.Context, calendarID string) ([]*calendar.Event, error)

	// InsertEvent adds an event without sending attendee notifications.
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) error

	// DeleteEvent removes an event without sending attendee
	// notifications.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}
