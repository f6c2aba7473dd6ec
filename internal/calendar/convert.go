package calendar

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/calmirror/calmirror/internal/model"
)

// PropertySourceUID is the private extended property on mirrored events that
// carries the UID of the source entry they were built from.
const PropertySourceUID = "sourceUid"

const dateLayout = "2006-01-02"

// ToGoogleEvent renders a normalized event for insertion into the target
// calendar. All-day events use date-only start and end; the end date is
// exclusive on both sides of the conversion, so no shifting is needed.
func ToGoogleEvent(e model.Event) *calendar.Event {
	ev := &calendar.Event{
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{PropertySourceUID: e.UID},
		},
	}

	if e.AllDay {
		ev.Start = &calendar.EventDateTime{Date: e.Start.Format(dateLayout)}
		ev.End = &calendar.EventDateTime{Date: e.End.Format(dateLayout)}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: e.Start.Format(time.RFC3339)}
		ev.End = &calendar.EventDateTime{DateTime: e.End.Format(time.RFC3339)}
	}

	return ev
}

// FromGoogleEvent converts an API event into the engine's model. The second
// return is false for events that should not be mirrored: cancelled
// instances and events without usable times.
func FromGoogleEvent(ev *calendar.Event) (model.Event, bool) {
	if ev == nil || ev.Status == "cancelled" {
		return model.Event{}, false
	}

	out := model.Event{
		UID:         ev.ICalUID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Recurring:   ev.RecurringEventId != "",
		Etag:        ev.Etag,
	}
	if out.UID == "" {
		out.UID = ev.Id
	}
	if out.Title == "" {
		out.Title = model.DefaultTitle
	}

	start, allDay, ok := parseEventTime(ev.Start)
	if !ok {
		return model.Event{}, false
	}
	end, _, ok := parseEventTime(ev.End)
	if !ok {
		return model.Event{}, false
	}

	out.Start = start
	out.End = end
	out.AllDay = allDay
	return out, true
}

func parseEventTime(edt *calendar.EventDateTime) (time.Time, bool, bool) {
	if edt == nil {
		return time.Time{}, false, false
	}
	if edt.Date != "" {
		t, err := time.Parse(dateLayout, edt.Date)
		return t, true, err == nil
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	return t, false, err == nil
}
