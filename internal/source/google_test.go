package source

import (
	"context"
	"fmt"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/calmirror/calmirror/internal/model"
)

// stubAPI is a calendar API stub for source reads. Errors in listErrs are
// consumed one per call before listErr and the events apply.
type stubAPI struct {
	events   []*gcal.Event
	listErr  error
	listErrs []error
	calls    int
}

func (s *stubAPI) ListEvents(ctx context.Context, calendarID string) ([]*gcal.Event, error) {
	s.calls++
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		return nil, err
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.events, nil
}

func (s *stubAPI) InsertEvent(ctx context.Context, calendarID string, event *gcal.Event) error {
	return nil
}

func (s *stubAPI) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return nil
}

// newGoogleReader builds a reader with a single attempt so failure tests do
// not sit in backoff.
func newGoogleReader(t *testing.T, api *stubAPI) Reader {
	t.Helper()
	user := &model.UserSyncConfig{
		ID:             "alice",
		SourceID:       "c_source@group.calendar.google.com",
		SourceTimezone: "Europe/Berlin",
	}
	reader, err := ForUser(user, Options{Calendar: api, MaxAttempts: 1, Logger: testLogger()})
	if err != nil {
		t.Fatalf("ForUser() returned an error: %v", err)
	}
	return reader
}

func TestGoogleReader_Fetch(t *testing.T) {
	api := &stubAPI{events: []*gcal.Event{
		{
			Id:      "ev-1",
			ICalUID: "uid-1@provider",
			Summary: "Mathe Vorlesung",
			Start:   &gcal.EventDateTime{DateTime: "2025-01-15T09:00:00+01:00"},
			End:     &gcal.EventDateTime{DateTime: "2025-01-15T10:30:00+01:00"},
		},
		{
			Id:     "ev-2",
			Status: "cancelled",
		},
		{
			Id:      "ev-3",
			ICalUID: "uid-3@provider",
			Summary: "Sport",
			Start:   &gcal.EventDateTime{Date: "2025-01-20"},
			End:     &gcal.EventDateTime{Date: "2025-01-21"},
		},
	}}

	events, err := newGoogleReader(t, api).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() returned an error: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 events after dropping the cancelled one, got %d", len(events))
	}
	if events[0].UID != "uid-1@provider" {
		t.Errorf("Expected UID 'uid-1@provider', got '%s'", events[0].UID)
	}
	if !events[1].AllDay {
		t.Error("Expected the second event to be all-day")
	}
}

func TestGoogleReader_DuplicateUIDsCollapse(t *testing.T) {
	api := &stubAPI{events: []*gcal.Event{
		{
			ICalUID: "uid-1",
			Summary: "Alte Fassung",
			Start:   &gcal.EventDateTime{DateTime: "2025-01-15T09:00:00Z"},
			End:     &gcal.EventDateTime{DateTime: "2025-01-15T10:00:00Z"},
		},
		{
			ICalUID: "uid-1",
			Summary: "Neue Fassung",
			Start:   &gcal.EventDateTime{DateTime: "2025-01-16T09:00:00Z"},
			End:     &gcal.EventDateTime{DateTime: "2025-01-16T10:00:00Z"},
		},
	}}

	events, err := newGoogleReader(t, api).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() returned an error: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Title != "Neue Fassung" {
		t.Errorf("Expected the later occurrence to win, got '%s'", events[0].Title)
	}
}

func TestGoogleReader_AuthError(t *testing.T) {
	api := &stubAPI{listErr: fmt.Errorf("failed to list events: %w", &googleapi.Error{Code: 401})}

	_, err := newGoogleReader(t, api).Fetch(context.Background())
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !model.IsKind(err, model.KindSourceAuth) {
		t.Errorf("Expected SourceAuthError, got %v", err)
	}
}

func TestGoogleReader_NotFound(t *testing.T) {
	api := &stubAPI{listErr: fmt.Errorf("failed to list events: %w", &googleapi.Error{Code: 404})}

	_, err := newGoogleReader(t, api).Fetch(context.Background())
	if !model.IsKind(err, model.KindSourceUnreachable) {
		t.Errorf("Expected SourceUnreachable error, got %v", err)
	}
}

func TestGoogleReader_NetworkError(t *testing.T) {
	api := &stubAPI{listErr: fmt.Errorf("connection reset by peer")}

	_, err := newGoogleReader(t, api).Fetch(context.Background())
	if !model.IsKind(err, model.KindSourceUnreachable) {
		t.Errorf("Expected SourceUnreachable error, got %v", err)
	}
}

func TestGoogleReader_RetriesTransientFailures(t *testing.T) {
	api := &stubAPI{
		listErrs: []error{&googleapi.Error{Code: 503}, &googleapi.Error{Code: 429}},
		events: []*gcal.Event{{
			ICalUID: "uid-1",
			Summary: "Sport",
			Start:   &gcal.EventDateTime{DateTime: "2025-01-15T09:00:00Z"},
			End:     &gcal.EventDateTime{DateTime: "2025-01-15T10:00:00Z"},
		}},
	}

	user := &model.UserSyncConfig{
		ID:             "alice",
		SourceID:       "c_source@group.calendar.google.com",
		SourceTimezone: "Europe/Berlin",
	}
	reader, err := ForUser(user, Options{Calendar: api, MaxAttempts: 3, Logger: testLogger()})
	if err != nil {
		t.Fatalf("ForUser() returned an error: %v", err)
	}
	reader.(*GoogleReader).sleep = func(context.Context, time.Duration) error { return nil }

	events, err := reader.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() returned an error: %v", err)
	}

	if api.calls != 3 {
		t.Errorf("Expected 3 list calls, got %d", api.calls)
	}
	if len(events) != 1 || events[0].Title != "Sport" {
		t.Errorf("Expected the event from the final attempt, got %+v", events)
	}
}

func TestGoogleReader_RetriesExhausted(t *testing.T) {
	api := &stubAPI{listErr: &googleapi.Error{Code: 503}}

	user := &model.UserSyncConfig{
		ID:             "alice",
		SourceID:       "c_source@group.calendar.google.com",
		SourceTimezone: "Europe/Berlin",
	}
	reader, err := ForUser(user, Options{Calendar: api, MaxAttempts: 2, Logger: testLogger()})
	if err != nil {
		t.Fatalf("ForUser() returned an error: %v", err)
	}
	reader.(*GoogleReader).sleep = func(context.Context, time.Duration) error { return nil }

	_, err = reader.Fetch(context.Background())
	if !model.IsKind(err, model.KindSourceUnreachable) {
		t.Errorf("Expected SourceUnreachable after exhausted retries, got %v", err)
	}
	if api.calls != 2 {
		t.Errorf("Expected 2 list calls, got %d", api.calls)
	}
}

func TestForUser_PicksReaderByShape(t *testing.T) {
	icsUser := &model.UserSyncConfig{
		ID:             "alice",
		SourceID:       "https://example.com/plan.ics",
		SourceTimezone: "Europe/Berlin",
	}
	reader, err := ForUser(icsUser, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("ForUser() returned an error: %v", err)
	}
	if _, ok := reader.(*ICSReader); !ok {
		t.Errorf("Expected an ICS reader for an http(s) source, got %T", reader)
	}

	calUser := &model.UserSyncConfig{
		ID:             "alice",
		SourceID:       "c_source@group.calendar.google.com",
		SourceTimezone: "Europe/Berlin",
	}
	reader, err = ForUser(calUser, Options{Calendar: &stubAPI{}, Logger: testLogger()})
	if err != nil {
		t.Fatalf("ForUser() returned an error: %v", err)
	}
	if _, ok := reader.(*GoogleReader); !ok {
		t.Errorf("Expected a remote-calendar reader, got %T", reader)
	}
}

func TestForUser_RejectsUnknownTimezone(t *testing.T) {
	user := &model.UserSyncConfig{
		ID:             "alice",
		SourceID:       "https://example.com/plan.ics",
		SourceTimezone: "Mars/Olympus_Mons",
	}
	if _, err := ForUser(user, Options{Logger: testLogger()}); err == nil {
		t.Error("Expected an error for an unknown timezone")
	}
}
