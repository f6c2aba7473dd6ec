package calendar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// testClient returns a Client talking to a fake Calendar API.
func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(context.Background(), server.Client(), option.WithEndpoint(server.URL))
	if err != nil {
		t.Fatalf("NewClient() returned an error: %v", err)
	}
	return client
}

func TestListEvents_Pagination(t *testing.T) {
	var requests int
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if got := r.URL.Query().Get("singleEvents"); got != "true" {
			t.Errorf("Expected singleEvents=true, got '%s'", got)
		}

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"items": [{"id": "ev-1"}, {"id": "ev-2"}], "nextPageToken": "page-2"}`)
			return
		}
		fmt.Fprint(w, `{"items": [{"id": "ev-3"}]}`)
	}))

	events, err := client.ListEvents(context.Background(), "target-calendar")
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}

	if requests != 2 {
		t.Errorf("Expected 2 requests for 2 pages, got %d", requests)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events across pages, got %d", len(events))
	}
	if events[2].Id != "ev-3" {
		t.Errorf("Expected last event 'ev-3', got '%s'", events[2].Id)
	}
}

func TestInsertEvent_DisablesNotifications(t *testing.T) {
	var sendUpdates string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendUpdates = r.URL.Query().Get("sendUpdates")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "created-1"}`)
	}))

	err := client.InsertEvent(context.Background(), "target-calendar", &calendar.Event{Summary: "Sport"})
	if err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	if sendUpdates != "none" {
		t.Errorf("Expected sendUpdates=none, got '%s'", sendUpdates)
	}
}

func TestDeleteEvent_NotFoundClassifiedGone(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": 404, "message": "Not Found", "errors": [{"reason": "notFound"}]}}`)
	}))

	err := client.DeleteEvent(context.Background(), "target-calendar", "missing-event")
	if err == nil {
		t.Fatal("Expected an error for a missing event")
	}

	// Deleting an event that is already gone counts as success upstream.
	if got := Classify(err); got != DispositionGone {
		t.Errorf("Classify() = %v, want %v", got, DispositionGone)
	}
}
