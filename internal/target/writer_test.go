package target

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/calmirror/calmirror/internal/model"
)

// mockAPI is a scripted calendar API for reconciliation tests. Error queues
// are consumed one entry per call, so a single 429 followed by success is
// expressed as {err429, nil}.
type mockAPI struct {
	existing   []*gcal.Event
	listErrs   []error
	deleteErrs map[string][]error
	insertErrs map[string][]error

	operations []string
	inserted   []*gcal.Event
	deleted    []string
}

func newMockAPI(existingIDs ...string) *mockAPI {
	m := &mockAPI{
		deleteErrs: make(map[string][]error),
		insertErrs: make(map[string][]error),
	}
	for _, id := range existingIDs {
		m.existing = append(m.existing, &gcal.Event{Id: id})
	}
	return m
}

func (m *mockAPI) ListEvents(ctx context.Context, calendarID string) ([]*gcal.Event, error) {
	m.operations = append(m.operations, "list")
	if len(m.listErrs) > 0 {
		err := m.listErrs[0]
		m.listErrs = m.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.existing, nil
}

func (m *mockAPI) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	m.operations = append(m.operations, "delete:"+eventID)
	if errs := m.deleteErrs[eventID]; len(errs) > 0 {
		err := errs[0]
		m.deleteErrs[eventID] = errs[1:]
		if err != nil {
			return err
		}
	}
	m.deleted = append(m.deleted, eventID)
	return nil
}

func (m *mockAPI) InsertEvent(ctx context.Context, calendarID string, event *gcal.Event) error {
	m.operations = append(m.operations, "insert:"+event.Summary)
	if errs := m.insertErrs[event.Summary]; len(errs) > 0 {
		err := errs[0]
		m.insertErrs[event.Summary] = errs[1:]
		if err != nil {
			return err
		}
	}
	m.inserted = append(m.inserted, event)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestWriter builds a writer with recorded, instant sleeps.
func newTestWriter(api *mockAPI, cfg Config) (*Writer, *[]time.Duration) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "target-calendar"
	}
	w := NewWriter(api, cfg, nil, testLogger())

	sleeps := &[]time.Duration{}
	w.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return w, sleeps
}

func timedEvent(uid, title string) model.Event {
	start := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	return model.Event{UID: uid, Title: title, Start: start, End: start.Add(time.Hour)}
}

func apiError(code int, reasons ...string) error {
	err := &googleapi.Error{Code: code}
	for _, reason := range reasons {
		err.Errors = append(err.Errors, googleapi.ErrorItem{Reason: reason})
	}
	return err
}

func TestReplace_DeletesCompleteBeforeInserts(t *testing.T) {
	api := newMockAPI("old-1", "old-2")
	w, _ := newTestWriter(api, Config{})

	result, err := w.Replace(context.Background(), []model.Event{
		timedEvent("uid-1", "Mathe Vorlesung"),
		timedEvent("uid-2", "Sport"),
	})
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}

	if result.Deleted != 2 || result.Created != 2 || result.Skipped != 0 {
		t.Errorf("Expected 2 deleted / 2 created / 0 skipped, got %+v", result)
	}

	// Every delete must come before the first insert.
	firstInsert := -1
	lastDelete := -1
	for i, op := range api.operations {
		if strings.HasPrefix(op, "insert:") && firstInsert == -1 {
			firstInsert = i
		}
		if strings.HasPrefix(op, "delete:") {
			lastDelete = i
		}
	}
	if firstInsert == -1 || lastDelete == -1 || lastDelete > firstInsert {
		t.Errorf("Expected all deletes before the first insert, got %v", api.operations)
	}
}

func TestReplace_EmptySourceClearsTarget(t *testing.T) {
	api := newMockAPI("old-1", "old-2", "old-3")
	w, _ := newTestWriter(api, Config{})

	result, err := w.Replace(context.Background(), nil)
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}

	if result.Deleted != 3 || result.Created != 0 {
		t.Errorf("Expected 3 deleted / 0 created, got %+v", result)
	}
}

func TestReplace_CarriesSourceUID(t *testing.T) {
	api := newMockAPI()
	w, _ := newTestWriter(api, Config{})

	_, err := w.Replace(context.Background(), []model.Event{timedEvent("uid-1@school", "Sport")})
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}

	if len(api.inserted) != 1 {
		t.Fatalf("Expected 1 inserted event, got %d", len(api.inserted))
	}
	props := api.inserted[0].ExtendedProperties
	if props == nil || props.Private["sourceUid"] != "uid-1@school" {
		t.Error("Expected the source UID in private extended properties")
	}
}

func TestReplace_DeleteOfMissingEventCountsAsDeleted(t *testing.T) {
	api := newMockAPI("old-1")
	api.deleteErrs["old-1"] = []error{apiError(404)}
	w, sleeps := newTestWriter(api, Config{})

	result, err := w.Replace(context.Background(), nil)
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}

	if result.Deleted != 1 {
		t.Errorf("Expected the missing event to count as deleted, got %+v", result)
	}
	if len(*sleeps) != 0 {
		t.Errorf("Expected no retries for a 404 delete, got sleeps %v", *sleeps)
	}
}

func TestReplace_PartialFailure(t *testing.T) {
	api := newMockAPI()
	api.insertErrs["Ausfall 5"] = []error{apiError(400)}
	w, _ := newTestWriter(api, Config{})

	var events []model.Event
	for i := 1; i <= 10; i++ {
		title := "Stunde"
		if i == 5 {
			title = "Ausfall 5"
		}
		events = append(events, timedEvent(string(rune('a'+i)), title))
	}

	result, err := w.Replace(context.Background(), events)
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}

	if result.Created != 9 {
		t.Errorf("Expected 9 created, got %d", result.Created)
	}
	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", result.Skipped)
	}
}

func TestReplace_RetriesThenSucceeds(t *testing.T) {
	api := newMockAPI()
	api.insertErrs["Sport"] = []error{
		apiError(429),
		apiError(503),
		nil,
	}
	w, sleeps := newTestWriter(api, Config{MaxAttempts: 3})

	result, err := w.Replace(context.Background(), []model.Event{timedEvent("uid-1", "Sport")})
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}

	if result.Created != 1 {
		t.Errorf("Expected 1 created after retries, got %d", result.Created)
	}
	if result.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", result.Retries)
	}

	// Backoff doubles: 1s, then 2s.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("Expected backoff %v, got %v", want, *sleeps)
	}
}

func TestReplace_RateLimited403Retries(t *testing.T) {
	api := newMockAPI()
	api.insertErrs["Sport"] = []error{
		apiError(403, "rateLimitExceeded"),
		nil,
	}
	w, _ := newTestWriter(api, Config{MaxAttempts: 3})

	result, err := w.Replace(context.Background(), []model.Event{timedEvent("uid-1", "Sport")})
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}
	if result.Created != 1 || result.Retries != 1 {
		t.Errorf("Expected 1 created with 1 retry, got %+v", result)
	}
}

func TestReplace_RetriesExhausted(t *testing.T) {
	api := newMockAPI()
	api.insertErrs["Sport"] = []error{
		apiError(503),
		apiError(503),
		apiError(503),
	}
	w, sleeps := newTestWriter(api, Config{MaxAttempts: 3})

	_, err := w.Replace(context.Background(), []model.Event{timedEvent("uid-1", "Sport")})
	if err == nil {
		t.Fatal("Expected an error once retries are exhausted")
	}

	if !model.IsKind(err, model.KindTargetWrite) {
		t.Errorf("Expected TargetWriteError, got %v", err)
	}
	if len(*sleeps) != 2 {
		t.Errorf("Expected 2 backoff sleeps for 3 attempts, got %v", *sleeps)
	}
}

func TestReplace_AuthExpiredAbortsImmediately(t *testing.T) {
	api := newMockAPI()
	api.insertErrs["Mathe Vorlesung"] = []error{apiError(401)}
	w, sleeps := newTestWriter(api, Config{})

	_, err := w.Replace(context.Background(), []model.Event{
		timedEvent("uid-1", "Mathe Vorlesung"),
		timedEvent("uid-2", "Sport"),
	})
	if err == nil {
		t.Fatal("Expected an error for a rejected credential")
	}

	if !model.IsKind(err, model.KindAuthRequired) {
		t.Errorf("Expected AuthRequired error, got %v", err)
	}
	if len(*sleeps) != 0 {
		t.Errorf("Expected no retries for an auth failure, got sleeps %v", *sleeps)
	}
	if len(api.inserted) != 0 {
		t.Errorf("Expected no further inserts after the abort, got %d", len(api.inserted))
	}
}

func TestReplace_NonRateLimit403Aborts(t *testing.T) {
	api := newMockAPI()
	api.insertErrs["Sport"] = []error{apiError(403, "forbidden")}
	w, _ := newTestWriter(api, Config{})

	_, err := w.Replace(context.Background(), []model.Event{timedEvent("uid-1", "Sport")})
	if !model.IsKind(err, model.KindAuthRequired) {
		t.Errorf("Expected AuthRequired for a non-rate-limit 403, got %v", err)
	}
}

func TestReplace_ListFailureAborts(t *testing.T) {
	api := newMockAPI("old-1")
	api.listErrs = []error{apiError(500), apiError(500), apiError(500)}
	w, _ := newTestWriter(api, Config{MaxAttempts: 3})

	_, err := w.Replace(context.Background(), nil)
	if err == nil {
		t.Fatal("Expected an error when the target cannot be enumerated")
	}
	if !model.IsKind(err, model.KindTargetWrite) {
		t.Errorf("Expected TargetWriteError, got %v", err)
	}
	if len(api.deleted) != 0 {
		t.Errorf("Expected no deletes after a failed listing, got %v", api.deleted)
	}
}

func TestReplace_PausesBetweenBatches(t *testing.T) {
	api := newMockAPI("old-1", "old-2", "old-3", "old-4", "old-5")
	w, sleeps := newTestWriter(api, Config{BatchSize: 2, BatchPause: 50 * time.Millisecond})

	_, err := w.Replace(context.Background(), nil)
	if err != nil {
		t.Fatalf("Replace() returned an error: %v", err)
	}

	// Pauses after the 2nd and 4th delete, none after the last.
	if len(*sleeps) != 2 {
		t.Fatalf("Expected 2 batch pauses, got %v", *sleeps)
	}
	for _, d := range *sleeps {
		if d != 50*time.Millisecond {
			t.Errorf("Expected 50ms pauses, got %v", *sleeps)
		}
	}
}

func TestReplace_CancelledContextStops(t *testing.T) {
	api := newMockAPI("old-1")
	w, _ := newTestWriter(api, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Replace(ctx, nil)
	if err == nil {
		t.Fatal("Expected an error for a cancelled context")
	}
}
