package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/model"
)

// GoogleReader fetches a source calendar through the Calendar API using the
// same credential the target writes run under.
type GoogleReader struct {
	api         calendar.API
	calendarID  string
	maxAttempts int
	logger      *slog.Logger

	// sleep is replaceable so tests do not wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// Fetch lists the source calendar and returns its events, normalized and
// deduplicated. Cancelled instances are dropped.
func (r *GoogleReader) Fetch(ctx context.Context) ([]model.Event, error) {
	items, err := r.list(ctx)
	if err != nil {
		return nil, err
	}

	var events []model.Event
	skipped := 0
	for _, item := range items {
		event, ok := calendar.FromGoogleEvent(item)
		if !ok {
			skipped++
			continue
		}
		events = append(events, event)
	}

	events = model.DedupeByUID(events)
	r.logger.Info("fetched remote-calendar source",
		"events", len(events), "skipped", skipped)
	return events, nil
}

// list reads the source calendar, retrying transient failures with
// exponential backoff.
func (r *GoogleReader) list(ctx context.Context) ([]*gcal.Event, error) {
	var lastErr error
	for try := 0; try < r.maxAttempts; try++ {
		items, err := r.api.ListEvents(ctx, r.calendarID)
		switch calendar.Classify(err) {
		case calendar.DispositionOK:
			return items, nil
		case calendar.DispositionAuthExpired:
			return nil, model.WrapError(model.KindSourceAuth, "source calendar rejected the read", err)
		case calendar.DispositionGone:
			return nil, model.WrapError(model.KindSourceUnreachable, "source calendar not found", err)
		case calendar.DispositionSkip:
			return nil, model.WrapError(model.KindSourceUnreachable, "failed to read source calendar", err)
		}

		lastErr = err
		if try+1 == r.maxAttempts {
			break
		}
		delay := time.Duration(1<<try) * time.Second
		r.logger.Warn("retrying source list", "attempt", try+1, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, model.WrapError(model.KindSourceUnreachable, "source read cancelled", err)
		}
	}

	return nil, model.WrapError(model.KindSourceUnreachable,
		fmt.Sprintf("source list failed after %d attempts", r.maxAttempts), lastErr)
}
