// Package target rebuilds the mirror calendar. Reconciliation is a full
// replace: every event in the target is deleted, then every filtered source
// event is inserted fresh. The target is treated as wholly owned; nothing
// in it survives a sync except what the source put there.
package target

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/model"
)

// Config bounds a writer's behavior against the target calendar.
type Config struct {
	// CalendarID is the target calendar to rebuild.
	CalendarID string

	// MaxAttempts bounds tries per API call, first attempt included.
	MaxAttempts int

	// BatchSize and BatchPause throttle bursts: after every BatchSize
	// mutations the writer idles for BatchPause.
	BatchSize  int
	BatchPause time.Duration
}

// Result is what a reconcile run did to the target.
type Result struct {
	Deleted int
	Created int
	Skipped int
	Retries int
}

// Writer performs the full-replace reconciliation against one target
// calendar.
type Writer struct {
	api     calendar.API
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	// sleep is replaceable so tests do not wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWriter returns a Writer for the given target. A nil limiter means
// unpaced writes.
func NewWriter(api calendar.API, cfg Config, limiter *rate.Limiter, logger *slog.Logger) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		api:     api,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Replace rebuilds the target calendar to contain exactly the given events.
// All deletes complete before the first insert, so an interrupted run
// leaves the target missing events rather than holding duplicates.
func (w *Writer) Replace(ctx context.Context, events []model.Event) (*Result, error) {
	result := &Result{}

	existing, err := w.listExisting(ctx, result)
	if err != nil {
		return result, err
	}

	if err := w.deleteAll(ctx, existing, result); err != nil {
		return result, err
	}
	if err := w.insertAll(ctx, events, result); err != nil {
		return result, err
	}

	w.logger.Info("target rebuilt",
		"deleted", result.Deleted, "created", result.Created,
		"skipped", result.Skipped, "retries", result.Retries)
	return result, nil
}

func (w *Writer) listExisting(ctx context.Context, result *Result) ([]*gcal.Event, error) {
	var items []*gcal.Event
	disp, err := w.attempt(ctx, "list target events", result, func() error {
		var err error
		items, err = w.api.ListEvents(ctx, w.cfg.CalendarID)
		return err
	})

	switch disp {
	case calendar.DispositionOK:
		return items, nil
	case calendar.DispositionGone:
		return nil, model.WrapError(model.KindTargetWrite, "target calendar not found", err)
	case calendar.DispositionSkip:
		return nil, model.WrapError(model.KindTargetWrite, "failed to enumerate target calendar", err)
	default:
		return nil, err
	}
}

func (w *Writer) deleteAll(ctx context.Context, existing []*gcal.Event, result *Result) error {
	for i, item := range existing {
		eventID := item.Id
		disp, err := w.attempt(ctx, "delete event", result, func() error {
			return w.api.DeleteEvent(ctx, w.cfg.CalendarID, eventID)
		})

		switch disp {
		case calendar.DispositionOK, calendar.DispositionGone:
			// An event that vanished on its own is still gone.
			result.Deleted++
		case calendar.DispositionSkip:
			result.Skipped++
			w.logger.Warn("could not delete event", "event", eventID, "error", err)
		default:
			return err
		}

		if err := w.pause(ctx, i, len(existing)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) insertAll(ctx context.Context, events []model.Event, result *Result) error {
	for i, event := range events {
		body := calendar.ToGoogleEvent(event)
		disp, err := w.attempt(ctx, "insert event", result, func() error {
			return w.api.InsertEvent(ctx, w.cfg.CalendarID, body)
		})

		switch disp {
		case calendar.DispositionOK:
			result.Created++
		case calendar.DispositionGone:
			return model.WrapError(model.KindTargetWrite, "target calendar not found", err)
		case calendar.DispositionSkip:
			result.Skipped++
			w.logger.Warn("could not insert event",
				"uid", event.UID, "title", event.Title, "error", err)
		default:
			return err
		}

		if err := w.pause(ctx, i, len(events)); err != nil {
			return err
		}
	}
	return nil
}

// attempt runs one calendar call, retrying transient failures with
// exponential backoff. The returned error is the underlying failure for
// Gone and Skip dispositions, and a terminal wrapped error otherwise.
func (w *Writer) attempt(ctx context.Context, op string, result *Result, call func() error) (calendar.Disposition, error) {
	var lastErr error
	for try := 0; try < w.cfg.MaxAttempts; try++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return calendar.DispositionRetry, err
		}

		err := call()
		disp := calendar.Classify(err)
		switch disp {
		case calendar.DispositionOK:
			return disp, nil
		case calendar.DispositionGone, calendar.DispositionSkip:
			return disp, err
		case calendar.DispositionAuthExpired:
			return disp, model.WrapError(model.KindAuthRequired, "target rejected the credential", err)
		}

		lastErr = err
		if try+1 == w.cfg.MaxAttempts {
			break
		}

		delay := time.Duration(1<<try) * time.Second
		result.Retries++
		w.logger.Warn("retrying "+op, "attempt", try+1, "delay", delay, "error", err)
		if err := w.sleep(ctx, delay); err != nil {
			return calendar.DispositionRetry, err
		}
	}

	return calendar.DispositionRetry, model.WrapError(model.KindTargetWrite,
		fmt.Sprintf("%s failed after %d attempts", op, w.cfg.MaxAttempts), lastErr)
}

// pause idles between batches of mutations.
func (w *Writer) pause(ctx context.Context, done, total int) error {
	if w.cfg.BatchPause <= 0 {
		return nil
	}
	if (done+1)%w.cfg.BatchSize != 0 || done+1 >= total {
		return nil
	}
	return w.sleep(ctx, w.cfg.BatchPause)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
