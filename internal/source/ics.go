package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-ical"

	"github.com/calmirror/calmirror/internal/model"
)

// maxBodySize caps ICS downloads. School timetable feeds run to a few
// hundred kilobytes; anything near this limit is not a calendar.
const maxBodySize = 10 << 20

// ICSReader fetches and parses an ICS feed. Times without a timezone are
// interpreted in the user's configured source timezone.
type ICSReader struct {
	url         string
	loc         *time.Location
	client      *http.Client
	cache       *Cache
	userAgent   string
	maxAttempts int
	logger      *slog.Logger

	// sleep is replaceable so tests do not wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// Fetch downloads the feed and returns its events, normalized and
// deduplicated. The fetch is conditional when a cache is configured.
func (r *ICSReader) Fetch(ctx context.Context) ([]model.Event, error) {
	body, fromCache, err := r.download(ctx)
	if err != nil {
		return nil, err
	}

	cal, err := ical.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, model.WrapError(model.KindSourceParse, "failed to parse ICS feed", err)
	}

	var events []model.Event
	skipped := 0
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		event, err := r.parseEvent(comp)
		if err != nil {
			skipped++
			r.logger.Warn("skipping malformed event", "error", err)
			continue
		}
		events = append(events, event)
	}

	events = model.DedupeByUID(events)
	r.logger.Info("fetched ICS source",
		"events", len(events), "skipped", skipped, "from_cache", fromCache)
	return events, nil
}

// download performs the HTTP fetch, honoring ETag and Last-Modified
// validators from the cache. A 304 answer reuses the cached body. Transport
// failures, 429, and 5xx answers are retried with exponential backoff.
func (r *ICSReader) download(ctx context.Context) ([]byte, bool, error) {
	var meta cacheEntry
	var cachedBody []byte
	if r.cache != nil {
		meta, cachedBody = r.cache.load(r.url)
	}

	var lastErr error
	for try := 0; try < r.maxAttempts; try++ {
		body, fromCache, retryable, err := r.fetchOnce(ctx, meta, cachedBody)
		if err == nil {
			return body, fromCache, nil
		}
		if !retryable {
			return nil, false, err
		}

		lastErr = err
		if try+1 == r.maxAttempts {
			break
		}
		delay := time.Duration(1<<try) * time.Second
		r.logger.Warn("retrying source fetch", "attempt", try+1, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, false, model.WrapError(model.KindSourceUnreachable, "source fetch cancelled", err)
		}
	}

	return nil, false, model.WrapError(model.KindSourceUnreachable,
		fmt.Sprintf("source fetch failed after %d attempts", r.maxAttempts), lastErr)
}

// fetchOnce is a single conditional GET. The third return marks failures
// worth retrying.
func (r *ICSReader) fetchOnce(ctx context.Context, meta cacheEntry, cachedBody []byte) ([]byte, bool, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, false, false, model.WrapError(model.KindSourceUnreachable, "invalid source URL", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false, true, model.WrapError(model.KindSourceUnreachable, "failed to fetch source", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
		if err != nil {
			return nil, false, true, model.WrapError(model.KindSourceUnreachable, "failed to read source body", err)
		}
		if len(body) > maxBodySize {
			return nil, false, false, model.NewError(model.KindSourceParse,
				fmt.Sprintf("source body exceeds %d bytes", maxBodySize))
		}
		if r.cache != nil {
			if err := r.cache.store(r.url, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), body); err != nil {
				r.logger.Warn("failed to update ICS cache", "error", err)
			}
		}
		return body, false, false, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, false, false, model.NewError(model.KindSourceUnreachable,
				"source answered 304 but no cached copy exists")
		}
		return cachedBody, true, false, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, false, model.NewError(model.KindSourceAuth,
			fmt.Sprintf("source rejected the fetch with status %d", resp.StatusCode))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, false, true, model.NewError(model.KindSourceUnreachable,
			fmt.Sprintf("source answered with status %d", resp.StatusCode))

	default:
		return nil, false, false, model.NewError(model.KindSourceUnreachable,
			fmt.Sprintf("source answered with status %d", resp.StatusCode))
	}
}

// parseEvent converts one VEVENT into a model event. Floating times resolve
// in the reader's location; DATE values mark all-day events with exclusive
// ends, matching RFC 5545.
func (r *ICSReader) parseEvent(comp *ical.Component) (model.Event, error) {
	event := model.Event{Title: model.DefaultTitle}

	if uid := comp.Props.Get(ical.PropUID); uid != nil {
		event.UID = uid.Value
	}
	if summary := comp.Props.Get(ical.PropSummary); summary != nil && summary.Value != "" {
		event.Title = summary.Value
	}
	if desc := comp.Props.Get(ical.PropDescription); desc != nil {
		event.Description = desc.Value
	}
	if loc := comp.Props.Get(ical.PropLocation); loc != nil {
		event.Location = loc.Value
	}
	event.Recurring = comp.Props.Get(ical.PropRecurrenceRule) != nil

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return model.Event{}, fmt.Errorf("event %q has no DTSTART", event.UID)
	}
	start, err := dtstart.DateTime(r.loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("event %q has an unparseable DTSTART: %w", event.UID, err)
	}
	event.Start = start
	event.AllDay = dtstart.Params.Get("VALUE") == "DATE"

	end, err := r.parseEnd(comp, start, event.AllDay)
	if err != nil {
		return model.Event{}, fmt.Errorf("event %q has an unparseable end: %w", event.UID, err)
	}
	event.End = end

	if event.AllDay {
		// Some feeds emit DTEND equal to DTSTART for single-day events.
		if !event.End.After(event.Start) {
			event.End = event.Start.AddDate(0, 0, 1)
		}
	} else if !event.End.After(event.Start) {
		return model.Event{}, fmt.Errorf("event %q ends before it starts", event.UID)
	}

	return event, nil
}

// parseEnd resolves the event end from DTEND, falling back to DURATION and
// then to a one-day span for all-day events. DTEND is already exclusive, so
// it is used as-is.
func (r *ICSReader) parseEnd(comp *ical.Component, start time.Time, allDay bool) (time.Time, error) {
	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		return dtend.DateTime(r.loc)
	}
	if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		dur, err := durProp.Duration()
		if err != nil {
			return time.Time{}, err
		}
		return start.Add(dur), nil
	}
	if allDay {
		return start.AddDate(0, 0, 1), nil
	}
	return start, nil
}
