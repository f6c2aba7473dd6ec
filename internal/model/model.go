// Package model holds the value types shared across the sync engine: the
// normalized calendar event, per-user sync configuration, the per-run
// outcome record, and the error taxonomy.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTitle stands in for source entries that carry no summary.
const DefaultTitle = "Kein Titel"

// Event is the normalized calendar event produced at the source boundary.
// Every downstream component (filter, reconciler, writer) operates on this
// type; raw provider records never cross package lines.
type Event struct {
	// UID is the source-provided identifier: the iCalendar UID for ICS
	// sources, the provider event id for remote-calendar sources. May be
	// empty when the source supplies none.
	UID string

	Title       string
	Description string
	Location    string

	AllDay bool

	// Start and End are timezone-aware after normalization. For all-day
	// events End is exclusive, matching both RFC 5545 DTEND and the
	// Google Calendar end date.
	Start time.Time
	End   time.Time

	// Recurring marks events belonging to a recurring series.
	Recurring bool

	// Etag is the source revision marker when one is available.
	Etag string
}

// DedupeByUID collapses duplicate UIDs, keeping the last occurrence in fetch
// order. Source feeds may legitimately repeat a UID across recurrence
// exceptions fetched separately; collapsing here prevents duplicate target
// writes. Events without a UID are always kept. The result preserves the
// position of each UID's first appearance.
func DedupeByUID(events []Event) []Event {
	seen := make(map[string]int, len(events))
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.UID == "" {
			out = append(out, ev)
			continue
		}
		if idx, ok := seen[ev.UID]; ok {
			out[idx] = ev
			continue
		}
		seen[ev.UID] = len(out)
		out = append(out, ev)
	}
	return out
}

// UserSyncConfig describes one user's sync: where events come from, where
// they go, and which titles get dropped on the way. It is owned by the
// config store and read-only to the engine during a run.
type UserSyncConfig struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`

	// SourceID is either an ICS URL or a remote calendar identifier; see
	// SourceIsICS for the classification rule.
	SourceID string `json:"source_id"`

	// TargetID names the calendar this engine exclusively manages. It must
	// be a dedicated calendar: every event in it is deleted on each run.
	TargetID string `json:"target_id"`

	// RegexPatterns is the ordered list of title exclusion rules.
	RegexPatterns []string `json:"regex_patterns,omitempty"`

	// SourceTimezone is the IANA zone naive ICS timestamps resolve in.
	SourceTimezone string `json:"source_timezone,omitempty"`

	RefreshToken string `json:"refresh_token,omitempty"`
}

// SourceIsICS reports whether the source identifier names an ICS feed. A
// source is ICS if and only if it carries an HTTP(S) scheme; anything else
// is treated as a remote-calendar identifier.
func (c *UserSyncConfig) SourceIsICS() bool {
	return strings.HasPrefix(c.SourceID, "http://") || strings.HasPrefix(c.SourceID, "https://")
}

// Status classifies a finished run attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// SyncOutcome is the single record emitted per run attempt. It is created
// once, appended to the user's log, and never mutated afterward.
type SyncOutcome struct {
	RunID     string
	UserID    string
	StartedAt time.Time
	Duration  time.Duration
	Status    Status

	Fetched  int
	Filtered int
	Created  int
	Deleted  int
	Skipped  int

	// Reason carries the failure kind when Status is StatusFailure.
	Reason Kind

	// Message is free text shown to the user alongside the counts.
	Message string
}

// Summary renders the one-line form appended to the user log.
func (o *SyncOutcome) Summary() string {
	switch o.Status {
	case StatusFailure:
		msg := o.Message
		if msg == "" {
			msg = string(o.Reason)
		}
		return fmt.Sprintf("sync failed: %s", msg)
	case StatusPartial:
		return fmt.Sprintf("sync finished with %d skipped: %d created, %d deleted, %d filtered",
			o.Skipped, o.Created, o.Deleted, o.Filtered)
	default:
		return fmt.Sprintf("sync complete: %d created, %d deleted, %d filtered",
			o.Created, o.Deleted, o.Filtered)
	}
}
