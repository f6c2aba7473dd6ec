// Package filter drops events whose titles match exclusion patterns.
package filter

import (
	"fmt"
	"regexp"

	"github.com/calmirror/calmirror/internal/model"
)

// Filter holds one user's compiled exclusion patterns.
type Filter struct {
	patterns []*regexp.Regexp
}

// New compiles the exclusion patterns. Matching is case-sensitive and
// unanchored: a pattern excludes an event when it matches anywhere in the
// title; users anchor explicitly with ^ and $ when they mean it. An invalid
// pattern is a configuration error, not something to skip over.
func New(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, model.WrapError(model.KindFilterConfig,
				fmt.Sprintf("invalid exclusion pattern %q", pattern), err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Apply returns the events that survive filtering and the count excluded.
// The input order is preserved.
func (f *Filter) Apply(events []model.Event) ([]model.Event, int) {
	if len(f.patterns) == 0 {
		return events, 0
	}

	kept := make([]model.Event, 0, len(events))
	excluded := 0
	for _, event := range events {
		if f.excludes(event.Title) {
			excluded++
			continue
		}
		kept = append(kept, event)
	}
	return kept, excluded
}

func (f *Filter) excludes(title string) bool {
	for _, re := range f.patterns {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}
