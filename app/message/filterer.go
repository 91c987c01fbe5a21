package message

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/lysyi3m/tg-comb/app/database"
)

var filterFields = map[string]func(database.Message) string{
	"name":        func(m database.Message) string { return m.Name },
	"description": func(m database.Message) string { return m.Description },
	"tags":        func(m database.Message) string { return m.Tags },
	"file_size":   func(m database.Message) string { return m.FileSize },
	"link":        func(m database.Message) string { return m.Link },
}

type Filterer struct {
	filters []Filter
}

func NewFilterer(filters []Filter) *Filterer {
	return &Filterer{filters: filters}
}

// Run returns the messages no filter hides, keeping their order. Stored
// rows are never touched.
func (f *Filterer) Run(messages []database.Message) []database.Message {
	if len(f.filters) == 0 {
		return messages
	}

	kept := make([]database.Message, 0, len(messages))
	for _, msg := range messages {
		if hidden, reason := f.applyFilters(msg); hidden {
			slog.Debug("Message hidden from feed", "id", msg.ID, "reason", reason)
			continue
		}
		kept = append(kept, msg)
	}

	return kept
}

func (f *Filterer) applyFilters(msg database.Message) (bool, string) {
	for _, filter := range f.filters {
		value := getFieldValue(msg, filter.Field)

		for _, exclude := range filter.Excludes {
			if matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) > 0 {
			matched := false
			for _, include := range filter.Includes {
				if matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
			}
		}
	}

	return false, ""
}

func matchesFilter(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func getFieldValue(msg database.Message, field string) string {
	if get, ok := filterFields[field]; ok {
		return get(msg)
	}
	return ""
}
