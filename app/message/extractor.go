package message

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/width"
)

var ErrUnparsable = errors.New("message could not be parsed")

type Extractor struct {
	rules *compiledRules
}

func NewExtractor(rules Rules) (*Extractor, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Extractor{rules: compiled}, nil
}

// Run extracts a Record from body. Missing labels yield empty fields; the
// timestamp is date rendered in the host's local zone.
func (e *Extractor) Run(body string, date time.Time) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = Record{}
			err = fmt.Errorf("%w: %v", ErrUnparsable, r)
		}
	}()

	if date.IsZero() {
		return Record{}, fmt.Errorf("%w: message has no date", ErrUnparsable)
	}

	rec = Record{
		Name:        captured(e.rules.name, body),
		Description: captured(e.rules.description, body),
		FileSize:    width.Fold.String(captured(e.rules.fileSize, body)),
		Tags:        captured(e.rules.tags, body),
		Link:        e.rules.link.FindString(body),
		Timestamp:   date.In(time.Local).Format(TimestampLayout),
	}

	return rec, nil
}

func captured(re *regexp.Regexp, body string) string {
	match := re.FindStringSubmatch(body)
	if len(match) < 2 {
		return ""
	}
	return strings.TrimSpace(match[1])
}
