package message

import (
	"cmp"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

const TimestampLayout = "2006-01-02 15:04:05"

func DefaultRules() Rules {
	return Rules{
		Name:        `名称[：:][ \t]*(.+)`,
		Description: `描述[：:][ \t]*(.+)`,
		FileSize:    `📁\x{FE0F}?[ \t]*大小[：:][ \t]*(.+)`,
		Tags:        `🏷\x{FE0F}?[ \t]*标签[：:][ \t]*(.+)`,
		Link:        `https://pan\.quark\.cn/s/[a-zA-Z0-9]+`,
	}
}

// LoadRules reads a YAML rules file. Patterns missing from the file keep
// their default.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read rules file: %w", err)
	}

	var override Rules
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Rules{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	rules.Name = cmp.Or(override.Name, rules.Name)
	rules.Description = cmp.Or(override.Description, rules.Description)
	rules.FileSize = cmp.Or(override.FileSize, rules.FileSize)
	rules.Tags = cmp.Or(override.Tags, rules.Tags)
	rules.Link = cmp.Or(override.Link, rules.Link)
	rules.FeedFilters = override.FeedFilters

	if _, err := compileRules(rules); err != nil {
		return Rules{}, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	for i, filter := range rules.FeedFilters {
		if _, ok := filterFields[filter.Field]; !ok {
			return Rules{}, fmt.Errorf("invalid rules file %s: feed filter %d: unknown field '%s'", path, i, filter.Field)
		}
	}

	return rules, nil
}

type compiledRules struct {
	name        *regexp.Regexp
	description *regexp.Regexp
	fileSize    *regexp.Regexp
	tags        *regexp.Regexp
	link        *regexp.Regexp
}

func compileRules(rules Rules) (*compiledRules, error) {
	compile := func(field, pattern string, labeled bool) (*regexp.Regexp, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern: %w", field, err)
		}
		if labeled && re.NumSubexp() < 1 {
			return nil, fmt.Errorf("%s pattern must contain a capture group", field)
		}
		return re, nil
	}

	var c compiledRules
	var err error
	if c.name, err = compile("name", rules.Name, true); err != nil {
		return nil, err
	}
	if c.description, err = compile("description", rules.Description, true); err != nil {
		return nil, err
	}
	if c.fileSize, err = compile("file_size", rules.FileSize, true); err != nil {
		return nil, err
	}
	if c.tags, err = compile("tags", rules.Tags, true); err != nil {
		return nil, err
	}
	if c.link, err = compile("link", rules.Link, false); err != nil {
		return nil, err
	}

	return &c, nil
}
