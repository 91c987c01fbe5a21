package message

// Record is the set of fields extracted from a post body.
type Record struct {
	Name        string
	Description string
	Link        string // empty when no share link was found
	FileSize    string
	Tags        string
	Timestamp   string // YYYY-MM-DD HH:MM:SS in the host's local zone
}

func (r Record) HasLink() bool {
	return r.Link != ""
}

// Rules holds the regular expressions used by the Extractor. Each labeled
// pattern must contain one capture group holding the value; Link is matched
// as a whole.
type Rules struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	FileSize    string `yaml:"file_size"`
	Tags        string `yaml:"tags"`
	Link        string `yaml:"link"`

	FeedFilters []Filter `yaml:"feed_filters"`
}

// Filter hides messages from the RSS feed by case-insensitive substring
// match on one field. A message is hidden when the field contains any
// exclude, or when includes are set and it contains none of them.
type Filter struct {
	Field    string   `yaml:"field"` // name, description, tags, file_size or link
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}
