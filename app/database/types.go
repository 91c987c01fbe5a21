package database

// Message is a stored row of the messages table.
type Message struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Link        string `json:"link"` // empty when the post carried no share link
	FileSize    string `json:"file_size"`
	Tags        string `json:"tags"`
	Timestamp   string `json:"timestamp"`  // YYYY-MM-DD HH:MM:SS, local time
	ImagePath   string `json:"image_path"` // empty when no photo was saved
}
