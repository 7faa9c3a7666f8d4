package domain

import "time"

// FixmeRecord tracks one flagged result item.
type FixmeRecord struct {
	ItemID     string `json:"item_id"`
	Path       string `json:"path"`
	FixmeCount int    `json:"fixme_count"`
	LockedBy   *User  `json:"locked_by,omitempty"`
	Locked     bool   `json:"locked"`
	EditedBy   *User  `json:"edited_by,omitempty"`
}

// Registry maps item id to its record.
type Registry map[string]FixmeRecord

// Total sums the fixme counts of all items.
func (r Registry) Total() int {
	total := 0
	for _, rec := range r {
		total += rec.FixmeCount
	}
	return total
}

// NameEntry is one row of the street name conversion table.
type NameEntry struct {
	SourceName    string `json:"source_name"`
	ConvertedName string `json:"converted_name"`
	Provenance    string `json:"provenance"`
	LastEditor    *User  `json:"last_editor,omitempty"`
}

// Message is an entry of a job's chat.
type Message struct {
	ID   string    `json:"id"`
	User User      `json:"user"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Report is the machine-readable summary written by the engine.
type Report map[string]interface{}

// Split is a sub-division of an entity processed independently.
type Split struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
