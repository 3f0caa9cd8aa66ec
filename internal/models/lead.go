package models

import "time"

// LeadField is one normalized fact extracted from a finished conversation.
type LeadField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LeadRecord is the structured summary of a finished conversation handed to report sinks.
type LeadRecord struct {
	UserID     string      `json:"user_id"`
	UserName   string      `json:"user_name,omitempty"`
	Complete   bool        `json:"complete"` // false when an operator stopped the conversation early
	Fields     []LeadField `json:"fields"`
	Summary    string      `json:"summary,omitempty"`
	QaPairs    []QaPair    `json:"qa_pairs"`
	CreatedAt  time.Time   `json:"created_at"`
	Extraction string      `json:"extraction"` // "oracle" or "raw" when extraction fell back to raw answers
}

// Field returns the value stored under key, or "" when absent.
func (r LeadRecord) Field(key string) string {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}
